// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated, immutable Matrix identifiers for
// the call bridge: room IDs, user IDs, server names, and event types.
//
// Identifiers arriving from the homeserver (transaction payloads, API
// responses, configuration) are parsed into these types at the
// boundary. Code past the boundary can assume the structural format
// holds. JSON marshaling uses the plain Matrix string form via
// encoding.TextMarshaler.
package ref

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package appservice is the bridge's Matrix application service
// surface: the HTTP endpoints a homeserver pushes transactions to and
// queries users through, and the registration file that introduces
// the bridge to the homeserver.
//
// Transactions are authenticated with the registration's hs_token,
// de-duplicated by transaction ID, decoded into [gateway.Event] values
// and dispatched one at a time in arrival order. Per-event failures
// are logged; the homeserver always receives an empty success body
// once a transaction has been processed, so a refused call invite is
// never retried.
package appservice

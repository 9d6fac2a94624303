// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the bridge's Matrix client-server API client.
//
// The bridge runs as an application service, so it never logs in. A
// single [Client] carries the registration's as_token and the
// homeserver URL. [Client.Intent] returns an [Intent] that acts as one
// of the bridge's virtual users by adding the user_id query parameter
// to every request; the homeserver accepts this for any user in the
// registration's exclusive namespace.
//
// All API errors are returned as [*MatrixError] with the Matrix error
// code and HTTP status. [IsMatrixError] tests for a specific code.
// Request URLs are built by string concatenation with escaped path
// segments, since room IDs and user IDs contain characters that
// url.URL would re-encode.
//
// The package also defines the content types of the m.call.* events the
// bridge reads and writes (see [CallInviteContent] and friends).
package messaging

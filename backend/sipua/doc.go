// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sipua is a backend.Transport that reaches the conference
// backend as a SIP user agent.
//
// The agent registers with a registrar and keeps the registration
// fresh. Each leg gets a session: an INVITE to the call's extension
// carrying the leg's rewritten SDP, and the dialog that results. The
// answer SDP from the 2xx resolves the session's answer exactly once
// and is handed to the backend.Handler as a backend.Answer. A failed
// INVITE is reported as a backend.Hangup. Closing a session cancels an
// INVITE still in flight.
//
// Digest challenges (401 and 407) are answered once per request using
// the configured credentials.
package sipua

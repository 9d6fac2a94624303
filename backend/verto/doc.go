// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package verto is the backend transport for FreeSWITCH's Verto
// protocol: JSON-RPC 2.0 over one long-lived WebSocket.
//
// Outbound requests (login, verto.invite, verto.bye) carry numeric ids
// and are matched to responses by id. Inbound requests from the switch
// are dispatched in arrival order on a single worker: verto.answer
// becomes a [backend.Answer] and is acknowledged once the handler
// accepts it, verto.bye becomes a [backend.Hangup]. Anything else is
// logged and ignored.
//
// When the socket drops, every request waiting on it fails with
// [ErrDisconnected] and one reconnect loop starts. The loop waits the
// reconnect delay, dials, logs in, and repeats until a login succeeds.
// Further disconnect notifications while the loop runs are ignored.
package verto

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway routes events between Matrix and the conference
// backend.
//
// Inbound Matrix events arrive as the tagged variant [Event]
// ([Membership], [CallInvite], [CallCandidates], [CallHangup]) and
// become registry, call and endpoint operations. Backend events
// ([backend.Answer], [backend.Hangup]) become m.call.answer and
// m.call.hangup events sent as the conference user.
//
// A conference user is a virtual Matrix user whose localpart encodes
// the room whose members may call through it (see [Identity]).
// Inviting that user into a 1:1 room pairs the room with the
// conference; calls placed in the paired room join the conference's
// extension on the backend.
//
// Every input the router refuses is reported with an error wrapping
// [ErrRejected]. Rejections never leave a call or leg half-updated.
package gateway

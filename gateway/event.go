// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// ErrRejected marks an input the router refused: a malformed
// identity, an invite into the wrong room, an unknown call.
var ErrRejected = errors.New("gateway: rejected")

// Event is an inbound Matrix event the router understands. The
// concrete types are Membership, CallInvite, CallCandidates and
// CallHangup.
type Event interface {
	isEvent()
}

// Membership is an m.room.member change of Target in RoomID.
type Membership struct {
	RoomID     ref.RoomID
	Sender     ref.UserID
	Target     ref.UserID
	Membership string
}

// CallInvite is an m.call.invite.
type CallInvite struct {
	RoomID ref.RoomID
	Sender ref.UserID
	CallID string
	Offer  string
}

// CallCandidates is an m.call.candidates batch.
type CallCandidates struct {
	RoomID     ref.RoomID
	Sender     ref.UserID
	CallID     string
	Candidates []webrtc.ICECandidateInit
}

// CallHangup is an m.call.hangup.
type CallHangup struct {
	RoomID ref.RoomID
	Sender ref.UserID
	CallID string
}

func (Membership) isEvent()     {}
func (CallInvite) isEvent()     {}
func (CallCandidates) isEvent() {}
func (CallHangup) isEvent()     {}

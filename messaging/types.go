// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// Event types the bridge reads or writes.
const (
	EventTypeMember         ref.EventType = "m.room.member"
	EventTypeCallInvite     ref.EventType = "m.call.invite"
	EventTypeCallCandidates ref.EventType = "m.call.candidates"
	EventTypeCallAnswer     ref.EventType = "m.call.answer"
	EventTypeCallHangup     ref.EventType = "m.call.hangup"
)

// Membership values of m.room.member.
const (
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// Event is a Matrix room event as delivered in application service
// transactions and room state responses. Content is left raw; the
// consumer decodes it according to Type.
type Event struct {
	EventID        string          `json:"event_id"`
	Type           ref.EventType   `json:"type"`
	Sender         ref.UserID      `json:"sender"`
	RoomID         ref.RoomID      `json:"room_id,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	Unsigned       *EventUnsigned  `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// RoomMemberContent is the content of a m.room.member state event.
type RoomMemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// SessionDescription is the SDP wrapper used by m.call.invite and
// m.call.answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CallInviteContent is the content of m.call.invite.
type CallInviteContent struct {
	CallID   string             `json:"call_id"`
	Offer    SessionDescription `json:"offer"`
	Lifetime int64              `json:"lifetime,omitempty"`
}

// CallCandidatesContent is the content of m.call.candidates.
type CallCandidatesContent struct {
	CallID     string                    `json:"call_id"`
	Candidates []webrtc.ICECandidateInit `json:"candidates"`
}

// CallAnswerContent is the content of m.call.answer.
type CallAnswerContent struct {
	CallID  string             `json:"call_id"`
	Version int                `json:"version"`
	Answer  SessionDescription `json:"answer"`
}

// CallHangupContent is the content of m.call.hangup.
type CallHangupContent struct {
	CallID  string `json:"call_id"`
	Version int    `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// SendEventResponse is returned when sending an event.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// registerRequest is the body of an application service registration.
type registerRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type displayNameRequest struct {
	DisplayName string `json:"displayname"`
}

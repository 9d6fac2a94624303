// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/callbridge/gateway"
	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/messaging"
)

type decodedEvent struct {
	id        string
	eventType ref.EventType
	sender    ref.UserID

	// gateway is nil for event types the bridge does not handle.
	gateway gateway.Event
}

// decodeEvent turns one transaction event into its gateway form.
func decodeEvent(raw json.RawMessage) (decodedEvent, error) {
	var event messaging.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return decodedEvent{}, fmt.Errorf("decoding event: %w", err)
	}
	decoded := decodedEvent{id: event.EventID, eventType: event.Type, sender: event.Sender}

	switch event.Type {
	case messaging.EventTypeMember:
		if event.StateKey == nil {
			return decoded, fmt.Errorf("%s %s has no state_key", event.Type, event.EventID)
		}
		target, err := ref.ParseUserID(*event.StateKey)
		if err != nil {
			return decoded, fmt.Errorf("%s %s: %w", event.Type, event.EventID, err)
		}
		var content messaging.RoomMemberContent
		if err := decodeContent(event, &content); err != nil {
			return decoded, err
		}
		decoded.gateway = gateway.Membership{
			RoomID:     event.RoomID,
			Sender:     event.Sender,
			Target:     target,
			Membership: content.Membership,
		}

	case messaging.EventTypeCallInvite:
		var content messaging.CallInviteContent
		if err := decodeCallContent(event, &content, &content.CallID); err != nil {
			return decoded, err
		}
		decoded.gateway = gateway.CallInvite{
			RoomID: event.RoomID,
			Sender: event.Sender,
			CallID: content.CallID,
			Offer:  content.Offer.SDP,
		}

	case messaging.EventTypeCallCandidates:
		var content messaging.CallCandidatesContent
		if err := decodeCallContent(event, &content, &content.CallID); err != nil {
			return decoded, err
		}
		decoded.gateway = gateway.CallCandidates{
			RoomID:     event.RoomID,
			Sender:     event.Sender,
			CallID:     content.CallID,
			Candidates: content.Candidates,
		}

	case messaging.EventTypeCallHangup:
		var content messaging.CallHangupContent
		if err := decodeCallContent(event, &content, &content.CallID); err != nil {
			return decoded, err
		}
		decoded.gateway = gateway.CallHangup{
			RoomID: event.RoomID,
			Sender: event.Sender,
			CallID: content.CallID,
		}
	}
	return decoded, nil
}

func decodeContent(event messaging.Event, content any) error {
	if err := json.Unmarshal(event.Content, content); err != nil {
		return fmt.Errorf("%s %s: decoding content: %w", event.Type, event.EventID, err)
	}
	if event.RoomID.IsZero() {
		return fmt.Errorf("%s %s has no room_id", event.Type, event.EventID)
	}
	return nil
}

// decodeCallContent decodes an m.call.* content and requires a call_id.
func decodeCallContent(event messaging.Event, content any, callID *string) error {
	if err := decodeContent(event, content); err != nil {
		return err
	}
	if *callID == "" {
		return fmt.Errorf("%s %s has no call_id", event.Type, event.EventID)
	}
	return nil
}

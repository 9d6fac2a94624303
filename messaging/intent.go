// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// Intent performs client-server requests as one virtual user of the
// application service. Intents are cheap; create one per use.
type Intent struct {
	client *Client
	userID ref.UserID
}

// UserID returns the user this intent acts as.
func (i *Intent) UserID() ref.UserID { return i.userID }

func (i *Intent) query() url.Values {
	return url.Values{"user_id": {i.userID.String()}}
}

// EnsureRegistered registers the intent's user with the homeserver
// through the application service login type. A user that already
// exists is not an error. Successful registrations are remembered for
// the life of the client.
func (i *Intent) EnsureRegistered(ctx context.Context) error {
	if i.client.isRegistered(i.userID) {
		return nil
	}

	request := registerRequest{
		Type:     "m.login.application_service",
		Username: i.userID.Localpart(),
	}
	_, err := i.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", nil, request)
	if err != nil && !IsMatrixError(err, ErrCodeUserInUse) {
		return fmt.Errorf("messaging: register %s failed: %w", i.userID, err)
	}
	if err == nil {
		i.client.logger.Info("registered virtual user", "user_id", i.userID)
	}
	i.client.markRegistered(i.userID)
	return nil
}

// JoinRoom joins a room by ID. Returns the room ID.
func (i *Intent) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	body, err := i.client.doRequest(ctx, http.MethodPost, path, i.query(), struct{}{})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s as %s failed: %w", roomID, i.userID, err)
	}

	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// SendEvent sends a message event to a room using the idempotent PUT
// form with a fresh transaction ID. Returns the event ID.
func (i *Intent) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(i.client.nextTransactionID()),
	)

	body, err := i.client.doRequest(ctx, http.MethodPut, path, i.query(), content)
	if err != nil {
		return "", fmt.Errorf("messaging: send %s to %s failed: %w", eventType, roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent fetches one state event's content. A missing event is
// a *MatrixError with code M_NOT_FOUND.
func (i *Intent) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := i.client.doRequest(ctx, http.MethodGet, path, i.query(), nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state %s/%s in %s failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// GetRoomState fetches all current state events from a room.
func (i *Intent) GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state", url.PathEscape(roomID.String()))

	body, err := i.client.doRequest(ctx, http.MethodGet, path, i.query(), nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get room state for %s failed: %w", roomID, err)
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room state response: %w", err)
	}
	return events, nil
}

// Membership returns userID's current membership in roomID, or "" when
// the user has no member event there.
func (i *Intent) Membership(ctx context.Context, roomID ref.RoomID, userID ref.UserID) (string, error) {
	raw, err := i.GetStateEvent(ctx, roomID, EventTypeMember, userID.String())
	if err != nil {
		if IsMatrixError(err, ErrCodeNotFound) {
			return "", nil
		}
		return "", err
	}
	var content RoomMemberContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return "", fmt.Errorf("messaging: failed to parse member event: %w", err)
	}
	return content.Membership, nil
}

// SetDisplayName sets the intent user's global display name.
func (i *Intent) SetDisplayName(ctx context.Context, displayName string) error {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", url.PathEscape(i.userID.String()))
	_, err := i.client.doRequest(ctx, http.MethodPut, path, i.query(), displayNameRequest{DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("messaging: set display name of %s failed: %w", i.userID, err)
	}
	return nil
}

// nextTransactionID generates a unique transaction ID for idempotent
// event sending. The timestamp keeps IDs unique across restarts.
func (c *Client) nextTransactionID() string {
	counter := c.transactionCounter.Add(1)
	return fmt.Sprintf("callbridge-%d-%d", time.Now().UnixMilli(), counter)
}

func (c *Client) isRegistered(userID ref.UserID) bool {
	c.registeredMu.Lock()
	defer c.registeredMu.Unlock()
	_, ok := c.registered[userID]
	return ok
}

func (c *Client) markRegistered(userID ref.UserID) {
	c.registeredMu.Lock()
	defer c.registeredMu.Unlock()
	c.registered[userID] = struct{}{}
}

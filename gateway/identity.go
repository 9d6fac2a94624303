// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// DefaultUserPrefix starts the localpart of every conference user.
const DefaultUserPrefix = "conf_"

var (
	roomEncoding   = base32.StdEncoding.WithPadding(base32.NoPadding)
	legacyEncoding = base64.StdEncoding
)

// Identity maps conference users to the rooms they serve. The
// localpart is the prefix followed by the room ID in lowercase
// unpadded base32. Standard base64 is also accepted when decoding.
type Identity struct {
	prefix string
	server ref.ServerName
}

// NewIdentity creates the codec for conference users on server.
func NewIdentity(prefix string, server ref.ServerName) (Identity, error) {
	if prefix == "" {
		return Identity{}, fmt.Errorf("gateway: user prefix is required")
	}
	if err := ref.ValidateLocalpart(prefix); err != nil {
		return Identity{}, fmt.Errorf("gateway: user prefix: %w", err)
	}
	if server.IsZero() {
		return Identity{}, fmt.Errorf("gateway: server name is required")
	}
	return Identity{prefix: prefix, server: server}, nil
}

// Prefix returns the localpart prefix.
func (i Identity) Prefix() string { return i.prefix }

// IsConferenceUser reports whether user's localpart carries the
// prefix. It does not check that the rest decodes.
func (i Identity) IsConferenceUser(user ref.UserID) bool {
	return strings.HasPrefix(user.Localpart(), i.prefix)
}

// Encode returns the conference user for room.
func (i Identity) Encode(room ref.RoomID) (ref.UserID, error) {
	encoded := strings.ToLower(roomEncoding.EncodeToString([]byte(room.String())))
	user, err := ref.NewUserID(i.prefix+encoded, i.server)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("gateway: encoding %s: %w", room, err)
	}
	return user, nil
}

// Decode returns the room user serves. The error wraps ErrRejected
// when user is not a conference user or does not encode a valid room
// ID.
func (i Identity) Decode(user ref.UserID) (ref.RoomID, error) {
	localpart := user.Localpart()
	encoded, ok := strings.CutPrefix(localpart, i.prefix)
	if !ok || encoded == "" {
		return ref.RoomID{}, fmt.Errorf("%w: %s is not a conference user", ErrRejected, user)
	}

	if decoded, err := roomEncoding.DecodeString(strings.ToUpper(encoded)); err == nil {
		if room, err := ref.ParseRoomID(string(decoded)); err == nil {
			return room, nil
		}
	}
	decoded, err := legacyEncoding.DecodeString(encoded)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("%w: %s does not encode a room", ErrRejected, user)
	}
	room, err := ref.ParseRoomID(string(decoded))
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("%w: %s decodes to an invalid room: %v", ErrRejected, user, err)
	}
	return room, nil
}

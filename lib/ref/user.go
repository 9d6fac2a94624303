// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// UserID is a validated Matrix user ID (e.g., "@alice:example.org").
//
// Only the structural format is checked: the '@' sigil, a non-empty
// localpart, and a non-empty server after the first ':'. Real users
// on other homeservers may use historical localparts, so the strict
// localpart grammar is enforced only where the bridge mints IDs
// itself (see ValidateLocalpart).
//
// The zero value is not valid; use IsZero to check.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw Matrix user ID string.
func ParseUserID(raw string) (UserID, error) {
	if _, _, err := parseMatrixID(raw); err != nil {
		return UserID{}, err
	}
	return UserID{id: raw}, nil
}

// MustParseUserID is like ParseUserID but panics on error.
func MustParseUserID(raw string) UserID {
	userID, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return userID
}

// NewUserID builds "@localpart:server". The localpart must already
// satisfy ValidateLocalpart.
func NewUserID(localpart string, server ServerName) (UserID, error) {
	if err := ValidateLocalpart(localpart); err != nil {
		return UserID{}, err
	}
	if server.IsZero() {
		return UserID{}, fmt.Errorf("user ID %q: empty server name", localpart)
	}
	return UserID{id: "@" + localpart + ":" + server.name}, nil
}

// String returns the full user ID.
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is unset.
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the part between '@' and the first ':'. Returns
// "" for the zero value.
func (u UserID) Localpart() string {
	localpart, _, _ := parseMatrixID(u.id)
	return localpart
}

// Server returns the server part of the user ID. Returns "" for the
// zero value.
func (u UserID) Server() string {
	_, server, _ := parseMatrixID(u.id)
	return server
}

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

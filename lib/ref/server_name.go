// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// ServerName is a validated Matrix server name (e.g., "example.org",
// "matrix.example.org:8448"). The bridge's own server name comes from
// configuration and is the domain of every virtual user it mints.
//
// The zero value is not valid; use IsZero to check.
type ServerName struct {
	name string
}

// ParseServerName validates and wraps a raw server name. Control
// characters, spaces and Matrix sigils are rejected.
func ParseServerName(raw string) (ServerName, error) {
	if raw == "" {
		return ServerName{}, fmt.Errorf("server name is empty")
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c <= ' ' || c == '@' || c == '#' || c == '!' || c == '/' {
			return ServerName{}, fmt.Errorf("server name %q: invalid character at position %d", raw, i)
		}
	}
	return ServerName{name: raw}, nil
}

// MustParseServerName is like ParseServerName but panics on error.
func MustParseServerName(raw string) ServerName {
	server, err := ParseServerName(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseServerName(%q): %v", raw, err))
	}
	return server
}

// String returns the server name.
func (s ServerName) String() string { return s.name }

// IsZero reports whether the ServerName is unset.
func (s ServerName) IsZero() bool { return s.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (s ServerName) MarshalText() ([]byte, error) {
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value.
func (s *ServerName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ServerName{}
		return nil
	}
	parsed, err := ParseServerName(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

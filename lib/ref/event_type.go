// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix event type (e.g., "m.call.invite").
// It is a named string so an event type cannot be passed where a
// state key or room ID is expected.
type EventType string

// String returns the event type string.
func (t EventType) String() string { return string(t) }

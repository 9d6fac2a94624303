// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package conference

import (
	"sort"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// Call is one conference: an extension on the backend and the legs
// joined to it. Legs are indexed by Matrix user, Matrix call ID and
// backend call ID, one leg per key.
type Call struct {
	// Owner is the conference user the bridge rooms were paired with.
	Owner ref.UserID

	// Extension is fixed for the life of the call.
	Extension Extension

	byUser      map[ref.UserID]*Leg
	byCallID    map[string]*Leg
	byBackendID map[string]*Leg
}

// NewCall creates an empty call. It becomes reachable once it has a
// leg and has been Put into a Registry.
func NewCall(owner ref.UserID, extension Extension) *Call {
	return &Call{
		Owner:       owner,
		Extension:   extension,
		byUser:      make(map[ref.UserID]*Leg),
		byCallID:    make(map[string]*Leg),
		byBackendID: make(map[string]*Leg),
	}
}

// AddLeg indexes leg under all three keys. Legs that held any of
// those keys are dropped from the call and returned. Their sessions
// stay open so the caller can hang them up on the backend before
// closing them (Registry.Remove does both).
func (c *Call) AddLeg(leg *Leg) []*Leg {
	var displaced []*Leg
	for _, previous := range []*Leg{c.byUser[leg.UserID], c.byCallID[leg.CallID], c.byBackendID[leg.BackendCallID]} {
		if previous == nil || previous == leg || containsLeg(displaced, previous) {
			continue
		}
		c.RemoveLeg(previous)
		displaced = append(displaced, previous)
	}

	c.byUser[leg.UserID] = leg
	c.byCallID[leg.CallID] = leg
	c.byBackendID[leg.BackendCallID] = leg
	return displaced
}

// RemoveLeg drops leg from every index, cancels its timer and marks
// it removed. The backend session is left open; see Leg.CloseSession.
// Returns false if leg was not part of the call.
func (c *Call) RemoveLeg(leg *Leg) bool {
	if c.byUser[leg.UserID] != leg && c.byCallID[leg.CallID] != leg && c.byBackendID[leg.BackendCallID] != leg {
		return false
	}
	if c.byUser[leg.UserID] == leg {
		delete(c.byUser, leg.UserID)
	}
	if c.byCallID[leg.CallID] == leg {
		delete(c.byCallID, leg.CallID)
	}
	if c.byBackendID[leg.BackendCallID] == leg {
		delete(c.byBackendID, leg.BackendCallID)
	}
	leg.detach()
	return true
}

// LegCount returns the number of legs.
func (c *Call) LegCount() int { return len(c.byCallID) }

// Legs returns a snapshot of the legs ordered by Matrix user ID.
// Callers that remove legs while iterating use this snapshot.
func (c *Call) Legs() []*Leg {
	legs := make([]*Leg, 0, len(c.byCallID))
	for _, leg := range c.byCallID {
		legs = append(legs, leg)
	}
	sort.Slice(legs, func(i, j int) bool {
		return legs[i].UserID.String() < legs[j].UserID.String()
	})
	return legs
}

// LegByUser returns the leg placed by userID.
func (c *Call) LegByUser(userID ref.UserID) (*Leg, bool) {
	leg, ok := c.byUser[userID]
	return leg, ok
}

// LegByCallID returns the leg with the given Matrix call ID.
func (c *Call) LegByCallID(callID string) (*Leg, bool) {
	leg, ok := c.byCallID[callID]
	return leg, ok
}

// LegByBackendCallID returns the leg with the given backend call ID.
func (c *Call) LegByBackendCallID(backendCallID string) (*Leg, bool) {
	leg, ok := c.byBackendID[backendCallID]
	return leg, ok
}

func containsLeg(legs []*Leg, leg *Leg) bool {
	for _, candidate := range legs {
		if candidate == leg {
			return true
		}
	}
	return false
}

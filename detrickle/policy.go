// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package detrickle

import "fmt"

// Policy decides when a candidate set is ready.
type Policy int

const (
	// Strict requires every media section to have a host candidate,
	// a server-reflexive or relay candidate, and, for every
	// foundation, candidates for RTP alone or for both RTP and RTCP.
	Strict Policy = iota

	// AnyReflexive is ready as soon as any section has a
	// server-reflexive or relay candidate.
	AnyReflexive
)

// ParsePolicy maps the configuration names "strict" and
// "any-reflexive" to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "strict":
		return Strict, nil
	case "any-reflexive":
		return AnyReflexive, nil
	}
	return Strict, fmt.Errorf("detrickle: unknown readiness policy %q", name)
}

func (p Policy) String() string {
	switch p {
	case Strict:
		return "strict"
	case AnyReflexive:
		return "any-reflexive"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package conference holds the call state of the bridge: the pool of
// two-digit conference extensions, the conference calls that own an
// extension, and the per-user legs that join a conference from a
// Matrix room.
//
// A Registry indexes live calls by owner (the conference user) and by
// extension, and carries the state lock. Every read or write of
// Registry, Call or Leg state happens with that lock held; none of
// the types lock internally. Network I/O never happens under it.
//
// A Call is reachable only while it has legs. Registry.Remove is the
// single path that drops a leg, and it evicts the call together with
// its last leg.
package conference

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source used by the call
// bridge.
//
// Structs that wait on time hold a Clock field. main wires Real();
// tests wire Fake() and drive it:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	endpoint := backend.NewEndpoint(backend.EndpointConfig{Clock: fake, ...})
//	// ... a leg is left waiting for more candidates ...
//	fake.WaitForTimers(1)
//	fake.Advance(3 * time.Second) // the force-invite fires here
//
// AfterFunc callbacks on a FakeClock run synchronously inside
// Advance, in deadline order. A callback may schedule new timers but
// must not call Advance.
package clock

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend is the bridge's signaling endpoint toward the
// telephony backend.
//
// [Endpoint] owns the per-leg invite logic shared by every backend:
// it asks the candidate reconciler whether a leg's trickled candidates
// are complete, schedules the force-invite timer when they are not,
// rewrites the offer, and hands the result to a [Transport]. The
// transports (backend/verto, backend/sipua) only move bytes: they know
// how to log in, send an invite or a bye, and report what the backend
// says back as [Event] values delivered to a [Handler].
//
// All call and leg state is read and written under the conference
// registry's lock. The endpoint takes the lock itself and never holds
// it across a transport call.
package backend

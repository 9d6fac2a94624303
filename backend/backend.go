// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"

	"github.com/bureau-foundation/callbridge/conference"
)

// Transport carries signaling to one kind of backend. Call and leg
// fields a transport reads (Extension, BackendCallID, UserID) are
// fixed at creation, so transports may read them without the
// registry lock.
type Transport interface {
	// Login connects and authenticates. Failure starts the
	// transport's reconnect loop.
	Login(ctx context.Context) error

	// SendInvite offers sdp for leg to the call's extension.
	SendInvite(ctx context.Context, call *conference.Call, leg *conference.Leg, sdp string) error

	// SendBye hangs up leg on the backend.
	SendBye(ctx context.Context, call *conference.Call, leg *conference.Leg) error

	// Close disconnects and stops any reconnect loop.
	Close() error
}

// SessionOpener is implemented by transports that keep per-leg
// backend state. The session is opened when the leg is created and
// closed when the leg is removed.
type SessionOpener interface {
	OpenSession(ctx context.Context, call *conference.Call, leg *conference.Leg) (conference.Session, error)
}

// Event is something the backend reported about a leg. The concrete
// types are Answer and Hangup.
type Event interface {
	isEvent()
}

// Answer carries the backend's SDP answer for a leg.
type Answer struct {
	BackendCallID string
	SDP           string
}

// Hangup reports that the backend ended a leg.
type Hangup struct {
	BackendCallID string
	Cause         string
}

func (Answer) isEvent() {}
func (Hangup) isEvent() {}

// Handler consumes backend events. A transport that acknowledges
// events to the backend does so only when the handler succeeds.
type Handler interface {
	HandleBackendEvent(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// HandleBackendEvent calls f.
func (f HandlerFunc) HandleBackendEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// InviteResult is the outcome of Endpoint.AttemptInvite.
type InviteResult int

const (
	// NotReady means no invite went out. A force-invite timer may be
	// pending.
	NotReady InviteResult = iota

	// AlreadySent means the leg's invite went out earlier; nothing
	// changed.
	AlreadySent

	// Sent means this call sent the invite.
	Sent
)

func (r InviteResult) String() string {
	switch r {
	case NotReady:
		return "not-ready"
	case AlreadySent:
		return "already-sent"
	case Sent:
		return "sent"
	default:
		return "unknown"
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/callbridge/conference"
	"github.com/bureau-foundation/callbridge/detrickle"
	"github.com/bureau-foundation/callbridge/lib/clock"
)

// DefaultCandidateTimeout is how long a leg waits for a complete
// candidate set before its invite is forced out.
const DefaultCandidateTimeout = 3 * time.Second

// CauseInviteFailed is the Hangup cause reported when a transport
// could not deliver an invite.
const CauseInviteFailed = "invite_failed"

// EndpointConfig holds the dependencies of an Endpoint.
type EndpointConfig struct {
	Registry   *conference.Registry
	Transport  Transport
	Reconciler *detrickle.Reconciler

	// Handler receives a Hangup for legs whose invite could not be
	// delivered. May be nil.
	Handler Handler

	// Clock schedules force-invite timers. Nil uses clock.Real().
	Clock clock.Clock

	// CandidateTimeout defaults to DefaultCandidateTimeout.
	CandidateTimeout time.Duration

	Logger *slog.Logger
}

// Endpoint runs invite reconciliation for legs and drives a Transport.
type Endpoint struct {
	registry   *conference.Registry
	transport  Transport
	reconciler *detrickle.Reconciler
	handler    Handler
	clock      clock.Clock
	timeout    time.Duration
	logger     *slog.Logger
}

// NewEndpoint creates an endpoint. Registry and Transport are required.
func NewEndpoint(config EndpointConfig) (*Endpoint, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("backend: Registry is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("backend: Transport is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconciler := config.Reconciler
	if reconciler == nil {
		reconciler = &detrickle.Reconciler{Policy: detrickle.Strict, Logger: logger}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	timeout := config.CandidateTimeout
	if timeout <= 0 {
		timeout = DefaultCandidateTimeout
	}
	return &Endpoint{
		registry:   config.Registry,
		transport:  config.Transport,
		reconciler: reconciler,
		handler:    config.Handler,
		clock:      clk,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Login connects the transport.
func (e *Endpoint) Login(ctx context.Context) error {
	return e.transport.Login(ctx)
}

// Close closes the transport.
func (e *Endpoint) Close() error {
	return e.transport.Close()
}

// OpenSession opens the leg's backend session when the transport
// keeps one. Returns nil for transports without sessions.
func (e *Endpoint) OpenSession(ctx context.Context, call *conference.Call, leg *conference.Leg) (conference.Session, error) {
	opener, ok := e.transport.(SessionOpener)
	if !ok {
		return nil, nil
	}
	return opener.OpenSession(ctx, call, leg)
}

// AttemptInvite sends leg's invite if its candidates are complete, or
// unconditionally when force is set. A leg that is not ready gets one
// force-invite timer. Must be called without the registry lock held.
//
// A non-nil error with result Sent means the transport failed; the
// leg stays marked as sent and the Handler is told to hang it up.
func (e *Endpoint) AttemptInvite(ctx context.Context, call *conference.Call, leg *conference.Leg, force bool) (InviteResult, error) {
	e.registry.Lock()
	if leg.Removed() {
		e.registry.Unlock()
		return NotReady, nil
	}
	if leg.InviteSent() {
		e.registry.Unlock()
		return AlreadySent, nil
	}
	if len(leg.Candidates) == 0 {
		e.registry.Unlock()
		e.logger.Debug("no candidates yet", "call_id", leg.CallID, "forced", force)
		return NotReady, nil
	}

	report, err := e.reconciler.Check(leg.Offer, leg.Candidates)
	if err != nil {
		e.registry.Unlock()
		return NotReady, fmt.Errorf("backend: checking candidates for %s: %w", leg.CallID, err)
	}
	if !report.Ready && !force {
		if !leg.TimerPending() {
			leg.SetTimer(e.clock.AfterFunc(e.timeout, func() { e.forceInvite(call, leg) }))
			e.logger.Debug("candidates incomplete, force-invite scheduled",
				"call_id", leg.CallID,
				"candidates", len(leg.Candidates),
				"timeout", e.timeout,
			)
		}
		e.registry.Unlock()
		return NotReady, nil
	}

	layout, err := detrickle.ParseOffer(leg.Offer)
	if err != nil {
		e.registry.Unlock()
		return NotReady, fmt.Errorf("backend: parsing offer for %s: %w", leg.CallID, err)
	}
	sdp := detrickle.Rewrite(leg.Offer, layout, leg.Candidates)
	leg.MarkInviteSent(sdp)
	candidates := len(leg.Candidates)
	e.registry.Unlock()

	e.logger.Info("sending invite",
		"call_id", leg.CallID,
		"backend_call_id", leg.BackendCallID,
		"extension", call.Extension,
		"user_id", leg.UserID,
		"candidates", candidates,
		"discarded", report.Discarded,
		"forced", force && !report.Ready,
	)
	if err := e.transport.SendInvite(ctx, call, leg, sdp); err != nil {
		e.logger.Error("invite failed",
			"call_id", leg.CallID,
			"backend_call_id", leg.BackendCallID,
			"error", err,
		)
		e.reportFailure(ctx, leg)
		return Sent, fmt.Errorf("backend: sending invite for %s: %w", leg.CallID, err)
	}
	return Sent, nil
}

// forceInvite runs when a leg's candidate timeout expires.
func (e *Endpoint) forceInvite(call *conference.Call, leg *conference.Leg) {
	e.registry.Lock()
	leg.ClearTimer()
	removed := leg.Removed()
	e.registry.Unlock()
	if removed {
		return
	}
	// AttemptInvite logs and reports transport failures itself.
	e.AttemptInvite(context.Background(), call, leg, true)
}

func (e *Endpoint) reportFailure(ctx context.Context, leg *conference.Leg) {
	if e.handler == nil {
		return
	}
	event := Hangup{BackendCallID: leg.BackendCallID, Cause: CauseInviteFailed}
	if err := e.handler.HandleBackendEvent(ctx, event); err != nil {
		e.logger.Warn("handling invite failure", "backend_call_id", leg.BackendCallID, "error", err)
	}
}

// SendBye hangs up leg on the backend. A leg whose invite never went
// out has nothing to hang up and is skipped.
func (e *Endpoint) SendBye(ctx context.Context, call *conference.Call, leg *conference.Leg) error {
	e.registry.Lock()
	sent := leg.InviteSent()
	e.registry.Unlock()
	if !sent {
		return nil
	}
	if err := e.transport.SendBye(ctx, call, leg); err != nil {
		return fmt.Errorf("backend: bye for %s: %w", leg.CallID, err)
	}
	return nil
}

// Hangup sends a bye for leg and then removes it from the registry
// and closes its session, evicting the call when it was the last leg.
// Legs displaced by Call.AddLeg are hung up the same way. The leg is
// removed even when the bye fails; the error is returned for logging.
// Reports whether the call was evicted.
func (e *Endpoint) Hangup(ctx context.Context, call *conference.Call, leg *conference.Leg) (bool, error) {
	byeErr := e.SendBye(ctx, call, leg)

	e.registry.Lock()
	evicted := e.registry.Remove(call, leg)
	e.registry.Unlock()
	return evicted, byeErr
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/callbridge/backend"
	"github.com/bureau-foundation/callbridge/conference"
	"github.com/bureau-foundation/callbridge/detrickle"
	"github.com/bureau-foundation/callbridge/lib/clock"
	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/messaging"
	"github.com/bureau-foundation/callbridge/roomstore"
)

// RouterConfig holds the dependencies of a Router.
type RouterConfig struct {
	Registry *conference.Registry
	Endpoint *backend.Endpoint
	Matrix   *messaging.Client
	Store    *roomstore.Store
	Identity Identity

	// DisplayName is set on conference users when they are first
	// invited. Empty leaves the profile alone.
	DisplayName string

	// ReplayWindow defaults to DefaultReplayWindow.
	ReplayWindow time.Duration

	// Clock times the candidate replay window. Nil uses clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Router turns Matrix events into conference operations and backend
// events into Matrix events.
type Router struct {
	registry    *conference.Registry
	endpoint    *backend.Endpoint
	matrix      *messaging.Client
	store       *roomstore.Store
	identity    Identity
	displayName string
	queue       *candidateQueue
	logger      *slog.Logger
}

// NewRouter creates a router. Every dependency except DisplayName,
// ReplayWindow, Clock and Logger is required.
func NewRouter(config RouterConfig) (*Router, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("gateway: Registry is required")
	}
	if config.Endpoint == nil {
		return nil, fmt.Errorf("gateway: Endpoint is required")
	}
	if config.Matrix == nil {
		return nil, fmt.Errorf("gateway: Matrix is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("gateway: Store is required")
	}
	if config.Identity.prefix == "" {
		return nil, fmt.Errorf("gateway: Identity is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	window := config.ReplayWindow
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Router{
		registry:    config.Registry,
		endpoint:    config.Endpoint,
		matrix:      config.Matrix,
		store:       config.Store,
		identity:    config.Identity,
		displayName: config.DisplayName,
		queue:       newCandidateQueue(window, clk),
		logger:      logger,
	}, nil
}

// Identity returns the conference user codec.
func (r *Router) Identity() Identity { return r.identity }

// HandleEvent applies one inbound Matrix event. Events the router does
// not act on return nil; refused events return an error wrapping
// ErrRejected.
func (r *Router) HandleEvent(ctx context.Context, event Event) error {
	switch event := event.(type) {
	case Membership:
		return r.handleMembership(ctx, event)
	case CallInvite:
		return r.handleCallInvite(ctx, event)
	case CallCandidates:
		return r.handleCallCandidates(ctx, event)
	case CallHangup:
		return r.handleCallHangup(ctx, event)
	default:
		return fmt.Errorf("gateway: unknown event type %T", event)
	}
}

func (r *Router) handleMembership(ctx context.Context, event Membership) error {
	r.logger.Info("member update",
		"room_id", event.RoomID,
		"user_id", event.Target,
		"membership", event.Membership,
	)
	switch event.Membership {
	case messaging.MembershipInvite:
		if !r.identity.IsConferenceUser(event.Target) {
			return nil
		}
		return r.pair(ctx, event)
	case messaging.MembershipLeave, messaging.MembershipBan:
		return r.handleDeparture(ctx, event)
	default:
		return nil
	}
}

// ProvisionUser registers a conference user with the homeserver and
// applies the configured display name. Users that do not decode to a
// room are rejected. Answers the homeserver's user queries and runs
// before every pairing.
func (r *Router) ProvisionUser(ctx context.Context, user ref.UserID) (ref.RoomID, error) {
	if !r.identity.IsConferenceUser(user) {
		return ref.RoomID{}, fmt.Errorf("%w: %s is not a conference user", ErrRejected, user)
	}
	target, err := r.identity.Decode(user)
	if err != nil {
		return ref.RoomID{}, err
	}

	intent := r.matrix.Intent(user)
	if err := intent.EnsureRegistered(ctx); err != nil {
		return ref.RoomID{}, fmt.Errorf("gateway: registering %s: %w", user, err)
	}
	if r.displayName != "" {
		if err := intent.SetDisplayName(ctx, r.displayName); err != nil {
			r.logger.Warn("setting conference display name failed", "user_id", user, "error", err)
		}
	}
	return target, nil
}

// pair joins the invited conference user to its target room and to
// the room it was invited into, and records the pairing.
func (r *Router) pair(ctx context.Context, event Membership) error {
	target, err := r.ProvisionUser(ctx, event.Target)
	if err != nil {
		return err
	}

	intent := r.matrix.Intent(event.Target)
	if _, err := intent.JoinRoom(ctx, target); err != nil {
		return fmt.Errorf("gateway: joining target room: %w", err)
	}
	if _, err := intent.JoinRoom(ctx, event.RoomID); err != nil {
		return fmt.Errorf("gateway: joining invited room: %w", err)
	}

	pairing := roomstore.Pairing{
		RoomID:         event.RoomID,
		ConferenceUser: event.Target,
		Inviter:        event.Sender,
	}
	if err := r.store.Put(ctx, pairing); err != nil {
		return fmt.Errorf("gateway: storing pairing: %w", err)
	}
	r.logger.Info("room paired with conference",
		"room_id", event.RoomID,
		"user_id", event.Target,
		"target_room_id", target,
		"inviter", event.Sender,
	)
	return nil
}

func (r *Router) handleDeparture(ctx context.Context, event Membership) error {
	// The conference user leaving its own target room ends the
	// conference for everyone.
	if r.identity.IsConferenceUser(event.Target) {
		if target, err := r.identity.Decode(event.Target); err == nil && target == event.RoomID {
			return r.killConference(ctx, event.Target)
		}
	}

	pairing, ok, err := r.store.Get(ctx, event.RoomID)
	if err != nil {
		return fmt.Errorf("gateway: looking up pairing: %w", err)
	}
	if !ok {
		return nil
	}
	if event.Target == pairing.ConferenceUser {
		if err := r.store.Delete(ctx, event.RoomID); err != nil {
			return fmt.Errorf("gateway: dropping pairing: %w", err)
		}
		r.logger.Info("conference user left paired room", "room_id", event.RoomID, "user_id", event.Target)
		return nil
	}

	r.registry.Lock()
	call, ok := r.registry.Get(pairing.ConferenceUser)
	var leg *conference.Leg
	if ok {
		leg, ok = call.LegByUser(event.Target)
		if !ok {
			r.registry.Unlock()
			return fmt.Errorf("%w: %s is not in a call", ErrRejected, event.Target)
		}
	}
	r.registry.Unlock()
	if call == nil {
		return nil
	}
	return r.hangup(ctx, call, leg)
}

// killConference hangs up every leg of owner's call.
func (r *Router) killConference(ctx context.Context, owner ref.UserID) error {
	r.registry.Lock()
	call, ok := r.registry.Get(owner)
	var legs []*conference.Leg
	if ok {
		legs = call.Legs()
	}
	r.registry.Unlock()
	if !ok {
		return nil
	}

	r.logger.Info("conference user left its target room, ending conference",
		"user_id", owner,
		"extension", call.Extension,
		"legs", len(legs),
	)
	for _, leg := range legs {
		if err := r.hangup(ctx, call, leg); err != nil {
			r.logger.Warn("hanging up leg failed", "call_id", leg.CallID, "error", err)
		}
	}
	return nil
}

// hangup sends a bye for leg and removes it. The leg is removed even
// when the bye fails.
func (r *Router) hangup(ctx context.Context, call *conference.Call, leg *conference.Leg) error {
	evicted, err := r.endpoint.Hangup(ctx, call, leg)
	r.logger.Info("leg hung up",
		"call_id", leg.CallID,
		"user_id", leg.UserID,
		"extension", call.Extension,
		"conference_ended", evicted,
	)
	return err
}

// conferenceFor returns the conference user paired with room and the
// room it serves.
func (r *Router) conferenceFor(ctx context.Context, room ref.RoomID) (roomstore.Pairing, ref.RoomID, error) {
	pairing, ok, err := r.store.Get(ctx, room)
	if err != nil {
		return roomstore.Pairing{}, ref.RoomID{}, fmt.Errorf("gateway: looking up pairing: %w", err)
	}
	if !ok {
		return roomstore.Pairing{}, ref.RoomID{}, fmt.Errorf("%w: no conference paired with %s", ErrRejected, room)
	}
	target, err := r.identity.Decode(pairing.ConferenceUser)
	if err != nil {
		return roomstore.Pairing{}, ref.RoomID{}, err
	}
	return pairing, target, nil
}

func (r *Router) handleCallInvite(ctx context.Context, event CallInvite) error {
	logger := r.logger.With("room_id", event.RoomID, "user_id", event.Sender, "call_id", event.CallID)
	logger.Info("call invite")

	pairing, target, err := r.conferenceFor(ctx, event.RoomID)
	if err != nil {
		return err
	}
	if target == event.RoomID {
		return fmt.Errorf("%w: call invite sent to the group room %s", ErrRejected, target)
	}
	membership, err := r.matrix.Intent(pairing.ConferenceUser).Membership(ctx, target, event.Sender)
	if err != nil {
		return fmt.Errorf("gateway: checking membership of %s: %w", event.Sender, err)
	}
	if membership != messaging.MembershipJoin {
		return fmt.Errorf("%w: %s is not joined to %s", ErrRejected, event.Sender, target)
	}
	if _, err := detrickle.ParseOffer(event.Offer); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	leg := conference.NewLeg(event.RoomID, event.Sender, event.CallID, event.Offer)
	owner := pairing.ConferenceUser

	r.registry.Lock()
	call, exists := r.registry.Get(owner)
	if !exists {
		extension, err := r.registry.AllocateExtension(owner)
		if err != nil {
			r.registry.Unlock()
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		call = conference.NewCall(owner, extension)
	}
	displaced := call.AddLeg(leg)
	if !exists {
		r.registry.Put(call)
	}
	queued, dropped := r.queue.take(event.CallID, event.Sender)
	leg.AddCandidates(queued...)
	r.registry.Unlock()

	logger.Info("leg added",
		"extension", call.Extension,
		"backend_call_id", leg.BackendCallID,
		"replayed_candidates", len(queued),
	)
	if dropped > 0 {
		logger.Warn("dropped stale queued candidates", "count", dropped)
	}
	for _, previous := range displaced {
		if _, err := r.endpoint.Hangup(ctx, call, previous); err != nil {
			logger.Warn("bye for replaced leg failed", "replaced_call_id", previous.CallID, "error", err)
		}
	}

	session, err := r.endpoint.OpenSession(ctx, call, leg)
	if err != nil {
		r.hangup(ctx, call, leg)
		return fmt.Errorf("gateway: opening backend session: %w", err)
	}
	if session != nil {
		r.registry.Lock()
		removed := leg.Removed()
		if !removed {
			leg.Session = session
		}
		r.registry.Unlock()
		if removed {
			session.Close()
			return nil
		}
	}

	result, err := r.endpoint.AttemptInvite(ctx, call, leg, false)
	logger.Debug("invite attempted", "result", result.String())
	return err
}

func (r *Router) handleCallCandidates(ctx context.Context, event CallCandidates) error {
	logger := r.logger.With("room_id", event.RoomID, "user_id", event.Sender, "call_id", event.CallID)
	logger.Debug("call candidates", "count", len(event.Candidates))

	if expired := r.queue.expire(); expired > 0 {
		r.logger.Warn("dropped candidates for calls that never started", "count", expired)
	}

	pairing, _, err := r.conferenceFor(ctx, event.RoomID)
	if err != nil {
		return err
	}

	r.registry.Lock()
	var leg *conference.Leg
	call, ok := r.registry.Get(pairing.ConferenceUser)
	if ok {
		leg, ok = call.LegByCallID(event.CallID)
	}
	if !ok {
		r.registry.Unlock()
		if !r.queue.add(event.CallID, event.Sender, event.Candidates) {
			return fmt.Errorf("%w: candidate queue full", ErrRejected)
		}
		logger.Debug("queued candidates for unknown call", "count", len(event.Candidates))
		return nil
	}
	if leg.UserID != event.Sender {
		r.registry.Unlock()
		return fmt.Errorf("%w: candidates for %s sent by %s", ErrRejected, event.CallID, event.Sender)
	}
	leg.AddCandidates(event.Candidates...)
	r.registry.Unlock()

	result, err := r.endpoint.AttemptInvite(ctx, call, leg, false)
	logger.Debug("invite attempted", "result", result.String())
	return err
}

func (r *Router) handleCallHangup(ctx context.Context, event CallHangup) error {
	r.logger.Info("call hangup", "room_id", event.RoomID, "user_id", event.Sender, "call_id", event.CallID)

	pairing, _, err := r.conferenceFor(ctx, event.RoomID)
	if err != nil {
		return err
	}

	r.registry.Lock()
	var leg *conference.Leg
	call, ok := r.registry.Get(pairing.ConferenceUser)
	if ok {
		leg, ok = call.LegByCallID(event.CallID)
	}
	r.registry.Unlock()
	if !ok {
		return fmt.Errorf("%w: hangup for unknown call %s", ErrRejected, event.CallID)
	}
	return r.hangup(ctx, call, leg)
}

// HandleBackendEvent relays an answer or hangup from the backend into
// the leg's room as the conference user. Events for legs the router no
// longer knows are logged and ignored.
func (r *Router) HandleBackendEvent(ctx context.Context, event backend.Event) error {
	switch event := event.(type) {
	case backend.Answer:
		return r.relayAnswer(ctx, event)
	case backend.Hangup:
		return r.relayHangup(ctx, event)
	default:
		return fmt.Errorf("gateway: unknown backend event type %T", event)
	}
}

func (r *Router) relayAnswer(ctx context.Context, event backend.Answer) error {
	r.registry.Lock()
	call, leg, ok := r.registry.FindByBackendCallID(event.BackendCallID)
	var owner ref.UserID
	var room ref.RoomID
	var callID string
	if ok {
		owner, room, callID = call.Owner, leg.RoomID, leg.CallID
	}
	r.registry.Unlock()
	if !ok {
		r.logger.Warn("answer for unknown backend call", "backend_call_id", event.BackendCallID)
		return nil
	}

	content := messaging.CallAnswerContent{
		CallID:  callID,
		Version: 0,
		Answer:  messaging.SessionDescription{Type: "answer", SDP: event.SDP},
	}
	if _, err := r.matrix.Intent(owner).SendEvent(ctx, room, messaging.EventTypeCallAnswer, content); err != nil {
		return fmt.Errorf("gateway: forwarding answer for %s: %w", callID, err)
	}
	r.logger.Info("answer forwarded", "call_id", callID, "room_id", room, "backend_call_id", event.BackendCallID)
	return nil
}

func (r *Router) relayHangup(ctx context.Context, event backend.Hangup) error {
	r.registry.Lock()
	call, leg, ok := r.registry.FindByBackendCallID(event.BackendCallID)
	var owner ref.UserID
	var room ref.RoomID
	var callID string
	if ok {
		owner, room, callID = call.Owner, leg.RoomID, leg.CallID
		r.registry.Remove(call, leg)
	}
	r.registry.Unlock()
	if !ok {
		r.logger.Warn("hangup for unknown backend call", "backend_call_id", event.BackendCallID, "cause", event.Cause)
		return nil
	}

	r.logger.Info("backend hung up leg", "call_id", callID, "room_id", room, "cause", event.Cause)
	content := messaging.CallHangupContent{CallID: callID, Version: 0}
	if _, err := r.matrix.Intent(owner).SendEvent(ctx, room, messaging.EventTypeCallHangup, content); err != nil {
		return fmt.Errorf("gateway: forwarding hangup for %s: %w", callID, err)
	}
	return nil
}

// IsRejected reports whether err is an input rejection.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package conference

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/callbridge/lib/clock"
	"github.com/bureau-foundation/callbridge/lib/ref"
)

// Session is a backend resource bound to one leg, such as a SIP
// dialog. It is closed when the leg is removed.
type Session interface {
	Close() error
}

// Leg is one Matrix user's participation in a conference: the call
// they placed from a bridge room, the SDP offer they sent, and the
// ICE candidates trickled for it.
//
// Candidates only grow. InviteSent moves from false to true once and
// never back; after that the offer is frozen and further candidates
// are recorded without effect.
type Leg struct {
	RoomID ref.RoomID
	UserID ref.UserID

	// CallID is the Matrix call_id.
	CallID string

	// BackendCallID identifies the leg to the telephony backend.
	BackendCallID string

	// Offer is the SDP to send. Replaced by the rewritten SDP when
	// the invite goes out.
	Offer string

	Candidates []webrtc.ICECandidateInit

	// PIN is a random four-digit code. Generated for every leg and
	// not used by any signaling path yet. Empty if the system random
	// source failed.
	PIN string

	// Session is set for session-oriented backends.
	Session Session

	inviteSent bool
	timer      *clock.Timer
	removed    bool
}

// NewLeg creates a leg with a fresh backend call ID and PIN.
func NewLeg(roomID ref.RoomID, userID ref.UserID, callID, offer string) *Leg {
	pin, err := newPIN(rand.Reader)
	if err != nil {
		slog.Default().Error("generating leg PIN failed", "call_id", callID, "user_id", userID, "error", err)
	}
	return &Leg{
		RoomID:        roomID,
		UserID:        userID,
		CallID:        callID,
		BackendCallID: uuid.NewString(),
		Offer:         offer,
		PIN:           pin,
	}
}

// AddCandidates appends candidates in arrival order.
func (l *Leg) AddCandidates(candidates ...webrtc.ICECandidateInit) {
	l.Candidates = append(l.Candidates, candidates...)
}

// InviteSent reports whether the invite has gone to the backend.
func (l *Leg) InviteSent() bool { return l.inviteSent }

// MarkInviteSent freezes the leg with its final SDP and cancels any
// pending force-invite timer.
func (l *Leg) MarkInviteSent(sdp string) {
	l.Offer = sdp
	l.inviteSent = true
	l.StopTimer()
}

// Removed reports whether the leg has left its call. Late timers and
// backend callbacks check this and do nothing.
func (l *Leg) Removed() bool { return l.removed }

// TimerPending reports whether a force-invite timer is scheduled.
func (l *Leg) TimerPending() bool { return l.timer != nil }

// SetTimer records the pending force-invite timer. At most one is
// pending; a previous one is stopped.
func (l *Leg) SetTimer(timer *clock.Timer) {
	l.StopTimer()
	l.timer = timer
}

// StopTimer cancels the pending force-invite timer, if any.
func (l *Leg) StopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// ClearTimer forgets a timer that has fired.
func (l *Leg) ClearTimer() { l.timer = nil }

// CloseSession closes and forgets the backend session. Later calls
// do nothing.
func (l *Leg) CloseSession() error {
	if l.Session == nil {
		return nil
	}
	session := l.Session
	l.Session = nil
	return session.Close()
}

func (l *Leg) detach() {
	l.StopTimer()
	l.removed = true
}

func newPIN(random io.Reader) (string, error) {
	number, err := rand.Int(random, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("conference: generating PIN: %w", err)
	}
	return fmt.Sprintf("%04d", number.Int64()), nil
}

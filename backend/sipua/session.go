// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sipua

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/bureau-foundation/callbridge/backend"
)

// session is the SIP side of one leg: the INVITE dialog and the
// answer it produced.
type session struct {
	client        *Client
	backendCallID string

	ctx    context.Context
	cancel context.CancelFunc

	// answer is resolved at most once.
	answer      chan string
	resolveOnce sync.Once

	mu     sync.Mutex
	invite *sip.Request
	ok     *sip.Response
}

func newSession(client *Client, backendCallID string) *session {
	ctx, cancel := context.WithCancel(client.ctx)
	return &session{
		client:        client,
		backendCallID: backendCallID,
		ctx:           ctx,
		cancel:        cancel,
		answer:        make(chan string, 1),
	}
}

// Close cancels any INVITE in flight and detaches the session from
// the client. It performs no network I/O; use SendBye first to end an
// established dialog.
func (s *session) Close() error {
	s.cancel()
	s.client.forgetSession(s)
	return nil
}

// resolve delivers the answer SDP. Reports false if the session was
// already resolved.
func (s *session) resolve(sdp string) bool {
	resolved := false
	s.resolveOnce.Do(func() {
		s.answer <- sdp
		resolved = true
	})
	return resolved
}

func (s *session) setDialog(invite *sip.Request, ok *sip.Response) {
	s.mu.Lock()
	s.invite, s.ok = invite, ok
	s.mu.Unlock()
}

// takeDialog returns the established dialog and forgets it, so a
// dialog is ended at most once.
func (s *session) takeDialog() (*sip.Request, *sip.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invite, s.ok
	s.invite, s.ok = nil, nil
	return invite, ok
}

// endDialog forgets the dialog if localTag is the tag the INVITE was
// sent with. Reports whether it did.
func (s *session) endDialog(localTag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invite == nil || s.invite.From() == nil || tag(s.invite.From().Params) != localTag {
		return false
	}
	s.invite, s.ok = nil, nil
	return true
}

// watch waits for the session's answer and routes it to the handler.
func (c *Client) watch(s *session) {
	defer c.wg.Done()
	select {
	case <-s.ctx.Done():
	case sdp := <-s.answer:
		c.logger.Info("sip call answered", "backend_call_id", s.backendCallID)
		c.report(backend.Answer{BackendCallID: s.backendCallID, SDP: sdp})
	}
}

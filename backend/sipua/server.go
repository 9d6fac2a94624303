// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sipua

import (
	"github.com/emiago/sipgo/sip"

	"github.com/bureau-foundation/callbridge/backend"
)

// CauseRemoteBye is the hangup cause reported when the switch ends a
// dialog with BYE.
const CauseRemoteBye = "BYE"

// listen serves in-dialog requests on the configured address until the
// client closes.
func (c *Client) listen() {
	defer c.wg.Done()
	c.logger.Info("sip listener starting", "address", c.listenAddr, "transport", c.transport)
	if err := c.serve(c.ctx); err != nil && c.ctx.Err() == nil {
		c.logger.Error("sip listener stopped", "address", c.listenAddr, "error", err)
	}
}

func (c *Client) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	status, reason := c.byeReceived(req)
	if err := tx.Respond(sip.NewResponseFromRequest(req, status, reason, nil)); err != nil {
		c.logger.Warn("answering sip bye failed", "error", err)
	}
}

// byeReceived ends the session whose dialog req belongs to and
// reports the hangup. Returns the status to answer with.
func (c *Client) byeReceived(req *sip.Request) (sip.StatusCode, string) {
	callID := req.CallID()
	if callID == nil {
		return sip.StatusBadRequest, "Missing Call-ID"
	}
	s, ok := c.session(callID.Value())
	if !ok || req.To() == nil || !s.endDialog(tag(req.To().Params)) {
		c.logger.Debug("sip bye for unknown dialog", "call_id", callID.Value())
		return sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist"
	}

	c.logger.Info("sip call ended by remote", "backend_call_id", s.backendCallID)
	s.cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return sip.StatusOK, "OK"
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.report(backend.Hangup{BackendCallID: s.backendCallID, Cause: CauseRemoteBye})
	}()
	return sip.StatusOK, "OK"
}

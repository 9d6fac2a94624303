// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sipua

import (
	"github.com/emiago/sipgo/sip"
)

// newDialogRequest builds a request inside the dialog established by
// invite and its 2xx answer: the remote target from the answer's
// Contact, From with the local tag, To with the remote tag and the
// invite's Call-ID. sipgo adds Via when the request is sent.
func newDialogRequest(method sip.RequestMethod, invite *sip.Request, answer *sip.Response, seqNo uint32) *sip.Request {
	target := invite.Recipient
	if contact := answer.Contact(); contact != nil {
		target = contact.Address
	}
	req := sip.NewRequest(method, *target.Clone())
	req.SipVersion = invite.SipVersion

	if routes := answer.GetHeaders("Record-Route"); len(routes) > 0 {
		for i := len(routes) - 1; i >= 0; i-- {
			req.AppendHeader(sip.NewHeader("Route", routes[i].Value()))
		}
	}
	if from := invite.From(); from != nil {
		req.AppendHeader(sip.HeaderClone(from))
	}
	if to := answer.To(); to != nil {
		req.AppendHeader(sip.HeaderClone(to))
	}
	if callID := invite.CallID(); callID != nil {
		req.AppendHeader(sip.HeaderClone(callID))
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seqNo, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	if contact := invite.Contact(); contact != nil {
		req.AppendHeader(sip.HeaderClone(contact))
	}
	req.SetTransport(invite.Transport())
	return req
}

// newAck acknowledges a 2xx answer. It carries the INVITE's sequence
// number.
func newAck(invite *sip.Request, answer *sip.Response) *sip.Request {
	return newDialogRequest(sip.ACK, invite, answer, invite.CSeq().SeqNo)
}

// newBye ends the dialog. It takes the sequence number after the
// INVITE's.
func newBye(invite *sip.Request, answer *sip.Response) *sip.Request {
	return newDialogRequest(sip.BYE, invite, answer, invite.CSeq().SeqNo+1)
}

// tag returns the tag parameter of a From or To header.
func tag(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	value, _ := params.Get("tag")
	return value
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sipua

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SIPClient is the part of *sipgo.Client the agent uses.
type SIPClient interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
	Close() error
}

// requester sends requests and reports their final response. Requests
// are sent as built: sipgo only fills in missing headers (Via for a
// request that has none) and never renumbers CSeq.
type requester interface {
	// Do sends req in a client transaction and returns the first
	// non-provisional response.
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)

	// Write sends req outside any transaction (ACK).
	Write(req *sip.Request) error

	Close() error
}

// transactionRequester runs requests over a SIPClient.
type transactionRequester struct {
	client SIPClient
	agent  *sipgo.UserAgent
}

func (r *transactionRequester) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	// Without options TransactionRequest bumps an existing CSeq.
	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction ended without final response")
		case res := <-tx.Responses():
			if res.StatusCode/100 == 1 {
				continue
			}
			return res, nil
		}
	}
}

func (r *transactionRequester) Write(req *sip.Request) error {
	return r.client.WriteRequest(req, sipgo.ClientRequestBuild)
}

func (r *transactionRequester) Close() error {
	err := r.client.Close()
	if r.agent != nil {
		if agentErr := r.agent.Close(); agentErr != nil && err == nil {
			err = fmt.Errorf("closing user agent: %w", agentErr)
		}
	}
	return err
}

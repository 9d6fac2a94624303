// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/callbridge/lib/clock"
	"github.com/bureau-foundation/callbridge/lib/ref"
)

// DefaultReplayWindow is how long candidates for a call ID with no
// leg are held for replay.
const DefaultReplayWindow = 30 * time.Second

// maxQueuedCalls bounds the number of call IDs with held candidates.
const maxQueuedCalls = 1024

// candidateQueue holds candidates that arrived before their call's
// invite. Entries older than the window are dropped.
type candidateQueue struct {
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	entries map[string][]queuedBatch
}

type queuedBatch struct {
	sender     ref.UserID
	arrived    time.Time
	candidates []webrtc.ICECandidateInit
}

func newCandidateQueue(window time.Duration, clk clock.Clock) *candidateQueue {
	return &candidateQueue{
		window:  window,
		clock:   clk,
		entries: make(map[string][]queuedBatch),
	}
}

// add holds candidates for callID. Reports false when the queue is
// full of unexpired entries.
func (q *candidateQueue) add(callID string, sender ref.UserID, candidates []webrtc.ICECandidateInit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if _, exists := q.entries[callID]; !exists && len(q.entries) >= maxQueuedCalls {
		q.expireLocked(now)
		if len(q.entries) >= maxQueuedCalls {
			return false
		}
	}
	q.entries[callID] = append(q.entries[callID], queuedBatch{
		sender:     sender,
		arrived:    now,
		candidates: candidates,
	})
	return true
}

// take removes and returns the unexpired candidates held for callID
// from sender, in arrival order, and the number dropped as expired or
// sent by someone else.
func (q *candidateQueue) take(callID string, sender ref.UserID) ([]webrtc.ICECandidateInit, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches := q.entries[callID]
	delete(q.entries, callID)

	now := q.clock.Now()
	var candidates []webrtc.ICECandidateInit
	dropped := 0
	for _, batch := range batches {
		if batch.sender != sender || now.Sub(batch.arrived) > q.window {
			dropped += len(batch.candidates)
			continue
		}
		candidates = append(candidates, batch.candidates...)
	}
	return candidates, dropped
}

// expire drops every batch older than the window and returns how many
// candidates were dropped.
func (q *candidateQueue) expire() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expireLocked(q.clock.Now())
}

func (q *candidateQueue) expireLocked(now time.Time) int {
	dropped := 0
	for callID, batches := range q.entries {
		kept := batches[:0]
		for _, batch := range batches {
			if now.Sub(batch.arrived) > q.window {
				dropped += len(batch.candidates)
				continue
			}
			kept = append(kept, batch)
		}
		if len(kept) == 0 {
			delete(q.entries, callID)
		} else {
			q.entries[callID] = kept
		}
	}
	return dropped
}

// len returns the number of call IDs with held candidates.
func (q *candidateQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

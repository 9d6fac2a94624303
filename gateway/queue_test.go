// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/callbridge/lib/clock"
	"github.com/bureau-foundation/callbridge/lib/ref"
)

func lines(candidates []webrtc.ICECandidateInit) []string {
	result := make([]string, len(candidates))
	for i, candidate := range candidates {
		result[i] = candidate.Candidate
	}
	return result
}

func TestCandidateQueueReplaysInOrder(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	queue := newCandidateQueue(30*time.Second, clk)
	alice := ref.MustParseUserID("@alice:x")

	queue.add("call-1", alice, []webrtc.ICECandidateInit{{Candidate: "a"}, {Candidate: "b"}})
	clk.Advance(10 * time.Second)
	queue.add("call-1", alice, []webrtc.ICECandidateInit{{Candidate: "c"}})

	candidates, dropped := queue.take("call-1", alice)
	if got := fmt.Sprint(lines(candidates)); got != "[a b c]" {
		t.Errorf("take = %s, want [a b c]", got)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if again, _ := queue.take("call-1", alice); len(again) != 0 {
		t.Errorf("second take = %v, want nothing", again)
	}
}

func TestCandidateQueueDropsExpiredAndForeign(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	queue := newCandidateQueue(30*time.Second, clk)
	alice := ref.MustParseUserID("@alice:x")
	mallory := ref.MustParseUserID("@mallory:x")

	queue.add("call-1", alice, []webrtc.ICECandidateInit{{Candidate: "old"}})
	clk.Advance(31 * time.Second)
	queue.add("call-1", alice, []webrtc.ICECandidateInit{{Candidate: "new"}})
	queue.add("call-1", mallory, []webrtc.ICECandidateInit{{Candidate: "forged"}})

	candidates, dropped := queue.take("call-1", alice)
	if got := fmt.Sprint(lines(candidates)); got != "[new]" {
		t.Errorf("take = %s, want [new]", got)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestCandidateQueueExpire(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	queue := newCandidateQueue(30*time.Second, clk)
	alice := ref.MustParseUserID("@alice:x")

	queue.add("call-1", alice, []webrtc.ICECandidateInit{{Candidate: "a"}, {Candidate: "b"}})
	clk.Advance(20 * time.Second)
	queue.add("call-2", alice, []webrtc.ICECandidateInit{{Candidate: "c"}})
	clk.Advance(15 * time.Second)

	if dropped := queue.expire(); dropped != 2 {
		t.Errorf("expire dropped %d, want 2", dropped)
	}
	if queue.len() != 1 {
		t.Errorf("len = %d, want 1", queue.len())
	}
}

func TestCandidateQueueBounded(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	queue := newCandidateQueue(30*time.Second, clk)
	alice := ref.MustParseUserID("@alice:x")

	for i := 0; i < maxQueuedCalls; i++ {
		if !queue.add(fmt.Sprintf("call-%d", i), alice, nil) {
			t.Fatalf("add %d refused below the bound", i)
		}
	}
	if queue.add("overflow", alice, nil) {
		t.Fatal("add accepted past the bound")
	}
	// Existing call IDs may still grow.
	if !queue.add("call-0", alice, nil) {
		t.Fatal("add refused for a queued call ID")
	}

	clk.Advance(31 * time.Second)
	if !queue.add("overflow", alice, nil) {
		t.Fatal("add refused after every entry expired")
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package detrickle turns a trickled-ICE call into a single SDP offer.
//
// Matrix clients send an offer and then trickle ICE candidates in
// separate events. The telephony backend wants one invite carrying
// every candidate. Check decides whether the candidates gathered so
// far are good enough to send, and Rewrite produces the SDP with the
// candidates folded into their media sections.
//
// Candidates are matched to media sections by sdpMLineIndex when it
// is present and by sdpMid otherwise. Candidates that match no
// section are dropped.
package detrickle

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package detrickle

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// SectionStats summarizes the candidates of one media section.
type SectionStats struct {
	Host      bool
	Reflexive bool

	// Components maps a candidate foundation to the OR of the
	// component IDs of its candidates. 1 is RTP only; 3 is RTP with
	// RTCP, or a single component 3.
	Components map[string]uint
}

// ready applies the strict rule to one section.
func (s SectionStats) ready() bool {
	if !s.Host || !s.Reflexive {
		return false
	}
	for _, mask := range s.Components {
		if mask != 1 && mask != 3 {
			return false
		}
	}
	return true
}

// Report is the outcome of Check.
type Report struct {
	Ready     bool
	Sections  []SectionStats
	Discarded int
}

// Reconciler evaluates candidate sets against offers.
type Reconciler struct {
	Policy Policy
	Logger *slog.Logger
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Check reports whether candidates make offer ready to send under the
// reconciler's policy.
func (r *Reconciler) Check(offer string, candidates []webrtc.ICECandidateInit) (Report, error) {
	layout, err := ParseOffer(offer)
	if err != nil {
		return Report{}, err
	}

	report := Report{Sections: make([]SectionStats, layout.Sections())}
	for index := range report.Sections {
		report.Sections[index].Components = make(map[string]uint)
	}

	for _, candidate := range candidates {
		if strings.TrimSpace(candidate.Candidate) == "" {
			continue
		}
		section, ok := layout.Resolve(candidate)
		if !ok {
			report.Discarded++
			r.logger().Warn("discarding candidate with no matching media section",
				"candidate", candidate.Candidate,
				"sdp_mid", stringOrEmpty(candidate.SDPMid),
				"sections", layout.Sections(),
			)
			continue
		}
		fields, ok := parseCandidate(candidate.Candidate)
		if !ok {
			kind := candidateType(candidate.Candidate)
			if kind == "" {
				report.Discarded++
				r.logger().Warn("discarding unparseable candidate", "candidate", candidate.Candidate)
				continue
			}
			r.logger().Debug("candidate counted by type only", "candidate", candidate.Candidate, "type", kind)
			fields = candidateFields{kind: kind}
		}

		stats := &report.Sections[section]
		switch fields.kind {
		case "host":
			stats.Host = true
		case "srflx", "relay":
			stats.Reflexive = true
		}
		if fields.component >= 1 {
			stats.Components[fields.foundation] |= fields.component
		}
	}

	switch r.Policy {
	case AnyReflexive:
		for _, stats := range report.Sections {
			if stats.Reflexive {
				report.Ready = true
				break
			}
		}
	default:
		report.Ready = true
		for _, stats := range report.Sections {
			if !stats.ready() {
				report.Ready = false
				break
			}
		}
	}
	return report, nil
}

type candidateFields struct {
	foundation string
	component  uint
	kind       string
}

// parseCandidate reads the foundation, component and type of an
// "a=candidate" value. pion/ice handles the standard grammar; lines it
// refuses (unresolvable hostnames, unknown extensions) fall back to a
// positional read of the same fields.
func parseCandidate(raw string) (candidateFields, bool) {
	value := strings.TrimPrefix(strings.TrimSpace(raw), "a=")
	if parsed, err := ice.UnmarshalCandidate(strings.TrimPrefix(value, "candidate:")); err == nil {
		return candidateFields{
			foundation: parsed.Foundation(),
			component:  uint(parsed.Component()),
			kind:       parsed.Type().String(),
		}, true
	}

	fields := strings.Fields(strings.TrimPrefix(value, "candidate:"))
	if len(fields) < 8 {
		return candidateFields{}, false
	}
	component, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return candidateFields{}, false
	}
	result := candidateFields{foundation: fields[0], component: uint(component)}
	for index := 6; index+1 < len(fields); index++ {
		if fields[index] == "typ" {
			result.kind = fields[index+1]
			return result, true
		}
	}
	return candidateFields{}, false
}

// candidateType finds the "typ" token of a candidate line that
// parseCandidate rejected. Returns "" unless the type is host, srflx or
// relay.
func candidateType(raw string) string {
	fields := strings.Fields(raw)
	for index := 0; index+1 < len(fields); index++ {
		if fields[index] != "typ" {
			continue
		}
		switch kind := fields[index+1]; kind {
		case "host", "srflx", "relay":
			return kind
		}
		return ""
	}
	return ""
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package detrickle

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// PlaceholderAddress replaces the unspecified connection address
// 0.0.0.0 that trickling clients put in their offers.
const PlaceholderAddress = "10.10.10.10"

// Rewrite returns offer with candidates folded in. Each resolved
// candidate becomes an "a=candidate" line placed before the first
// attribute of its media section, in arrival order; a section with no
// attributes gets them at its end. Nothing is added at session level.
// Connection lines for 0.0.0.0 are pointed at PlaceholderAddress.
// The result uses CRLF line endings.
func Rewrite(offer string, layout *Layout, candidates []webrtc.ICECandidateInit) string {
	perSection := make([][]string, layout.Sections())
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate.Candidate) == "" {
			continue
		}
		section, ok := layout.Resolve(candidate)
		if !ok {
			continue
		}
		perSection[section] = append(perSection[section], candidateLine(candidate.Candidate))
	}

	lines := splitLines(offer)
	output := make([]string, 0, len(lines)+len(candidates))
	section := -1
	inserted := false

	flush := func() {
		if section >= 0 && section < len(perSection) && !inserted {
			output = append(output, perSection[section]...)
		}
		inserted = true
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "m="):
			flush()
			section++
			inserted = false
		case strings.HasPrefix(line, "a=") && section >= 0 && !inserted:
			if section < len(perSection) {
				output = append(output, perSection[section]...)
			}
			inserted = true
		case strings.HasPrefix(line, "c="):
			line = rewriteConnection(line)
		}
		output = append(output, line)
	}
	flush()

	return strings.Join(output, "\r\n") + "\r\n"
}

// splitLines splits on LF, strips CR, and drops the empty tail left by
// a trailing line break.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for index, line := range lines {
		lines[index] = strings.TrimSuffix(line, "\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func candidateLine(candidate string) string {
	value := strings.TrimPrefix(strings.TrimSpace(candidate), "a=")
	if !strings.HasPrefix(value, "candidate:") {
		value = "candidate:" + value
	}
	return "a=" + value
}

// rewriteConnection replaces an unspecified IPv4 address in a
// "c=IN IP4 <address>" line.
func rewriteConnection(line string) string {
	fields := strings.Fields(strings.TrimPrefix(line, "c="))
	if len(fields) != 3 || fields[1] != "IP4" {
		return line
	}
	address, ttl, hasTTL := strings.Cut(fields[2], "/")
	if address != "0.0.0.0" {
		return line
	}
	address = PlaceholderAddress
	if hasTTL {
		address += "/" + ttl
	}
	return "c=" + fields[0] + " " + fields[1] + " " + address
}

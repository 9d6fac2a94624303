// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package detrickle

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// ErrMalformedOffer is wrapped by ParseOffer failures.
var ErrMalformedOffer = errors.New("detrickle: malformed offer")

// Layout is the media-section structure of an offer.
type Layout struct {
	sections int
	mids     map[string]int
}

// ParseOffer parses offer and records its media sections. Offers
// that do not parse or carry no media section are rejected.
func ParseOffer(offer string) (*Layout, error) {
	var description sdp.SessionDescription
	if err := description.Unmarshal([]byte(offer)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOffer, err)
	}
	if len(description.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: no media sections", ErrMalformedOffer)
	}

	layout := &Layout{
		sections: len(description.MediaDescriptions),
		mids:     make(map[string]int),
	}
	for index, media := range description.MediaDescriptions {
		if mid, ok := media.Attribute("mid"); ok && mid != "" {
			if _, seen := layout.mids[mid]; !seen {
				layout.mids[mid] = index
			}
		}
	}
	return layout, nil
}

// Sections returns the number of media sections.
func (l *Layout) Sections() int { return l.sections }

// Resolve returns the media section candidate belongs to. An explicit
// sdpMLineIndex wins over sdpMid. Reports false when the candidate
// names neither, or names a section the offer does not have.
func (l *Layout) Resolve(candidate webrtc.ICECandidateInit) (int, bool) {
	if candidate.SDPMLineIndex != nil {
		index := int(*candidate.SDPMLineIndex)
		return index, index < l.sections
	}
	if candidate.SDPMid != nil {
		index, ok := l.mids[*candidate.SDPMid]
		return index, ok
	}
	return 0, false
}

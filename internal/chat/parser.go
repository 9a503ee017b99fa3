// Package chat holds the conversation log, the token stream parser that
// separates reasoning from visible output, and the completion session that
// drives one request/response cycle against a loaded engine.
package chat

import (
	"regexp"
	"strings"
)

// Reasoning span delimiters as emitted by the engine.
const (
	openMarker  = "<think>"
	closeMarker = "</think>"
)

// markerPairRE strips fully resolved marker pairs out of accumulated text.
var markerPairRE = regexp.MustCompile(`(?s)` + openMarker + `.*?` + closeMarker)

type parseMode int

const (
	modeNormal parseMode = iota
	modeReasoning
)

// StreamParser consumes arbitrarily chunked token fragments and splits them
// into a visible stream and a reasoning stream. A marker split across
// fragments is held in a carry buffer until the next fragment resolves it.
// Only one reasoning span is tracked per turn; the last fully closed span
// wins.
type StreamParser struct {
	mode      parseMode
	carry     string
	visible   strings.Builder
	reasoning strings.Builder
	published string
}

// NewStreamParser returns a parser in normal (visible) mode.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes one fragment. Empty fragments are no-ops.
func (p *StreamParser) Feed(fragment string) {
	if fragment == "" {
		return
	}
	combined := p.carry + fragment
	p.carry = ""

	for {
		if p.mode == modeNormal {
			idx := strings.Index(combined, openMarker)
			if idx < 0 {
				break
			}
			p.visible.WriteString(combined[:idx])
			combined = combined[idx+len(openMarker):]
			p.mode = modeReasoning
			continue
		}
		idx := strings.Index(combined, closeMarker)
		if idx < 0 {
			break
		}
		p.reasoning.WriteString(combined[:idx])
		p.published = strings.TrimSpace(p.reasoning.String())
		p.reasoning.Reset()
		combined = combined[idx+len(closeMarker):]
		p.mode = modeNormal
	}

	// Hold back a suffix that could be the start of the marker we are
	// waiting for, so the next fragment can complete it.
	marker := openMarker
	if p.mode == modeReasoning {
		marker = closeMarker
	}
	keep := partialMarkerSuffix(combined, marker)
	emit := combined[:len(combined)-keep]
	p.carry = combined[len(combined)-keep:]

	if p.mode == modeReasoning {
		p.reasoning.WriteString(emit)
	} else {
		p.visible.WriteString(emit)
	}
}

// partialMarkerSuffix returns the length of the longest suffix of s that is
// a proper prefix of marker.
func partialMarkerSuffix(s, marker string) int {
	max := len(marker) - 1
	if len(s) < max {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if s[len(s)-l:] == marker[:l] {
			return l
		}
	}
	return 0
}

// Visible returns the user-facing text accumulated so far. Any marker pair
// that slipped through fully formed is stripped here as well; publish order
// and delimiter resolution are not guaranteed to align token-by-token.
func (p *StreamParser) Visible() string {
	return markerPairRE.ReplaceAllString(p.visible.String(), "")
}

// Reasoning returns the last fully closed reasoning span, trimmed of
// surrounding whitespace. Empty until a span closes.
func (p *StreamParser) Reasoning() string {
	return p.published
}

// Finalize flushes end-of-stream leftovers. Text trapped behind an opening
// marker that never closed is returned to the visible stream rather than
// dropped; a dangling partial marker is emitted verbatim.
func (p *StreamParser) Finalize() {
	if p.mode == modeReasoning {
		p.visible.WriteString(p.reasoning.String())
		p.visible.WriteString(p.carry)
		p.reasoning.Reset()
	} else {
		p.visible.WriteString(p.carry)
	}
	p.carry = ""
	p.mode = modeNormal
}

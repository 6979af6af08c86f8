// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package vmix

import (
	"regexp"
	"strconv"
	"strings"
)

// snapshot is the tolerant, regex-extracted view of one /api poll, before
// normalisation into a devicestate transport snapshot.
type snapshot struct {
	recording        bool
	streaming        bool
	durationMs       int64
	activeInputTitle string
	activeInputState string
	hasActiveInput   bool
}

var (
	rootRe       = regexp.MustCompile(`(?is)<vmix\b`)
	recordingRe  = regexp.MustCompile(`(?is)<recording>\s*(true|false)\s*</recording>`)
	streamingRe  = regexp.MustCompile(`(?is)<streaming>\s*(true|false)\s*</streaming>`)
	durationRe   = regexp.MustCompile(`(?is)<duration>\s*(\d+)\s*</duration>`)
	inputTagRe   = regexp.MustCompile(`(?is)<input\b([^>]*)/?>`)
	inputTitleRe = regexp.MustCompile(`(?is)title="([^"]*)"`)
	inputStateRe = regexp.MustCompile(`(?is)state="([^"]*)"`)
)

// parseAPIResponse tolerantly regex-scans a vMix /api XML document. It
// never requires well-formed XML: vMix's own output is close enough to
// XML that a handful of targeted patterns extract everything the
// normalisation step needs.
func parseAPIResponse(body []byte) (snapshot, error) {
	if len(body) == 0 {
		return snapshot{}, ErrEmptyBody
	}
	if !rootRe.Match(body) {
		return snapshot{}, ErrNotVMixDocument
	}

	var s snapshot

	if m := recordingRe.FindSubmatch(body); m != nil {
		s.recording = strings.EqualFold(string(m[1]), "true")
	}
	if m := streamingRe.FindSubmatch(body); m != nil {
		s.streaming = strings.EqualFold(string(m[1]), "true")
	}
	if m := durationRe.FindSubmatch(body); m != nil {
		if n, err := strconv.ParseInt(string(m[1]), 10, 64); err == nil {
			s.durationMs = n
		}
	}

	for _, tag := range inputTagRe.FindAllSubmatch(body, -1) {
		attrs := tag[1]
		sm := inputStateRe.FindSubmatch(attrs)
		if sm == nil {
			continue
		}
		state := string(sm[1])
		if !strings.EqualFold(state, "running") && !strings.EqualFold(state, "paused") {
			continue
		}
		s.hasActiveInput = true
		s.activeInputState = normalizeInputState(state)
		if tm := inputTitleRe.FindSubmatch(attrs); tm != nil {
			s.activeInputTitle = string(tm[1])
		}
		break
	}

	return s, nil
}

func normalizeInputState(raw string) string {
	switch {
	case strings.EqualFold(raw, "running"):
		return "Running"
	case strings.EqualFold(raw, "paused"):
		return "Paused"
	default:
		return raw
	}
}

// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package hyperdeck

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/superdash/aggregator/internal/devicestate"
)

// block is one parsed HyperDeck response: either a single-line ack (no
// fields) or a multi-line "key: value" block terminated by a blank line.
type block struct {
	code   int
	name   string
	fields map[string]string
}

var codeLineRe = regexp.MustCompile(`^(\d{3}) (.*)$`)

// parser is a tiny line-at-a-time state machine for the HyperDeck text
// protocol: responses begin with a three-digit code, a trailing colon on
// the first line opens a "key: value" block that a blank line closes.
type parser struct {
	active  bool
	current block
}

// feed processes one line (already stripped of CR/LF by the scanner) and
// reports a completed block, if this line closed one.
func (p *parser) feed(line string) (block, bool) {
	if p.active {
		if line == "" {
			b := p.current
			p.active = false
			p.current = block{}
			return b, true
		}
		if key, val, ok := splitField(line); ok {
			p.current.fields[key] = val
		}
		return block{}, false
	}

	m := codeLineRe.FindStringSubmatch(line)
	if m == nil {
		return block{}, false
	}
	code, _ := strconv.Atoi(m[1])
	name := m[2]

	if strings.HasSuffix(name, ":") {
		p.active = true
		p.current = block{code: code, name: strings.TrimSuffix(name, ":"), fields: map[string]string{}}
		return block{}, false
	}

	return block{code: code, name: name, fields: map[string]string{}}, true
}

// splitField parses a "key: value" line into a lowercased, underscored key
// and a trimmed value.
func splitField(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(line[:idx]))
	key = strings.ReplaceAll(key, " ", "_")
	val := strings.TrimSpace(line[idx+1:])
	return key, val, true
}

var (
	timecodeSeparatedRe = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}[:;]\d{2}$`)
	timecodeBareRe      = regexp.MustCompile(`^\d{8}$`)
)

// normalizeTimecode accepts HH:MM:SS:FF, HH:MM:SS;FF (semicolon normalised
// to colon), or bare 8-digit HHMMSSFF, returning the canonical
// HH:MM:SS:FF form. ok is false for anything else, in which case the raw
// string is passed through unchanged by the caller.
func normalizeTimecode(raw string) (tc string, ok bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case timecodeSeparatedRe.MatchString(raw):
		return raw[:8] + ":" + raw[9:], true
	case timecodeBareRe.MatchString(raw):
		return raw[0:2] + ":" + raw[2:4] + ":" + raw[4:6] + ":" + raw[6:8], true
	default:
		return raw, false
	}
}

// normalizeStatus maps a HyperDeck transport status string to a
// devicestate.TransportState: everything other than play/playing and
// record/recording collapses to stop.
func normalizeStatus(raw string) devicestate.TransportState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "play", "playing":
		return devicestate.StatePlay
	case "record", "recording":
		return devicestate.StateRec
	default:
		return devicestate.StateStop
	}
}

// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package hyperdeck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/superdash/aggregator/internal/devicestate"
)

func TestParser_SingleLineAck(t *testing.T) {
	p := &parser{}
	b, ok := p.feed("200 ok")
	assert.True(t, ok)
	assert.Equal(t, 200, b.code)
	assert.Equal(t, "ok", b.name)
	assert.Empty(t, b.fields)
}

func TestParser_TransportInfoBlock(t *testing.T) {
	p := &parser{}
	lines := []string{
		"208 transport info:",
		"status: play",
		"display timecode: 01:23:45:12",
		"active slot: 1",
		"",
	}
	var got block
	var closed bool
	for _, l := range lines {
		if b, ok := p.feed(l); ok {
			got, closed = b, true
		}
	}
	assert.True(t, closed)
	assert.Equal(t, 208, got.code)
	assert.Equal(t, "transport info", got.name)
	assert.Equal(t, "play", got.fields["status"])
	assert.Equal(t, "01:23:45:12", got.fields["display_timecode"])
	assert.Equal(t, "1", got.fields["active_slot"])
}

func TestParser_SlotInfoBlock(t *testing.T) {
	p := &parser{}
	lines := []string{
		"202 slot info:",
		"slot id: 1",
		"clip name: clip.mov",
		"",
	}
	var got block
	for _, l := range lines {
		if b, ok := p.feed(l); ok {
			got = b
		}
	}
	assert.Equal(t, "clip.mov", got.fields["clip_name"])
}

func TestParser_IgnoresUnmatchedLines(t *testing.T) {
	p := &parser{}
	_, ok := p.feed("not a response line")
	assert.False(t, ok)
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, devicestate.StatePlay, normalizeStatus("play"))
	assert.Equal(t, devicestate.StatePlay, normalizeStatus("Playing"))
	assert.Equal(t, devicestate.StateRec, normalizeStatus("record"))
	assert.Equal(t, devicestate.StateRec, normalizeStatus("Recording"))
	assert.Equal(t, devicestate.StateStop, normalizeStatus("stopped"))
	assert.Equal(t, devicestate.StateStop, normalizeStatus("preview"))
	assert.Equal(t, devicestate.StateStop, normalizeStatus("shuttle forward"))
	assert.Equal(t, devicestate.StateStop, normalizeStatus("jog"))
	assert.Equal(t, devicestate.StateStop, normalizeStatus("unknown-status"))
}

func TestNormalizeTimecode(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"01:23:45:12", "01:23:45:12", true},
		{"01:23:45;12", "01:23:45:12", true},
		{"01234512", "01:23:45:12", true},
		{"garbage", "garbage", false},
	}
	for _, tc := range cases {
		got, ok := normalizeTimecode(tc.in)
		assert.Equal(t, tc.wantOK, ok, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package casparcg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/superdash/aggregator/internal/devicestate"
)

// A bundle setting file/path, file/frame and paused=0 on the matching
// channel/layer should emit exactly one play event with the timecode
// derived from the frame counter.
func TestClient_BundleEmitsPlayEvent(t *testing.T) {
	events := make(chan devicestate.Event, 8)
	c := New(7, "10.0.0.5", 50, Options{Channel: 1, Layer: 10}, events)

	msgs := []Message{
		{Address: "/channel/1/stage/layer/10/file/path", Args: []any{"clips/show.mov"}},
		{Address: "/channel/1/stage/layer/10/file/frame", Args: []any{int32(250)}},
		{Address: "/channel/1/stage/layer/10/paused", Args: []any{float32(0)}},
	}
	for _, m := range msgs {
		c.handleMessage(m)
	}
	c.flush()

	var connectedEv, stateEv *devicestate.Event
	drain(t, events, &connectedEv, &stateEv)

	require.NotNil(t, connectedEv)
	require.True(t, *connectedEv.Update.Connected)

	require.NotNil(t, stateEv)
	require.Equal(t, devicestate.StatePlay, *stateEv.Update.State)
	require.Equal(t, "00:00:05:00", *stateEv.Update.Timecode)
	require.Equal(t, "show.mov", *stateEv.Update.Filename)
}

func TestClient_IgnoresOtherChannelLayer(t *testing.T) {
	events := make(chan devicestate.Event, 8)
	c := New(1, "10.0.0.5", 50, Options{Channel: 1, Layer: 10}, events)

	c.handleMessage(Message{Address: "/channel/2/stage/layer/5/file/path", Args: []any{"x.mov"}})
	c.flush()

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for unmatched channel/layer: %+v", ev)
	default:
	}
}

func TestClient_EmitsOnlyOnChange(t *testing.T) {
	events := make(chan devicestate.Event, 8)
	c := New(1, "10.0.0.5", 25, Options{Channel: 1, Layer: 10}, events)

	c.handleMessage(Message{Address: "/channel/1/stage/layer/10/file/path", Args: []any{"a.mov"}})
	c.flush() // connected + first state event

	<-events // connected
	<-events // state

	c.flush() // no change: nothing new queued
	select {
	case ev := <-events:
		t.Fatalf("unexpected duplicate emission: %+v", ev)
	default:
	}
}

func TestClient_StaleTimeoutDisconnects(t *testing.T) {
	events := make(chan devicestate.Event, 8)
	c := New(1, "10.0.0.5", 25, Options{Channel: 1, Layer: 10, StaleTimeout: 50 * time.Millisecond}, events)

	c.handleMessage(Message{Address: "/channel/1/stage/layer/10/paused", Args: []any{float32(0)}})
	<-events // connected=true

	go c.staleLoop(context.Background())

	select {
	case ev := <-events:
		// flush() was never called, so no state event is queued: the next
		// event must be the stale disconnect.
		if ev.Update.Connected == nil || *ev.Update.Connected {
			t.Fatalf("expected a disconnect event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stale disconnect")
	}
}

func drain(t *testing.T, events chan devicestate.Event, connected, state **devicestate.Event) {
	t.Helper()
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			evCopy := ev
			if ev.Update.Connected != nil {
				*connected = &evCopy
			} else {
				*state = &evCopy
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

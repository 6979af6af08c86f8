// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package hyperdeck

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/superdash/aggregator/internal/devicestate"
)

// fakeDeck is a minimal HyperDeck stand-in: it accepts one connection,
// optionally plays a scripted response block once the client's
// post-connect commands arrive, and otherwise just echoes nothing.
type fakeDeck struct {
	ln   net.Listener
	addr string
	port int
}

func newFakeDeck(t *testing.T) *fakeDeck {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &fakeDeck{ln: ln, addr: ln.Addr().String(), port: port}
}

func (f *fakeDeck) acceptOnce(t *testing.T, respond func(conn net.Conn)) {
	t.Helper()
	go func() {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		respond(conn)
	}()
}

func TestClient_TransportInfoThenSlotInfo_EmitsOneEvent(t *testing.T) {
	deck := newFakeDeck(t)
	defer deck.ln.Close()

	deck.acceptOnce(t, func(conn net.Conn) {
		defer conn.Close()
		reader := bufio.NewReader(conn)
		// Drain the post-connect handshake commands, one line each.
		for i := 0; i < 3; i++ {
			_, _ = reader.ReadString('\n')
		}
		resp := "208 transport info:\r\n" +
			"status: play\r\n" +
			"display timecode: 01:23:45:12\r\n" +
			"active slot: 1\r\n" +
			"\r\n"
		_, _ = conn.Write([]byte(resp))

		// The client should ask for slot info after seeing active slot 1.
		_, _ = reader.ReadString('\n')
		resp2 := "202 slot info:\r\n" +
			"slot id: 1\r\n" +
			"clip name: clip.mov\r\n" +
			"\r\n"
		_, _ = conn.Write([]byte(resp2))

		time.Sleep(200 * time.Millisecond)
	})

	events := make(chan devicestate.Event, 16)
	host, portStr, _ := net.SplitHostPort(deck.addr)
	port, _ := strconv.Atoi(portStr)
	c := New(1, host, port, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	var sawConnected, sawFinalState bool
	deadline := time.After(3 * time.Second)
	for !sawConnected || !sawFinalState {
		select {
		case ev := <-events:
			if ev.Update.Connected != nil && *ev.Update.Connected {
				sawConnected = true
			}
			if ev.Update.Connected == nil && ev.Update.State != nil {
				// The only state event must already carry the slot-info clip name.
				require.Equal(t, devicestate.StatePlay, *ev.Update.State)
				require.NotNil(t, ev.Update.Filename)
				require.Equal(t, "clip.mov", *ev.Update.Filename)
				sawFinalState = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for expected events")
		}
	}
}

func TestClient_DisconnectEmitsOffline(t *testing.T) {
	deck := newFakeDeck(t)
	defer deck.ln.Close()

	deck.acceptOnce(t, func(conn net.Conn) {
		reader := bufio.NewReader(conn)
		_, _ = reader.ReadString('\n')
		conn.Close()
	})

	events := make(chan devicestate.Event, 16)
	host, portStr, _ := net.SplitHostPort(deck.addr)
	port, _ := strconv.Atoi(portStr)
	c := New(2, host, port, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	var sawOffline bool
	deadline := time.After(3 * time.Second)
	for !sawOffline {
		select {
		case ev := <-events:
			if ev.Update.Connected != nil && !*ev.Update.Connected {
				sawOffline = true
				require.NotNil(t, ev.Update.State)
				require.Equal(t, devicestate.StateOffline, *ev.Update.State)
			}
		case <-deadline:
			t.Fatal("timed out waiting for offline event")
		}
	}
}

func TestNextBackoff_DoublesAndCaps(t *testing.T) {
	d := initialBackoff
	seq := []time.Duration{d}
	for i := 0; i < 6; i++ {
		d = nextBackoff(d)
		seq = append(seq, d)
	}
	require.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, seq)
}

func TestClient_Stop_IsIdempotentAndSuppressesReconnect(t *testing.T) {
	deck := newFakeDeck(t)
	defer deck.ln.Close()

	deck.acceptOnce(t, func(conn net.Conn) {
		defer conn.Close()
		reader := bufio.NewReader(conn)
		_, _ = reader.ReadString('\n')
		time.Sleep(200 * time.Millisecond)
	})

	events := make(chan devicestate.Event, 16)
	host, portStr, _ := net.SplitHostPort(deck.addr)
	port, _ := strconv.Atoi(portStr)
	c := New(3, host, port, events)

	ctx := context.Background()
	c.Start(ctx)

	// Drain connected event so the run loop has entered the session.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Update.Connected != nil && *ev.Update.Connected {
				goto drained
			}
		case <-deadline:
			t.Fatal("client never connected")
		}
	}
drained:
	c.Stop()
	c.Stop() // must not panic or block a second time
}

func TestFakeDeckAddrParses(t *testing.T) {
	deck := newFakeDeck(t)
	defer deck.ln.Close()
	require.True(t, strings.Contains(deck.addr, ":"))
	require.Greater(t, deck.port, 0)
}

// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package hyperdeck implements a persistent client for Blackmagic HyperDeck
// decks' line-oriented TCP control protocol: it maintains transport status,
// active slot, and current clip, reconnecting with exponential backoff
// whenever the connection drops.
package hyperdeck

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/superdash/aggregator/internal/devicestate"
	"github.com/superdash/aggregator/internal/log"
	"github.com/superdash/aggregator/internal/metrics"
)

const (
	connectTimeout = 5 * time.Second
	settleDelay    = 100 * time.Millisecond
	pollInterval   = 2 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// clock abstracts time for deterministic backoff tests, matching the
// split used by internal/resilience.
type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) bool
	NewTicker(d time.Duration) *time.Ticker
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (realClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// snapshot is the client's composite view of the device, compared against
// the last emitted snapshot to decide whether to emit.
type snapshot struct {
	state    devicestate.TransportState
	timecode string
	filename string
}

// Client maintains one persistent TCP connection to a HyperDeck.
type Client struct {
	deviceID int
	addr     string
	events   chan<- devicestate.Event
	logger   zerolog.Logger
	clock    clock

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	intentional bool
	cancel      context.CancelFunc
	intentMu    sync.Mutex

	mu         sync.Mutex
	conn       net.Conn
	activeSlot int
	current    snapshot
	lastEmit   snapshot
	emitted    bool
}

// New builds a HyperDeck client for one device. events is the shared
// aggregation-domain channel every protocol client posts to.
func New(deviceID int, host string, port int, events chan<- devicestate.Event) *Client {
	return &Client{
		deviceID: deviceID,
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		events:   events,
		logger:   log.WithComponent("hyperdeck").With().Int(log.FieldDeviceID, deviceID).Logger(),
		clock:    realClock{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the connect/reconnect loop until ctx is cancelled or Stop is
// called. It returns immediately; the loop runs in its own goroutine.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.intentMu.Lock()
	c.cancel = cancel
	c.intentMu.Unlock()
	go c.run(ctx)
}

// Stop requests an intentional disconnect, which suppresses reconnect and
// interrupts any pending backoff sleep, and blocks until the run loop has
// exited.
func (c *Client) Stop() {
	c.intentMu.Lock()
	c.intentional = true
	cancel := c.cancel
	c.intentMu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-c.doneCh
}

func (c *Client) isIntentional() bool {
	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	return c.intentional
}

func (c *Client) run(ctx context.Context) {
	defer close(c.doneCh)

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		metrics.ReconnectAttemptsTotal.WithLabelValues("hyperdeck", strconv.Itoa(c.deviceID)).Inc()
		conn, err := net.DialTimeout("tcp", c.addr, connectTimeout)
		if err != nil {
			c.logger.Warn().Err(err).Str("addr", c.addr).Msg("hyperdeck connect failed")
			if !c.clock.Sleep(ctx, backoff) || c.isIntentional() {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.emitConnected(true)
		sessionErr := c.session(ctx, conn)
		c.emitConnected(false)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if c.isIntentional() {
			return
		}
		if sessionErr != nil {
			c.logger.Warn().Err(sessionErr).Msg("hyperdeck session ended")
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		if !c.clock.Sleep(ctx, backoff) || c.isIntentional() {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// session runs one connected lifetime: the post-connect handshake, the
// 2-second polling safety net, and line-by-line response handling. It
// returns when the connection closes or the client is asked to stop.
func (c *Client) session(ctx context.Context, conn net.Conn) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
		} else {
			readErr <- errClosed
		}
	}()

	settle := time.NewTimer(settleDelay)
	defer settle.Stop()
	poll := c.clock.NewTicker(pollInterval)
	defer poll.Stop()

	p := &parser{}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if b, ok := p.feed(line); ok {
				c.handleBlock(b)
			}
		case <-settle.C:
			c.sendPostConnectSequence()
		case <-poll.C:
			c.sendPoll()
		}
	}
}

func (c *Client) sendPostConnectSequence() {
	c.send("notify: transport: true")
	c.send("notify: slot: true")
	c.send("transport info")
}

func (c *Client) sendPoll() {
	c.send("transport info")
	c.mu.Lock()
	slot := c.activeSlot
	c.mu.Unlock()
	if slot > 0 {
		c.send(fmt.Sprintf("slot info: slot id: %d", slot))
	}
}

func (c *Client) send(cmd string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.logger.Debug().Err(err).Str("cmd", cmd).Msg("hyperdeck write failed")
	}
}

func (c *Client) handleBlock(b block) {
	name := strings.ToLower(b.name)
	switch {
	case strings.Contains(name, "transport info"):
		c.applyTransportInfo(b.fields)
	case strings.Contains(name, "slot info"):
		c.applySlotInfo(b.fields)
	default:
		if b.code >= 100 {
			c.logger.Debug().Int("code", b.code).Str("name", b.name).Msg("ignored hyperdeck response")
		}
	}
}

func (c *Client) applyTransportInfo(fields map[string]string) {
	c.mu.Lock()

	if status, ok := fields["status"]; ok {
		c.current.state = normalizeStatus(status)
	}

	tcRaw, ok := fields["display_timecode"]
	if !ok {
		tcRaw, ok = fields["timecode"]
	}
	if ok {
		if tc, valid := normalizeTimecode(tcRaw); valid {
			c.current.timecode = tc
		} else {
			c.logger.Warn().Str("timecode", tcRaw).Msg("unrecognised hyperdeck timecode format")
			metrics.ProtocolErrorsTotal.WithLabelValues("hyperdeck", "timecode_format").Inc()
			c.current.timecode = tcRaw
		}
	}

	var requestSlot int
	if slotRaw, ok := fields["active_slot"]; ok {
		if slot, err := strconv.Atoi(slotRaw); err == nil && slot != c.activeSlot {
			c.activeSlot = slot
			requestSlot = slot
		}
	}

	// A changed active slot triggers a slot-info request; the composite is
	// emitted once that reply has filled in the clip name.
	var snap snapshot
	var shouldEmit bool
	if requestSlot == 0 {
		snap, shouldEmit = c.prepareEmitLocked()
	}
	c.mu.Unlock()

	if requestSlot > 0 {
		c.send(fmt.Sprintf("slot info: slot id: %d", requestSlot))
	}
	if shouldEmit {
		c.emit(snap)
	}
}

func (c *Client) applySlotInfo(fields map[string]string) {
	c.mu.Lock()
	if clip, ok := fields["clip_name"]; ok {
		c.current.filename = clip
	}
	snap, shouldEmit := c.prepareEmitLocked()
	c.mu.Unlock()

	if shouldEmit {
		c.emit(snap)
	}
}

// prepareEmitLocked reports whether the composite snapshot changed since
// the last emission and, if so, records it as emitted and returns it.
// Caller must hold c.mu; the actual channel send happens outside the lock
// so a slow consumer cannot block callers of Stop.
func (c *Client) prepareEmitLocked() (snapshot, bool) {
	if c.emitted && c.current == c.lastEmit {
		return snapshot{}, false
	}
	c.lastEmit = c.current
	c.emitted = true
	return c.current, true
}

func (c *Client) emit(snap snapshot) {
	c.post(devicestate.Update{
		State:    devicestate.StatePtr(snap.state),
		Timecode: devicestate.StringPtr(snap.timecode),
		Filename: devicestate.StringPtr(snap.filename),
	})
}

// post sends an event to the aggregation domain without ever blocking a
// Stop against a full channel.
func (c *Client) post(upd devicestate.Update) {
	ev := devicestate.Event{DeviceID: c.deviceID, Update: upd}
	select {
	case c.events <- ev:
		return
	case <-c.stopCh:
	}
	// One last non-blocking attempt so the final offline event of an
	// orderly shutdown still reaches a live aggregator.
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Client) emitConnected(connected bool) {
	c.mu.Lock()
	if !connected {
		c.activeSlot = 0
		c.current = snapshot{}
		c.lastEmit = snapshot{}
		c.emitted = false
	}
	c.mu.Unlock()

	upd := devicestate.Update{Connected: devicestate.BoolPtr(connected)}
	if !connected {
		upd.State = devicestate.StatePtr(devicestate.StateOffline)
	}
	c.post(upd)
}

// errClosed marks a session loop exit caused by the peer closing the
// connection (scanner reached EOF without an underlying error).
var errClosed = errors.New("hyperdeck: connection closed")

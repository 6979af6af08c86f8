// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package casparcg implements the receive side of CasparCG's OSC state
// push: a process-wide shared UDP listener demultiplexes incoming bundles
// by source address, and one Client per configured device tracks its
// channel/layer's file, frame and pause state, emitting normalised
// transport events on change.
package casparcg

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/superdash/aggregator/internal/devicestate"
	"github.com/superdash/aggregator/internal/log"
	"github.com/superdash/aggregator/internal/timecode"
)

const (
	defaultChannel    = 1
	defaultLayer      = 10
	defaultStaleDelay = 5 * time.Second
	staleCheckPeriod  = 1 * time.Second
)

// composite is the normalised triple compared against the last emission
// to decide whether to emit.
type composite struct {
	state    devicestate.TransportState
	timecode string
	filename string
}

// Client tracks one CasparCG channel/layer's transport state from the
// OSC messages routed to it by a SharedListener.
type Client struct {
	deviceID     int
	ip           string
	channel      int
	layer        int
	prefix       string
	framerate    float64
	staleTimeout time.Duration
	events       chan<- devicestate.Event
	logger       zerolog.Logger

	mu             sync.Mutex
	filePath       string
	foregroundFile string
	timeSeconds    float64
	frame          int64
	fps            float64
	paused         bool

	connected     bool
	lastMessageAt time.Time
	lastEmit      composite
	emitted       bool

	listener *SharedListener
	legacy   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Options configures optional, defaulted fields of a Client.
type Options struct {
	Channel      int
	Layer        int
	StaleTimeout time.Duration
	Legacy       bool
}

// New builds a CasparCG client for one device. It does not start
// listening for messages until Start is called with the shared listener
// for the configured UDP port.
func New(deviceID int, ip string, framerate float64, opts Options, events chan<- devicestate.Event) *Client {
	channel := opts.Channel
	if channel == 0 {
		channel = defaultChannel
	}
	layer := opts.Layer
	if layer == 0 {
		layer = defaultLayer
	}
	staleTimeout := opts.StaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = defaultStaleDelay
	}

	return &Client{
		deviceID:     deviceID,
		ip:           ip,
		channel:      channel,
		layer:        layer,
		prefix:       fmt.Sprintf("/channel/%d/stage/layer/%d/", channel, layer),
		framerate:    framerate,
		staleTimeout: staleTimeout,
		events:       events,
		legacy:       opts.Legacy,
		logger: log.WithComponent("casparcg").With().
			Int(log.FieldDeviceID, deviceID).Int("channel", channel).Int("layer", layer).Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start registers the client with the shared listener for its configured
// port and starts the 1 Hz stale checker.
func (c *Client) Start(ctx context.Context, listener *SharedListener) {
	c.listener = listener
	if c.legacy {
		listener.RegisterLegacy(c.ip, c)
	} else {
		listener.Register(c.ip, c.channel, c.layer, c)
	}
	go c.staleLoop(ctx)
}

// Stop unregisters the client and stops the stale checker.
func (c *Client) Stop() {
	close(c.stopCh)
	if c.listener != nil {
		c.listener.Unregister(c)
	}
	<-c.doneCh
}

func (c *Client) staleLoop(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(staleCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkStale()
		}
	}
}

func (c *Client) checkStale() {
	c.mu.Lock()
	stale := c.connected && time.Since(c.lastMessageAt) >= c.staleTimeout
	if stale {
		c.connected = false
	}
	c.mu.Unlock()

	if stale {
		c.logger.Info().Msg("casparcg client went stale")
		c.emitConnected(false)
	}
}

// handleMessage applies one decoded OSC message to the client's cached
// state, if its address matches this client's channel/layer prefix.
func (c *Client) handleMessage(msg Message) {
	if !strings.HasPrefix(msg.Address, c.prefix) {
		return
	}
	suffix := msg.Address[len(c.prefix):]

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	c.lastMessageAt = time.Now()

	switch suffix {
	case "file/path":
		if s, ok := argString(msg.Args); ok {
			c.filePath = s
		}
	case "file/time":
		if v, ok := argFloat(msg.Args); ok {
			c.timeSeconds = v
		}
	case "file/frame":
		if v, ok := argFloat(msg.Args); ok {
			c.frame = int64(v)
		}
	case "file/fps":
		if v, ok := argFloat(msg.Args); ok && v > 0 && v < 120 {
			c.fps = v
		}
	case "paused":
		if v, ok := argFloat(msg.Args); ok {
			c.paused = v == 1
		}
	case "foreground/file/name":
		if s, ok := argString(msg.Args); ok {
			c.foregroundFile = s
		}
	}
	c.mu.Unlock()

	if !wasConnected {
		c.emitConnected(true)
	}
}

// flush recomputes the normalised triple and emits it if it changed.
// Called once per datagram after every contained message has been
// applied, so a multi-message bundle produces at most one event.
func (c *Client) flush() {
	c.mu.Lock()
	if !c.connected {
		// No message has matched this client's channel/layer yet, so there
		// is no transport state to report.
		c.mu.Unlock()
		return
	}
	comp, changed := c.prepareEmitLocked()
	c.mu.Unlock()

	if changed {
		c.emit(comp)
	}
}

func (c *Client) prepareEmitLocked() (composite, bool) {
	hasFile := c.filePath != "" || c.foregroundFile != ""

	var comp composite
	switch {
	case hasFile && !c.paused:
		comp.state = devicestate.StatePlay
	default:
		comp.state = devicestate.StateStop
	}

	source := c.filePath
	if source == "" {
		source = c.foregroundFile
	}
	comp.filename = devicestate.Basename(source)

	fps := c.fps
	if fps <= 0 {
		fps = c.framerate
	}
	frame := c.frame
	if frame == 0 && c.timeSeconds > 0 {
		frame = int64(math.Floor(c.timeSeconds * fps))
	}
	comp.timecode = timecode.FramesToTimecode(frame, fps)

	if c.emitted && comp == c.lastEmit {
		return composite{}, false
	}
	c.lastEmit = comp
	c.emitted = true
	return comp, true
}

func (c *Client) emit(comp composite) {
	c.post(devicestate.Update{
		State:    devicestate.StatePtr(comp.state),
		Timecode: devicestate.StringPtr(comp.timecode),
		Filename: devicestate.StringPtr(comp.filename),
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
	upd := devicestate.Update{Connected: devicestate.BoolPtr(connected)}
	if !connected {
		upd.State = devicestate.StatePtr(devicestate.StateOffline)

		c.mu.Lock()
		c.filePath = ""
		c.foregroundFile = ""
		c.timeSeconds = 0
		c.frame = 0
		c.paused = false
		c.emitted = false
		c.lastEmit = composite{}
		c.mu.Unlock()
	}
	c.post(upd)
}

// argString extracts the first argument as a string, unwrapping any
// {type, value} metadata wrapper first.
func argString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := unwrapArg(args[0]).(string)
	return s, ok
}

// argFloat extracts the first argument as a float64, accepting either the
// int32 or float32 OSC argument types.
func argFloat(args []any) (float64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	switch v := unwrapArg(args[0]).(type) {
	case float32:
		return float64(v), true
	case int32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

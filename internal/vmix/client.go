// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package vmix implements a polling client for vMix's HTTP/XML status
// API: it converts the tolerant, regex-extracted snapshot into normalised
// transport state on a drift-free schedule, following a three-consecutive
// -failure disconnect rule.
package vmix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/superdash/aggregator/internal/devicestate"
	"github.com/superdash/aggregator/internal/log"
	"github.com/superdash/aggregator/internal/metrics"
	"github.com/superdash/aggregator/internal/resilience"
	"github.com/superdash/aggregator/internal/timecode"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	requestTimeout      = 2 * time.Second
	failureThreshold    = 3
)

// clock abstracts monotonic time for the drift-free poll scheduler and for
// deterministic tests, matching the split used by internal/hyperdeck and
// internal/resilience.
type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// composite is the normalised triple re-emitted on transient failure to
// avoid UI jitter. vMix, unlike HyperDeck and CasparCG, re-emits
// unconditionally on every successful poll.
type composite struct {
	state    devicestate.TransportState
	timecode string
	filename string
}

// Client polls one vMix instance's /api endpoint on a fixed, drift-free
// schedule.
type Client struct {
	deviceID     int
	url          string
	framerate    float64
	pollInterval time.Duration
	events       chan<- devicestate.Event
	logger       zerolog.Logger
	clock        clock
	httpClient   *http.Client

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	// cb runs in pure consecutive-failure mode: three
	// RecordTechnicalFailure calls since the last success trip it open,
	// and every success re-arms the threshold via Reset.
	cb                  *resilience.CircuitBreaker
	consecutiveFailures int
	connected           bool
	lastGood            composite
}

// New builds a vMix client for one device. events is the shared
// aggregation-domain channel every protocol client posts to.
func New(deviceID int, host string, port int, framerate float64, events chan<- devicestate.Event) *Client {
	return &Client{
		deviceID:     deviceID,
		url:          fmt.Sprintf("http://%s:%d/api", host, port),
		framerate:    framerate,
		pollInterval: defaultPollInterval,
		events:       events,
		logger:       log.WithComponent("vmix").With().Int(log.FieldDeviceID, deviceID).Logger(),
		clock:        realClock{},
		httpClient:   &http.Client{Timeout: requestTimeout},
		cb:           resilience.NewCircuitBreaker(fmt.Sprintf("vmix-%d", deviceID), failureThreshold, 1, time.Hour, time.Hour),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the drift-free poll loop until ctx is cancelled or Stop is
// called. It returns immediately; the loop runs in its own goroutine.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop requests the poll loop to exit and blocks until it has.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// run implements the drift-free schedule: the next poll fires at
// ceil(elapsed/T)*T - elapsed from an immutable start reference,
// so the average interval is exactly T regardless of jitter or poll
// duration.
func (c *Client) run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.emitConnected(false)

	start := c.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.poll(ctx)

		elapsed := c.clock.Now().Sub(start)
		next := nextDeadline(elapsed, c.pollInterval)
		if !c.clock.Sleep(ctx, next) {
			return
		}
		select {
		case <-c.stopCh:
			return
		default:
		}
	}
}

// nextDeadline computes ceil(elapsed/T)*T - elapsed, the delay until the
// next drift-free tick; when elapsed falls exactly on a tick it returns a
// full period T instead of zero.
func nextDeadline(elapsed, period time.Duration) time.Duration {
	if period <= 0 {
		return 0
	}
	n := elapsed / period
	if elapsed%period != 0 {
		n++
	}
	deadline := n * period
	d := deadline - elapsed
	if d <= 0 {
		return period
	}
	return d
}

func (c *Client) poll(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	snap, err := c.fetch(reqCtx)
	if err != nil {
		c.onFailure(err)
		return
	}
	c.onSuccess(snap)
}

func (c *Client) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return snapshot{}, fmt.Errorf("vmix: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return snapshot{}, fmt.Errorf("vmix: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return snapshot{}, fmt.Errorf("vmix: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return snapshot{}, fmt.Errorf("vmix: read body: %w", err)
	}

	return parseAPIResponse(body)
}

func (c *Client) onFailure(err error) {
	wasOpen := c.cb.GetState() == resilience.StateOpen
	c.cb.RecordAttempt()
	c.cb.RecordTechnicalFailure()

	c.consecutiveFailures++
	c.logger.Debug().Err(err).Int("consecutive_failures", c.consecutiveFailures).Msg("vmix poll failed")

	if errors.Is(err, ErrEmptyBody) || errors.Is(err, ErrNotVMixDocument) {
		metrics.ProtocolErrorsTotal.WithLabelValues("vmix", "parse").Inc()
	}

	if nowOpen := c.cb.GetState() == resilience.StateOpen; nowOpen && !wasOpen {
		c.emitConnected(false)
		return
	}

	// Transient failure below threshold: re-emit the last good state so
	// the UI does not jitter.
	if c.connected {
		c.emit(c.lastGood)
	}
}

func (c *Client) onSuccess(snap snapshot) {
	c.consecutiveFailures = 0
	c.cb.Reset()

	comp := normalize(snap, c.framerate)
	c.lastGood = comp

	if !c.connected {
		c.connected = true
		c.events <- devicestate.Event{
			DeviceID: c.deviceID,
			Update:   devicestate.Update{Connected: devicestate.BoolPtr(true)},
		}
	}
	c.emit(comp)
}

func (c *Client) emit(comp composite) {
	c.post(devicestate.Update{
		State:    devicestate.StatePtr(comp.state),
		Timecode: devicestate.StringPtr(comp.timecode),
		Filename: devicestate.StringPtr(comp.filename),
	})
}

func (c *Client) emitConnected(connected bool) {
	c.connected = connected
	upd := devicestate.Update{Connected: devicestate.BoolPtr(connected)}
	if !connected {
		upd.State = devicestate.StatePtr(devicestate.StateOffline)
	}
	c.post(upd)
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

// normalize applies the normalisation priority: recording beats
// running beats paused beats the stopped default.
func normalize(s snapshot, framerate float64) composite {
	var comp composite
	comp.timecode = timecodeFor(s, framerate)

	switch {
	case s.recording:
		comp.state = devicestate.StateRec
		comp.filename = s.activeInputTitle
		if comp.filename == "" {
			comp.filename = "Recording"
		}
	case s.hasActiveInput && s.activeInputState == "Running":
		comp.state = devicestate.StatePlay
		comp.filename = s.activeInputTitle
	case s.hasActiveInput && s.activeInputState == "Paused":
		comp.state = devicestate.StateStop
		comp.filename = s.activeInputTitle
	default:
		comp.state = devicestate.StateStop
		comp.filename = ""
	}

	return comp
}

// timecodeFor converts the polled duration (milliseconds) into a
// non-drop timecode string at the device's configured framerate.
func timecodeFor(s snapshot, framerate float64) string {
	return timecode.MillisecondsToTimecode(s.durationMs, framerate)
}

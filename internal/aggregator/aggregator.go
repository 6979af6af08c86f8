// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package aggregator owns the normalised device state store and the
// fan-out to dashboard WebSocket clients, the Ember+ provider and the
// TSL UMD sender. It is the single serialisation domain every
// protocol client's events pass through.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/superdash/aggregator/internal/casparcg"
	"github.com/superdash/aggregator/internal/config"
	"github.com/superdash/aggregator/internal/devicestate"
	"github.com/superdash/aggregator/internal/emberplus"
	"github.com/superdash/aggregator/internal/hyperdeck"
	"github.com/superdash/aggregator/internal/log"
	"github.com/superdash/aggregator/internal/metrics"
	"github.com/superdash/aggregator/internal/tslumd"
	"github.com/superdash/aggregator/internal/vmix"
)

// protocolClient is the lifecycle interface every protocol client
// implements: started once per device, stopped exactly once, protocol
// clients first during shutdown.
type protocolClient interface {
	Start(ctx context.Context)
	Stop()
}

// casparClient additionally needs the shared listener at Start time; it
// does not satisfy protocolClient directly since its Start signature
// differs.
type casparClient struct {
	client   *casparcg.Client
	listener *casparcg.SharedListener
}

func (c *casparClient) Start(ctx context.Context) { c.client.Start(ctx, c.listener) }
func (c *casparClient) Stop()                     { c.client.Stop() }

// Aggregator is the aggregation engine: it owns the device state store, every
// protocol client, the Ember+ provider, the TSL UMD sender and the
// dashboard WebSocket fan-out.
type Aggregator struct {
	cfg    config.AppConfig
	logger zerolog.Logger

	store *store
	hub   *wsHub
	ember *emberplus.Provider
	tsl   *tslumd.Sender

	events          chan devicestate.Event
	clients         []protocolClient
	casparListeners map[int]*casparcg.SharedListener

	httpServer *http.Server
	wsAddr     string

	startTime time.Time

	stopCh        chan struct{}
	stopOnce      sync.Once
	loopDone      chan struct{}
	broadcastDone chan struct{}

	mu      sync.Mutex
	running bool
}

// NewAggregator builds an Aggregator for the given configuration. Nothing is
// started until Start is called.
func NewAggregator(cfg config.AppConfig) *Aggregator {
	destinations := make([]tslumd.Destination, 0, len(cfg.Settings.TSLUmdDestinations))
	for _, d := range cfg.Settings.TSLUmdDestinations {
		destinations = append(destinations, tslumd.Destination{Host: d.Host, Port: d.Port})
	}

	return &Aggregator{
		cfg:             cfg,
		logger:          log.WithComponent("aggregator"),
		store:           newStore(toDeviceStateConfigs(cfg.Devices)),
		hub:             newWSHub(),
		ember:           emberplus.New(cfg.Settings.EmberPlusPort),
		tsl:             tslumd.New(cfg.Settings.TSLUmdScreen, destinations),
		events:          make(chan devicestate.Event, 256),
		casparListeners: make(map[int]*casparcg.SharedListener),
		startTime:       time.Now(),
		stopCh:          make(chan struct{}),
	}
}

func toDeviceStateConfigs(devices []config.Device) []devicestate.Config {
	out := make([]devicestate.Config, 0, len(devices))
	for _, d := range devices {
		out = append(out, devicestate.Config{
			ID:        d.ID,
			Name:      d.Name,
			Type:      devicestate.DeviceType(d.Type),
			IP:        d.IP,
			Port:      d.Port,
			Framerate: d.Framerate,
		})
	}
	return out
}

// monotonicNow returns a monotonic, NTP-step-immune timestamp in
// milliseconds since Aggregator construction.
func (s *Aggregator) monotonicNow() int64 {
	return time.Since(s.startTime).Milliseconds()
}

// Start builds every protocol client, opens the Ember+ and TSL UMD
// outputs, begins the WebSocket server and the drift-free broadcast
// loop. It returns once every output has attempted to bind; a bind
// failure on Ember+ or TSL is logged and that output stays disabled,
// it is not fatal to the rest of the system.
func (s *Aggregator) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.ember.Start(toDeviceStateConfigs(s.cfg.Devices)); err != nil {
		s.logger.Warn().Err(err).Msg("emberplus provider failed to start; disabling emberplus output")
	}
	s.ember.UpdateDeviceCount(len(s.cfg.Devices))

	if err := s.tsl.Start(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("tsl umd sender failed to start; disabling tsl output")
	}

	s.buildClients()
	for _, c := range s.clients {
		c.Start(ctx)
	}

	s.loopDone = make(chan struct{})
	go s.eventLoop(ctx)

	s.broadcastDone = make(chan struct{})
	go s.broadcastLoop(ctx)

	if err := s.startHTTP(); err != nil {
		return fmt.Errorf("aggregator: start websocket server: %w", err)
	}

	s.logger.Info().Int("devices", len(s.cfg.Devices)).Msg("aggregator started")
	return nil
}

// buildClients constructs one protocol client per configured device,
// registering CasparCG clients with a shared UDP listener keyed by port
// so multiple CasparCG servers can share one listening socket.
func (s *Aggregator) buildClients() {
	for _, d := range s.cfg.Devices {
		switch d.Type {
		case config.DeviceHyperDeck:
			s.clients = append(s.clients, hyperdeck.New(d.ID, d.IP, d.Port, s.events))
		case config.DeviceVMix:
			s.clients = append(s.clients, vmix.New(d.ID, d.IP, d.Port, d.Framerate, s.events))
		case config.DeviceCasparCG:
			listener, ok := s.casparListeners[d.Port]
			if !ok {
				listener = casparcg.NewSharedListener(d.Port)
				s.casparListeners[d.Port] = listener
			}
			client := casparcg.New(d.ID, d.IP, d.Framerate, casparcg.Options{Channel: d.Channel, Layer: d.Layer}, s.events)
			s.clients = append(s.clients, &casparClient{client: client, listener: listener})
		}
	}
}

// eventLoop is the aggregation domain: every protocol client
// event is applied to the store, then immediately fanned out to the
// Ember+ updater and the TSL sender, before the next event is processed.
// This ordering is what makes Ember+/TSL side effects visible to the
// following broadcast tick.
func (s *Aggregator) eventLoop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev := <-s.events:
			s.applyEvent(ev)
		}
	}
}

func (s *Aggregator) applyEvent(ev devicestate.Event) {
	d, ok := s.store.apply(ev)
	if !ok {
		return
	}

	// Fan out the merged store state, not the raw event: the store may
	// have reconciled fields the event left unset (the offline invariant,
	// the initial-connected promotion), and every output must agree with
	// the snapshot the WebSocket broadcast serialises. Ember+ diffs
	// against its own cache, so unchanged fields cost no pushes.
	s.ember.UpdateDevice(d.ID, devicestate.Update{
		State:     devicestate.StatePtr(d.State),
		Timecode:  devicestate.StringPtr(d.Timecode),
		Filename:  devicestate.StringPtr(d.Filename),
		Connected: devicestate.BoolPtr(d.Connected),
	})
	s.tsl.UpdateDevice(d.ID, d.Name, d.State)
	metrics.SetDeviceConnected(strconv.Itoa(d.ID), d.Name, string(d.Type), d.Connected)
}

// broadcastLoop runs the drift-free periodic WebSocket broadcast: the
// next tick fires at ceil(elapsed/T)*T from an immutable
// start reference, so the average period is exactly T regardless of
// jitter or broadcast duration.
func (s *Aggregator) broadcastLoop(ctx context.Context) {
	defer close(s.broadcastDone)

	interval := time.Duration(s.cfg.Settings.UpdateIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	start := time.Now()

	timer := time.NewTimer(nextDeadline(time.Since(start), interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
			s.broadcastOnce()
			timer.Reset(nextDeadline(time.Since(start), interval))
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

func (s *Aggregator) broadcastOnce() {
	data, err := s.buildSnapshotMessage()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to serialise broadcast snapshot")
		return
	}
	s.hub.broadcast(data)
	metrics.WebSocketBroadcastsTotal.Inc()
}

// startHTTP mounts the WebSocket upgrade route and begins listening on
// the configured port. A bind failure here is returned to the caller:
// unlike Ember+/TSL, the WebSocket server is the dashboard's only
// interface and its absence is fatal to the process.
func (s *Aggregator) startHTTP() error {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.Settings.WebSocketPort)))
	if err != nil {
		return err
	}
	s.wsAddr = ln.Addr().String()

	s.httpServer = &http.Server{Handler: r}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("websocket http server exited unexpectedly")
		}
	}()
	return nil
}

// Shutdown stops every protocol client, then the Ember+ and TSL outputs,
// then the WebSocket server, so nothing mutates state while the outputs
// drain. It is safe to call even if Start partially failed.
func (s *Aggregator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	for _, c := range s.clients {
		c.Stop()
	}

	s.ember.Stop()
	s.tsl.Stop()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.hub.closeAll()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.loopDone != nil {
		<-s.loopDone
	}
	if s.broadcastDone != nil {
		<-s.broadcastDone
	}

	s.logger.Info().Msg("aggregator stopped")
	return err
}

// Snapshot returns the current device state, safe for the `/health`
// collaborator or any other read-only consumer outside the aggregation
// domain.
func (s *Aggregator) Snapshot() []devicestate.State {
	return s.store.snapshot()
}

// DeviceCount returns the number of configured devices.
func (s *Aggregator) DeviceCount() int {
	return s.store.deviceCount()
}

// FleetStatus reports the total device count and how many currently
// report connected==true, for health.NewDeviceFleetChecker.
func (s *Aggregator) FleetStatus() (total, connected int) {
	snap := s.store.snapshot()
	total = len(snap)
	for _, d := range snap {
		if d.Connected {
			connected++
		}
	}
	return total, connected
}

// Addr returns the WebSocket server's bound address, useful for tests
// and for logging the effective port when configured as 0 (OS-assigned).
func (s *Aggregator) Addr() string {
	return s.wsAddr
}

// PostEvent feeds a device event directly into the aggregation domain.
// Exposed for tests; protocol clients use the events channel passed at
// construction.
func (s *Aggregator) PostEvent(ev devicestate.Event) {
	s.events <- ev
}

// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package emberplus

import (
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/superdash/aggregator/internal/devicestate"
	"github.com/superdash/aggregator/internal/log"
	"github.com/superdash/aggregator/internal/metrics"
)

// Provider is the aggregator-facing handle on the Ember+ output: build
// the tree once, then push per-device updates as the aggregation
// domain observes them.
type Provider struct {
	port   int
	logger zerolog.Logger

	mu      sync.Mutex
	tree    *tree
	srv     *server
	started bool
}

// New builds a Provider bound to port. Nothing is opened until Start.
func New(port int) *Provider {
	return &Provider{
		port:   port,
		logger: log.WithComponent("emberplus"),
	}
}

// Start builds the static tree for devices and opens the TCP server.
// Idempotent: calling it again while already running is a no-op, even
// if the device list differs (the tree shape is fixed at first start).
func (p *Provider) Start(devices []devicestate.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	p.tree = newTree(devices)
	p.srv = newServer(p.port)
	if err := p.srv.start(p.tree); err != nil {
		return err
	}
	p.started = true
	p.logger.Info().Int("port", p.port).Int("devices", len(devices)).Msg("emberplus: provider started")
	return nil
}

// UpdateDevice diffs upd against the cached parameter values for id and
// pushes one notification per changed parameter. Unknown ids and calls
// before Start are no-ops.
func (p *Provider) UpdateDevice(id int, upd devicestate.Update) {
	p.mu.Lock()
	t, srv, started := p.tree, p.srv, p.started
	p.mu.Unlock()
	if !started {
		return
	}

	for _, change := range t.applyUpdate(id, upd) {
		srv.broadcast(encodeFrame(frameGlow, encodeParamUpdate(change)))
		metrics.EmberPlusPushesTotal.WithLabelValues(strconv.Itoa(id)).Inc()
	}
}

// UpdateDeviceCount updates the Info.DeviceCount parameter and pushes a
// notification if the value changed.
func (p *Provider) UpdateDeviceCount(n int) {
	p.mu.Lock()
	t, srv, started := p.tree, p.srv, p.started
	p.mu.Unlock()
	if !started {
		return
	}

	if change, changed := t.setDeviceCount(n); changed {
		srv.broadcast(encodeFrame(frameGlow, encodeParamUpdate(change)))
	}
}

// IsRunning reports whether the provider's TCP server is open.
func (p *Provider) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stop closes the server and every connected session. Idempotent.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	srv := p.srv
	p.started = false
	p.mu.Unlock()

	srv.stop()
}

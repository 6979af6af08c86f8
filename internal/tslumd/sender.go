// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package tslumd

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/superdash/aggregator/internal/devicestate"
	"github.com/superdash/aggregator/internal/log"
	"github.com/superdash/aggregator/internal/metrics"
)

const defaultRefreshInterval = 200 * time.Millisecond

// enableBroadcast sets SO_BROADCAST on the sender's socket so destinations
// may be broadcast addresses.
func enableBroadcast(conn *net.UDPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := rc.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// Destination is one configured UDP endpoint the sender refreshes.
type Destination struct {
	Host string
	Port int
}

func (d Destination) String() string {
	return net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port))
}

// deviceSnapshot is the sender's per-device view needed to build a
// packet: id/screen identity plus the last known name and state.
type deviceSnapshot struct {
	id    int
	name  string
	state devicestate.TransportState
}

// Sender builds and sends TSL UMD v5.0 packets to a configured set of UDP
// destinations: immediately on a device's name/state change, and on a
// round-robin background refresh that repairs lost datagrams within one
// cycle per device.
type Sender struct {
	screen          uint16
	destinations    []Destination
	refreshInterval time.Duration
	logger          zerolog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	devices map[int]deviceSnapshot
	order   []int // round-robin cursor order, rebuilt whenever devices changes

	running  bool
	cursor   int
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Sender for the configured screen index and destination
// list. Call Start to open its UDP socket.
func New(screen int, destinations []Destination) *Sender {
	return &Sender{
		screen:          uint16(screen),
		destinations:    destinations,
		refreshInterval: defaultRefreshInterval,
		logger:          log.WithComponent("tslumd"),
		devices:         make(map[int]deviceSnapshot),
	}
}

// Start opens the sender's UDP socket and begins the round-robin refresh
// loop. It is a no-op if no destinations are configured, and idempotent:
// calling it twice has no additional effect.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if len(s.destinations) == 0 {
		s.mu.Unlock()
		return nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("tslumd: open socket: %w", err)
	}
	if err := enableBroadcast(conn); err != nil {
		_ = conn.Close()
		s.mu.Unlock()
		return fmt.Errorf("tslumd: enable broadcast: %w", err)
	}

	// The "running" flag must only flip true after the socket has opened
	// and broadcast has been enabled; a failure above leaves the sender
	// stopped and the refresh loop never starts.
	s.conn = conn
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.refreshLoop(ctx)
	return nil
}

// IsRunning reports whether the sender's UDP socket is open and the
// refresh loop is active.
func (s *Sender) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// DestinationCount returns the number of configured UDP destinations.
func (s *Sender) DestinationCount() int {
	return len(s.destinations)
}

// Stop closes the socket and stops the refresh loop. Idempotent.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn := s.conn
	s.conn = nil
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(stopCh) })
	if conn != nil {
		_ = conn.Close()
	}
	<-doneCh
}

// UpdateDevice records a device's current name/state and, if either
// changed since the last call, sends one packet to every destination
// immediately.
func (s *Sender) UpdateDevice(id int, name string, state devicestate.TransportState) {
	s.mu.Lock()
	prev, existed := s.devices[id]
	changed := !existed || prev.name != name || prev.state != state
	s.devices[id] = deviceSnapshot{id: id, name: name, state: state}
	if !existed {
		s.rebuildOrderLocked()
	}
	running := s.running
	s.mu.Unlock()

	if changed && running {
		s.sendToAll(id, name, state, "change")
	}
}

// RemoveDevice drops a device from the round-robin refresh set, e.g. on
// reconfiguration. The aggregator does not currently call this since
// devices live for the process lifetime, but it keeps the round-robin
// cursor correct if that ever changes.
func (s *Sender) RemoveDevice(id int) {
	s.mu.Lock()
	delete(s.devices, id)
	s.rebuildOrderLocked()
	s.mu.Unlock()
}

func (s *Sender) rebuildOrderLocked() {
	ids := make([]int, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	s.order = ids
	s.cursor = 0
}

// refreshLoop walks the device set round-robin, sending one device per
// tick, on a drift-free schedule. The first tick fires one interval after
// Start.
func (s *Sender) refreshLoop(ctx context.Context) {
	defer close(s.doneCh)

	start := time.Now()
	tick := 0
	for {
		tick++
		elapsed := time.Since(start)
		deadline := time.Duration(tick) * s.refreshInterval
		d := deadline - elapsed
		if d < 0 {
			d = 0
		}

		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.stopCh:
			t.Stop()
			return
		}

		s.refreshOne()
	}
}

func (s *Sender) refreshOne() {
	s.mu.Lock()
	if len(s.order) == 0 {
		s.mu.Unlock()
		return
	}
	id := s.order[s.cursor%len(s.order)]
	s.cursor++
	snap, ok := s.devices[id]
	s.mu.Unlock()

	if !ok {
		return
	}
	s.sendToAll(id, snap.name, snap.state, "refresh")
}

func (s *Sender) sendToAll(id int, name string, state devicestate.TransportState, cause string) {
	packet, ok := BuildPacket(s.screen, uint16(id), state, name)
	if !ok {
		return // reserved broadcast index; never emitted
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for _, dest := range s.destinations {
		addr, err := net.ResolveUDPAddr("udp", dest.String())
		if err != nil {
			s.logger.Warn().Err(err).Str(log.FieldDestination, dest.String()).Msg("tsl umd destination unresolvable")
			metrics.TSLSendErrorsTotal.WithLabelValues(dest.String()).Inc()
			continue
		}
		if _, err := conn.WriteToUDP(packet, addr); err != nil {
			// A send failure for one destination must not abort sends to
			// the others.
			s.logger.Warn().Err(err).Str(log.FieldDestination, dest.String()).Msg("tsl umd send failed")
			metrics.TSLSendErrorsTotal.WithLabelValues(dest.String()).Inc()
			continue
		}
		metrics.TSLPacketsSentTotal.WithLabelValues(dest.String(), cause).Inc()
	}
}

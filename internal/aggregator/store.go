// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package aggregator

import (
	"sync"
	"sync/atomic"

	"github.com/superdash/aggregator/internal/devicestate"
)

// store holds the authoritative DeviceState map. All mutation happens
// from applyEvent, called only from the aggregator's single event-loop
// goroutine; reads (Snapshot) take a shared lock so the broadcast loop
// can run concurrently with it.
type store struct {
	mu      sync.RWMutex
	devices map[int]*devicestate.State
	order   []int // configured device order, stable for Snapshot output
	seq     int64 // monotonic "updated" source; see nextUpdated
}

func newStore(devices []devicestate.Config) *store {
	s := &store{devices: make(map[int]*devicestate.State, len(devices))}
	for _, cfg := range devices {
		s.order = append(s.order, cfg.ID)
		s.devices[cfg.ID] = devicestate.NewState(cfg)
	}
	return s
}

// nextUpdated returns a strictly increasing value backing each device's
// monotonic "updated" stamp. A plain sequence counter satisfies the
// monotonicity invariant without depending on OS clock resolution or
// NTP behaviour.
func (s *store) nextUpdated() int64 {
	return atomic.AddInt64(&s.seq, 1)
}

// apply mutates the device matching ev.DeviceID with ev.Update and stamps
// `updated`. Unknown device ids are ignored — only devices named in
// configuration can ever emit an event.
//
// Two reconciliation rules keep the offline invariant intact across the
// split events clients actually produce (a Connected-only event on
// connect, followed by separate transport events):
//   - an event that itself reports state=offline forces connected=false;
//   - a Connected=true event landing while the cached state is still
//     offline promotes the state to stop, the initial-connected posture
//     of a reachable device whose transport has not reported yet.
func (s *store) apply(ev devicestate.Event) (devicestate.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[ev.DeviceID]
	if !ok {
		return devicestate.State{}, false
	}

	upd := ev.Update
	if upd.State != nil {
		d.State = *upd.State
	}
	if upd.Timecode != nil {
		d.Timecode = *upd.Timecode
	}
	if upd.Filename != nil {
		d.Filename = *upd.Filename
	}
	if upd.Connected != nil {
		d.Connected = *upd.Connected
	}

	switch {
	case upd.State != nil && *upd.State == devicestate.StateOffline:
		d.Connected = false
	case d.Connected && d.State == devicestate.StateOffline:
		d.State = devicestate.StateStop
	}
	d.Updated = s.nextUpdated()

	return d.Clone(), true
}

// snapshot returns a value-copy of every device in configured order,
// safe to serialise without holding the store's lock.
func (s *store) snapshot() []devicestate.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]devicestate.State, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id].Clone())
	}
	return out
}

// deviceCount returns the number of configured devices, used by the
// Ember+ Info.DeviceCount parameter and the WebSocket protocol-status
// block.
func (s *store) deviceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package devicestate holds the normalised, mutable per-device state that
// the aggregator owns and the fan-out protocols (WebSocket, Ember+, TSL
// UMD) observe.
package devicestate

import "strings"

// DeviceType enumerates the supported protocol families.
type DeviceType string

const (
	TypeHyperDeck DeviceType = "hyperdeck"
	TypeVMix      DeviceType = "vmix"
	TypeCasparCG  DeviceType = "casparcg"
)

// TransportState enumerates normalised transport states. NewState sets
// StateOffline explicitly so a freshly constructed State starts offline;
// the zero value "" is not one of the valid states.
type TransportState string

const (
	StateStop    TransportState = "stop"
	StatePlay    TransportState = "play"
	StateRec     TransportState = "rec"
	StateOffline TransportState = "offline"
)

// Config is the immutable, config-file-derived identity of a device.
type Config struct {
	ID        int
	Name      string
	Type      DeviceType
	IP        string
	Port      int
	Framerate float64
}

// State is the mutable, normalised snapshot of one device. It is owned
// exclusively by the aggregator and mutated only from its serialisation
// domain (see internal/aggregator).
type State struct {
	ID        int            `json:"id"`
	Name      string         `json:"name"`
	Type      DeviceType     `json:"type"`
	IP        string         `json:"ip"`
	Port      int            `json:"port"`
	Framerate float64        `json:"framerate"`
	State     TransportState `json:"state"`
	Timecode  string         `json:"timecode"`
	Filename  string         `json:"filename"`
	Updated   int64          `json:"updated"`
	Connected bool           `json:"connected"`
}

// NewState builds the initial, offline state for a configured device.
func NewState(cfg Config) *State {
	return &State{
		ID:        cfg.ID,
		Name:      cfg.Name,
		Type:      cfg.Type,
		IP:        cfg.IP,
		Port:      cfg.Port,
		Framerate: cfg.Framerate,
		State:     StateOffline,
		Timecode:  "00:00:00:00",
		Filename:  "",
		Connected: false,
	}
}

// Clone returns a value copy suitable for safe concurrent reads (e.g. a
// WebSocket broadcast snapshot).
func (s *State) Clone() State {
	return *s
}

// Update carries the fields a protocol client may report on a state
// event. Absent (nil) fields are left unchanged.
type Update struct {
	State     *TransportState
	Timecode  *string
	Filename  *string
	Connected *bool
}

// Basename strips any path prefix, matching the "basename only" invariant
// on DeviceState.filename. CasparCG file paths arrive with whichever
// separator its host OS uses, independent of the separator this process
// runs under, so both '/' and '\' are treated as path separators here
// rather than delegating to path/filepath.
func Basename(path string) string {
	if path == "" {
		return ""
	}
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// NormalizeState maps an unrecognised state string to offline, per the
// Ember+ enum invariant: only stop|play|rec|offline are valid.
func NormalizeState(s string) TransportState {
	switch TransportState(s) {
	case StateStop, StatePlay, StateRec, StateOffline:
		return TransportState(s)
	default:
		return StateOffline
	}
}

// Event is the unit every protocol client posts to the aggregation domain.
// A client owns exactly one DeviceID and reports partial Updates as its
// transport state changes; Connected transitions are carried as ordinary
// Updates so the aggregator can apply them with the same monotonic
// timestamping path as any other field change.
type Event struct {
	DeviceID int
	Update   Update
}

// BoolPtr and StringPtr are small convenience constructors for building an
// Update's optional fields at protocol-client call sites.
func BoolPtr(v bool) *bool { return &v }

func StringPtr(v string) *string { return &v }

func StatePtr(v TransportState) *TransportState { return &v }

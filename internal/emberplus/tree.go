// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package emberplus

import (
	"fmt"
	"sync"

	"github.com/superdash/aggregator/internal/devicestate"
)

// stateNumber is the normative Ember+ enum ordering: unknown
// strings are normalised to offline upstream, before they ever reach
// this package.
func stateNumber(s devicestate.TransportState) int64 {
	switch s {
	case devicestate.StateStop:
		return 0
	case devicestate.StatePlay:
		return 1
	case devicestate.StateRec:
		return 2
	default:
		return 3
	}
}

// Per-device parameter numbers, children of each Device<id> node.
const (
	paramState     = 1
	paramTimecode  = 2
	paramFilename  = 3
	paramConnected = 4
	paramType      = 5
)

// Info node (#1) parameter numbers.
const (
	infoVersion     = 1
	infoDeviceCount = 2
)

const treeVersion = "1.0.0"

// deviceParams is the cached set of values last sent for one device's
// parameters, so updateDevice can diff and only push changed fields.
type deviceParams struct {
	number    int // Ember+ GlowNode number: 1-based position in configured order
	name      string
	state     devicestate.TransportState
	timecode  string
	filename  string
	connected bool
	kind      devicestate.DeviceType
}

// tree holds the full mutable state backing the SuperDash Ember+ tree:
// the static Info/Devices shape plus the per-device parameter values
// that updateDevice mutates.
type tree struct {
	mu        sync.Mutex
	devices   map[int]*deviceParams // keyed by configured device id
	order     []int                 // device ids in configured (position) order
	deviceCnt int
}

func newTree(devices []devicestate.Config) *tree {
	t := &tree{devices: make(map[int]*deviceParams, len(devices))}
	for i, cfg := range devices {
		t.order = append(t.order, cfg.ID)
		t.devices[cfg.ID] = &deviceParams{
			number:    i + 1,
			name:      cfg.Name,
			state:     devicestate.StateOffline,
			timecode:  "00:00:00:00",
			connected: false,
			kind:      cfg.Type,
		}
	}
	t.deviceCnt = len(devices)
	return t
}

// encode renders the full current tree as one GlowRootElementCollection.
func (t *tree) encode() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := encodeNode(1, "Info", [][]byte{
		encodeParameter(infoVersion, "Version", stringValue(treeVersion)),
		encodeParameter(infoDeviceCount, "DeviceCount", intValue(int64(t.deviceCnt))),
	})

	var deviceNodes [][]byte
	for _, id := range t.order {
		d := t.devices[id]
		deviceNodes = append(deviceNodes, encodeDeviceNode(id, d))
	}
	devicesNode := encodeNode(2, "Devices", deviceNodes)

	root := encodeNode(1, "SuperDash", [][]byte{info, devicesNode})
	return encodeRootCollection(root)
}

func encodeDeviceNode(id int, d *deviceParams) []byte {
	return encodeNode(d.number, fmt.Sprintf("Device%d", id), [][]byte{
		encodeParameter(paramState, "State", intValue(stateNumber(d.state))),
		encodeParameter(paramTimecode, "Timecode", stringValue(d.timecode)),
		encodeParameter(paramFilename, "Filename", stringValue(d.filename)),
		encodeParameter(paramConnected, "Connected", boolValue(d.connected)),
		encodeParameter(paramType, "Type", stringValue(string(d.kind))),
	})
}

// paramUpdate is one changed parameter, ready to be framed as a pruned
// tree branch (root -> Info|Devices -> [Device<id>] -> Param) and sent
// to every connected consumer, so a consumer merging it into its
// cached copy by node number needs no decoder beyond the one it used
// for the initial full tree.
type paramUpdate struct {
	isInfo       bool
	deviceID     int
	deviceNumber int
	param        int
	identifier   string
	value        glowValue
}

// applyUpdate diffs upd against the cached device parameters and
// returns the subset that actually changed, updating the cache in the
// same pass. Unknown device ids are ignored; an update may arrive
// before the tree is ready.
func (t *tree) applyUpdate(id int, upd devicestate.Update) []paramUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[id]
	if !ok {
		return nil
	}

	dev := func(param int, identifier string, v glowValue) paramUpdate {
		return paramUpdate{deviceID: id, deviceNumber: d.number, param: param, identifier: identifier, value: v}
	}

	var changes []paramUpdate
	if upd.State != nil && *upd.State != d.state {
		d.state = *upd.State
		changes = append(changes, dev(paramState, "State", intValue(stateNumber(d.state))))
	}
	if upd.Timecode != nil && *upd.Timecode != d.timecode {
		d.timecode = *upd.Timecode
		changes = append(changes, dev(paramTimecode, "Timecode", stringValue(d.timecode)))
	}
	if upd.Filename != nil && *upd.Filename != d.filename {
		d.filename = *upd.Filename
		changes = append(changes, dev(paramFilename, "Filename", stringValue(d.filename)))
	}
	if upd.Connected != nil && *upd.Connected != d.connected {
		d.connected = *upd.Connected
		changes = append(changes, dev(paramConnected, "Connected", boolValue(d.connected)))
	}
	return changes
}

// setDeviceCount updates the Info.DeviceCount parameter, returning the
// update only if the value actually changed.
func (t *tree) setDeviceCount(n int) (paramUpdate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n == t.deviceCnt {
		return paramUpdate{}, false
	}
	t.deviceCnt = n
	return paramUpdate{isInfo: true, param: infoDeviceCount, identifier: "DeviceCount", value: intValue(int64(n))}, true
}

// encodeParamUpdate frames a single changed parameter as the minimal
// root->...->parameter branch that contains it.
func encodeParamUpdate(u paramUpdate) []byte {
	param := encodeParameter(u.param, u.identifier, u.value)

	var branch []byte
	if u.isInfo {
		branch = encodeNode(1, "Info", [][]byte{param})
	} else {
		deviceNode := encodeNode(u.deviceNumber, fmt.Sprintf("Device%d", u.deviceID), [][]byte{param})
		branch = encodeNode(2, "Devices", [][]byte{deviceNode})
	}

	root := encodeNode(1, "SuperDash", [][]byte{branch})
	return encodeRootCollection(root)
}

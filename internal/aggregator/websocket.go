// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package aggregator

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/superdash/aggregator/internal/devicestate"
	"github.com/superdash/aggregator/internal/log"
	"github.com/superdash/aggregator/internal/metrics"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// protocolStatus is the "protocols" block of every broadcast snapshot
//: the dashboard uses it to show whether the Ember+ and TSL
// UMD outputs are actually running, independent of device state.
type protocolStatus struct {
	EmberPlus emberPlusStatus `json:"emberPlus"`
	TSLUmd    tslUmdStatus    `json:"tslUmd"`
}

type emberPlusStatus struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
	Port    int  `json:"port"`
}

type tslUmdStatus struct {
	Enabled      bool `json:"enabled"`
	Running      bool `json:"running"`
	Destinations int  `json:"destinations"`
	DeviceCount  int  `json:"deviceCount"`
}

// snapshotMessage is the server→client "playoutStates" frame.
type snapshotMessage struct {
	Type      string              `json:"type"`
	Timestamp int64               `json:"timestamp"`
	Data      []devicestate.State `json:"data"`
	Protocols protocolStatus      `json:"protocols"`
}

// configMessage is the server→client reply to a "getConfig" request.
type configMessage struct {
	Type string     `json:"type"`
	Data configData `json:"data"`
}

type configData struct {
	Settings any `json:"settings"`
	Servers  any `json:"servers"`
}

// clientMessage is the shape of any client→server message; only Type is
// read for dispatch, everything else is ignored or reserved.
type clientMessage struct {
	Type string `json:"type"`
}

// wsHub tracks every connected dashboard WebSocket client. Each
// connection's handler goroutine registers it on upgrade and unregisters
// it on read-loop exit; broadcast also drops a client whose write fails,
// and closeAll empties the hub on shutdown.
type wsHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex // per-connection write mutex
	logger  zerolog.Logger
}

func newWSHub() *wsHub {
	return &wsHub{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		logger:  log.WithComponent("websocket"),
	}
}

func (h *wsHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(h.count()))
}

func (h *wsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(h.count()))
}

func (h *wsHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// sendTo writes data to one connection under its write mutex, since
// gorilla/websocket forbids concurrent writers on the same connection.
func (h *wsHub) sendTo(conn *websocket.Conn, writeMu *sync.Mutex, data []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// closeAll closes every connected client, releasing their read loops.
// Called on shutdown; upgraded connections are hijacked from the HTTP
// server, so its own Shutdown never touches them.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	metrics.WebSocketClients.Set(0)
}

// broadcast sends data to every currently open socket. A socket whose
// write fails is dropped silently; the broadcast loop never blocks on a
// slow or dead peer beyond gorilla's own write path.
func (h *wsHub) broadcast(data []byte) {
	h.mu.Lock()
	snapshot := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for c, m := range h.clients {
		snapshot[c] = m
	}
	h.mu.Unlock()

	for conn, writeMu := range snapshot {
		if err := h.sendTo(conn, writeMu, data); err != nil {
			h.logger.Debug().Err(err).Msg("dropping websocket client after send failure")
			h.remove(conn)
			_ = conn.Close()
		}
	}
}

// handleWS upgrades the connection, registers it with the hub, sends one
// immediate snapshot, then serves its read loop until the peer
// disconnects or errors.
func (s *Aggregator) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.hub.add(conn)
	defer func() {
		s.hub.remove(conn)
		_ = conn.Close()
	}()

	writeMu := &sync.Mutex{}
	s.hub.mu.Lock()
	if m, ok := s.hub.clients[conn]; ok {
		writeMu = m
	}
	s.hub.mu.Unlock()

	if data, err := s.buildSnapshotMessage(); err == nil {
		_ = s.hub.sendTo(conn, writeMu, data)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleClientMessage(conn, writeMu, data)
	}
}

// handleClientMessage dispatches one client→server JSON message.
// Malformed JSON is logged and ignored, never surfaced as a connection
// error.
func (s *Aggregator) handleClientMessage(conn *websocket.Conn, writeMu *sync.Mutex, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("ignoring malformed websocket client message")
		return
	}

	switch msg.Type {
	case "getConfig":
		reply := configMessage{
			Type: "config",
			Data: configData{Settings: s.cfg.Settings, Servers: s.cfg.Devices},
		}
		b, err := json.Marshal(reply)
		if err != nil {
			return
		}
		_ = s.hub.sendTo(conn, writeMu, b)
	case "updateSettings":
		s.logger.Info().Msg("updateSettings message received; reserved, no effect")
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("ignoring unrecognised websocket client message type")
	}
}

// buildSnapshotMessage serialises the current device snapshot and
// protocol status into one "playoutStates" frame.
func (s *Aggregator) buildSnapshotMessage() ([]byte, error) {
	msg := snapshotMessage{
		Type:      "playoutStates",
		Timestamp: s.monotonicNow(),
		Data:      s.store.snapshot(),
		Protocols: protocolStatus{
			EmberPlus: emberPlusStatus{
				Enabled: true,
				Running: s.ember.IsRunning(),
				Port:    s.cfg.Settings.EmberPlusPort,
			},
			TSLUmd: tslUmdStatus{
				Enabled:      len(s.cfg.Settings.TSLUmdDestinations) > 0,
				Running:      s.tsl.IsRunning(),
				Destinations: s.tsl.DestinationCount(),
				DeviceCount:  s.store.deviceCount(),
			},
		},
	}
	return json.Marshal(msg)
}

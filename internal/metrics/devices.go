// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics provides Prometheus metrics for the aggregator: device
// connection state, protocol-level errors, fan-out activity and the
// circuit breakers guarding each protocol client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeviceConnected reports the current connection state of a device
	// (1 connected, 0 not), by id, name and protocol type.
	DeviceConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "superdash_device_connected",
		Help: "Current connection state of a configured device (1=connected, 0=not).",
	}, []string{"device_id", "device_name", "protocol"})

	// ProtocolErrorsTotal counts malformed or unexpected protocol traffic
	// that was logged and skipped per the error-handling policy.
	ProtocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "superdash_protocol_errors_total",
		Help: "Total number of protocol-level parse/decode errors, by protocol and kind.",
	}, []string{"protocol", "kind"})

	// ReconnectAttemptsTotal counts reconnect attempts by protocol clients
	// that maintain a persistent connection.
	ReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "superdash_reconnect_attempts_total",
		Help: "Total number of reconnect attempts, by protocol and device id.",
	}, []string{"protocol", "device_id"})

	// WebSocketClients reports the number of currently connected dashboard
	// WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "superdash_websocket_clients",
		Help: "Number of currently connected dashboard WebSocket clients.",
	})

	// WebSocketBroadcastsTotal counts full-snapshot broadcasts sent to
	// connected WebSocket clients.
	WebSocketBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "superdash_websocket_broadcasts_total",
		Help: "Total number of full-snapshot broadcasts sent over WebSocket.",
	})

	// EmberPlusPushesTotal counts per-parameter value pushes sent to
	// connected Ember+ consumers.
	EmberPlusPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "superdash_emberplus_pushes_total",
		Help: "Total number of Ember+ parameter value pushes, by device id.",
	}, []string{"device_id"})

	// EmberPlusClients reports the number of currently connected Ember+
	// consumers.
	EmberPlusClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "superdash_emberplus_clients",
		Help: "Number of currently connected Ember+ consumers.",
	})

	// TSLPacketsSentTotal counts TSL UMD packets sent, by destination and
	// cause (state-change push vs. round-robin refresh).
	TSLPacketsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "superdash_tsl_packets_sent_total",
		Help: "Total number of TSL UMD packets sent, by destination and cause.",
	}, []string{"destination", "cause"})

	// TSLSendErrorsTotal counts failed sends to a TSL destination.
	TSLSendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "superdash_tsl_send_errors_total",
		Help: "Total number of failed TSL UMD sends, by destination.",
	}, []string{"destination"})
)

// SetDeviceConnected records the connection state of one device.
func SetDeviceConnected(id, name, protocol string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	DeviceConnected.WithLabelValues(id, name, protocol).Set(value)
}

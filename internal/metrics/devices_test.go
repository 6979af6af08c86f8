// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetDeviceConnected(t *testing.T) {
	SetDeviceConnected("1", "Deck 1", "hyperdeck", true)
	require.Equal(t, 1.0, testutil.ToFloat64(DeviceConnected.WithLabelValues("1", "Deck 1", "hyperdeck")))

	SetDeviceConnected("1", "Deck 1", "hyperdeck", false)
	require.Equal(t, 0.0, testutil.ToFloat64(DeviceConnected.WithLabelValues("1", "Deck 1", "hyperdeck")))
}

func TestProtocolErrorsTotal(t *testing.T) {
	before := testutil.ToFloat64(ProtocolErrorsTotal.WithLabelValues("vmix", "xml_parse"))
	ProtocolErrorsTotal.WithLabelValues("vmix", "xml_parse").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(ProtocolErrorsTotal.WithLabelValues("vmix", "xml_parse")))
}

func TestCircuitBreakerMetrics(t *testing.T) {
	SetCircuitBreakerState("vmix:1", "open")
	require.Equal(t, 1.0, testutil.ToFloat64(circuitBreakerState.WithLabelValues("vmix:1", "open")))
	require.Equal(t, 0.0, testutil.ToFloat64(circuitBreakerState.WithLabelValues("vmix:1", "closed")))

	SetCircuitBreakerStatus("vmix:1", 1)
	require.Equal(t, 1.0, testutil.ToFloat64(circuitBreakerStatus.WithLabelValues("vmix:1")))

	before := testutil.ToFloat64(circuitBreakerTrips.WithLabelValues("vmix:1", "tech_failure_threshold"))
	RecordCircuitBreakerTrip("vmix:1", "tech_failure_threshold")
	require.Equal(t, before+1, testutil.ToFloat64(circuitBreakerTrips.WithLabelValues("vmix:1", "tech_failure_threshold")))
}

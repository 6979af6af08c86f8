// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	m := NewManager("v1.2.3")
	assert.NotNil(t, m)
	assert.Equal(t, "v1.2.3", m.version)
	assert.Empty(t, m.checkers)
}

func TestManager_Health_NoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)
}

func TestManager_Health_WithCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	m.RegisterChecker(&mockChecker{name: "healthy", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["healthy"].Status)
	assert.Equal(t, StatusDegraded, resp.Checks["degraded"].Status)
}

func TestManager_Health_Unhealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "unhealthy", status: StatusUnhealthy})

	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 1)
}

func TestManager_Health_Uptime(t *testing.T) {
	m := NewManager("v1.0.0")

	resp1 := m.Health(context.Background(), false)
	assert.GreaterOrEqual(t, resp1.Uptime, int64(0))

	time.Sleep(1 * time.Second)
	resp2 := m.Health(context.Background(), false)
	assert.GreaterOrEqual(t, resp2.Uptime, int64(1))
	assert.Greater(t, resp2.Uptime, resp1.Uptime)
}

func TestManager_Ready_NoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Ready(context.Background(), false)
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestManager_Ready_AllHealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "check1", status: StatusHealthy, kind: CheckReadiness})
	m.RegisterChecker(&mockChecker{name: "check2", status: StatusHealthy, kind: CheckReadiness})

	resp := m.Ready(context.Background(), true)
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestManager_Ready_Degraded(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded, kind: CheckReadiness})

	resp := m.Ready(context.Background(), false)
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestManager_Ready_Unhealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "unhealthy", status: StatusUnhealthy, kind: CheckReadiness})

	resp := m.Ready(context.Background(), false)
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestManager_ServeHealth(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "test", status: StatusHealthy})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	m.ServeHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)

	req = httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil)
	w = httptest.NewRecorder()
	m.ServeHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	err = json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)
	assert.NotNil(t, resp.Checks)
	assert.Len(t, resp.Checks, 1)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
}

func TestManager_ServeHealth_EncodingError(t *testing.T) {
	m := NewManager("v1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := &brokenWriter{header: make(http.Header)}

	m.ServeHealth(w, req)
}

func TestManager_ServeReady(t *testing.T) {
	tests := []struct {
		name           string
		checker        Checker
		expectedStatus int
		expectedReady  bool
	}{
		{
			name:           "healthy",
			checker:        &mockChecker{name: "test", status: StatusHealthy, kind: CheckReadiness},
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "degraded",
			checker:        &mockChecker{name: "test", status: StatusDegraded, kind: CheckReadiness},
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "unhealthy",
			checker:        &mockChecker{name: "test", status: StatusUnhealthy, kind: CheckReadiness},
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("v1.0.0")
			m.RegisterChecker(tt.checker)

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			w := httptest.NewRecorder()
			m.ServeReady(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp ReadinessResponse
			err := json.NewDecoder(w.Body).Decode(&resp)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedReady, resp.Ready)
		})
	}
}

func TestManager_ServeReady_EncodingError(t *testing.T) {
	m := NewManager("v1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := &brokenWriter{header: make(http.Header)}

	m.ServeReady(w, req)
}

func TestDeviceFleetChecker_Name(t *testing.T) {
	checker := NewDeviceFleetChecker(func() (int, int) { return 0, 0 })
	assert.Equal(t, "devices", checker.Name())
}

func TestDeviceFleetChecker(t *testing.T) {
	tests := []struct {
		name           string
		total          int
		connected      int
		expectedStatus Status
	}{
		{name: "no devices configured", total: 0, connected: 0, expectedStatus: StatusHealthy},
		{name: "all connected", total: 3, connected: 3, expectedStatus: StatusHealthy},
		{name: "some connected", total: 3, connected: 1, expectedStatus: StatusHealthy},
		{name: "none connected", total: 3, connected: 0, expectedStatus: StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewDeviceFleetChecker(func() (int, int) { return tt.total, tt.connected })
			result := checker.Check(context.Background())
			assert.Equal(t, tt.expectedStatus, result.Status)
			assert.NotEqual(t, StatusUnhealthy, result.Status, "device connectivity must never report unhealthy")
		})
	}
}

// mockChecker is a test double for Checker.
type mockChecker struct {
	name    string
	status  Status
	message string
	err     string
	kind    CheckType
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Type() CheckType {
	if m.kind == 0 {
		return CheckHealth
	}
	return m.kind
}

func (m *mockChecker) Check(_ context.Context) CheckResult {
	return CheckResult{
		Status:  m.status,
		Message: m.message,
		Error:   m.err,
	}
}

// brokenWriter is a mock ResponseWriter that always fails to write
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header {
	return w.header
}

func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, assert.AnError
}

func (w *brokenWriter) WriteHeader(statusCode int) {
}

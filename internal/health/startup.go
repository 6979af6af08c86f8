// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package health

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/superdash/aggregator/internal/config"
	"github.com/superdash/aggregator/internal/log"
)

// PerformStartupChecks validates that the ports this process needs to bind
// are free before any protocol client or server is started. Config schema
// and device-list validity is already enforced by config.Loader.Load —
// this is purely a pre-flight bind check so a port conflict fails fast
// with a clear message instead of surfacing later as a confusing listener
// error deep inside a subsystem.
func PerformStartupChecks(ctx context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkPortFree("websocket", cfg.Settings.WebSocketPort); err != nil {
		return fmt.Errorf("websocket port check failed: %w", err)
	}
	if err := checkPortFree("emberplus", cfg.Settings.EmberPlusPort); err != nil {
		return fmt.Errorf("ember+ port check failed: %w", err)
	}

	for _, dest := range cfg.Settings.TSLUmdDestinations {
		if net.ParseIP(dest.Host) == nil {
			return fmt.Errorf("tsl umd destination has invalid host %q", dest.Host)
		}
	}

	logger.Info().
		Int("device_count", len(cfg.Devices)).
		Msg("all startup checks passed")
	return nil
}

// checkPortFree verifies a TCP port can be bound locally right now. It
// opens and immediately closes a listener rather than holding it, since
// the real server will bind it moments later; this only catches the
// common case of a stale process already occupying the port.
func checkPortFree(label string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s port %d is out of range", label, port)
	}

	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s port %d is not available: %w", label, port, err)
	}
	return ln.Close()
}

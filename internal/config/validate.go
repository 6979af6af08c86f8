// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"fmt"
	"net"
)

// Validate checks a defaulted AppConfig against the invariants in the data
// model: known device types, unique ids that do not alias the TSL
// broadcast index, parseable IPv4 addresses and positive framerates/ports.
// Gaps in the id space are not checked.
func Validate(cfg AppConfig) error {
	if cfg.Settings.UpdateIntervalMs <= 0 {
		return fmt.Errorf("settings.updateIntervalMs must be positive, got %d", cfg.Settings.UpdateIntervalMs)
	}
	if cfg.Settings.DefaultFramerate <= 0 {
		return fmt.Errorf("settings.defaultFramerate must be positive, got %v", cfg.Settings.DefaultFramerate)
	}

	seen := make(map[int]struct{}, len(cfg.Devices))
	for _, d := range cfg.Devices {
		switch d.Type {
		case DeviceHyperDeck, DeviceVMix, DeviceCasparCG:
		default:
			return fmt.Errorf("device %d (%s): %w: %q", d.ID, d.Name, ErrInvalidDeviceType, d.Type)
		}

		if d.ID == broadcastDeviceID {
			return fmt.Errorf("device %d (%s): %w", d.ID, d.Name, ErrBroadcastDeviceID)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("device %d (%s): %w", d.ID, d.Name, ErrDuplicateDeviceID)
		}
		seen[d.ID] = struct{}{}

		if net.ParseIP(d.IP) == nil || net.ParseIP(d.IP).To4() == nil {
			return fmt.Errorf("device %d (%s): invalid IPv4 address %q", d.ID, d.Name, d.IP)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("device %d (%s): invalid port %d", d.ID, d.Name, d.Port)
		}
		if d.Framerate <= 0 {
			return fmt.Errorf("device %d (%s): framerate must be positive, got %v", d.ID, d.Name, d.Framerate)
		}
		if d.Type == DeviceCasparCG && (d.Channel <= 0 || d.Layer <= 0) {
			return fmt.Errorf("device %d (%s): casparcg channel and layer must be positive, got %d/%d", d.ID, d.Name, d.Channel, d.Layer)
		}
	}

	return nil
}

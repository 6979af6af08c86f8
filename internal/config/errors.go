// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import "errors"

var (
	// ErrUnknownConfigField classifies strict JSON parse failures caused by
	// unknown keys. Use errors.Is(err, ErrUnknownConfigField) instead of
	// string matching.
	ErrUnknownConfigField = errors.New("unknown config field")

	// ErrInvalidDeviceType classifies a "type" value outside
	// hyperdeck|vmix|casparcg.
	ErrInvalidDeviceType = errors.New("invalid device type")

	// ErrDuplicateDeviceID classifies two server entries sharing an id.
	ErrDuplicateDeviceID = errors.New("duplicate device id")

	// ErrBroadcastDeviceID classifies a device id aliasing the TSL
	// broadcast display index (0xFFFF).
	ErrBroadcastDeviceID = errors.New("device id aliases TSL broadcast index")
)

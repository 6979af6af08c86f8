// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads and validates the JSON configuration document
// described in the external-interfaces section: global settings plus the
// static list of devices to aggregate. Loading is strict and happens once
// at startup — a missing file or malformed document is fatal.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	defaultUpdateIntervalMs = 1000
	defaultWebSocketPort    = 8080
	defaultEmberPlusPort    = 9000
	defaultFramerate        = 25.0

	defaultHyperDeckPort = 9993
	defaultVMixPort      = 8088
	defaultCasparCGPort  = 6250

	defaultCasparCGChannel = 1
	defaultCasparCGLayer   = 10
)

// broadcastDeviceID is the TSL UMD "all displays" index; a configured
// device must never alias it.
const broadcastDeviceID = 0xFFFF

// Loader loads, defaults and validates the configuration file at a fixed
// path. It carries no environment-variable precedence layer: the wire
// format is deliberately the single source of truth for device topology.
type Loader struct {
	path string
}

// NewLoader returns a Loader reading from the given file path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads, strictly parses, defaults and validates the configuration
// file. Any error returned is fatal: the caller should log it and exit
// non-zero.
func (l *Loader) Load() (AppConfig, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	raw, err := decodeStrict(f)
	if err != nil {
		return AppConfig{}, err
	}

	cfg := applyDefaults(raw)

	if err := Validate(cfg); err != nil {
		return AppConfig{}, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// decodeStrict parses the configuration JSON, rejecting unknown fields so a
// stale or misspelled key surfaces as a startup error instead of being
// silently dropped.
func decodeStrict(r io.Reader) (fileConfig, error) {
	var fc fileConfig
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&fc); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return fileConfig{}, fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fileConfig{}, fmt.Errorf("parse config file: %w", err)
	}

	// Strict: reject trailing documents or garbage after the object.
	if dec.More() {
		return fileConfig{}, fmt.Errorf("config file contains trailing content after the root object")
	}

	return fc, nil
}

// applyDefaults merges the raw, partially-populated file document into a
// fully defaulted AppConfig. Per-device port and framerate fall back to the
// global settings when omitted.
func applyDefaults(fc fileConfig) AppConfig {
	settings := Settings{
		DefaultFramerate: defaultFramerate,
		UpdateIntervalMs: defaultUpdateIntervalMs,
		WebSocketPort:    defaultWebSocketPort,
		DefaultPorts: DefaultPorts{
			HyperDeck: defaultHyperDeckPort,
			VMix:      defaultVMixPort,
			CasparCG:  defaultCasparCGPort,
		},
		EmberPlusPort:      defaultEmberPlusPort,
		TSLUmdDestinations: fc.Settings.TSLUmdDestinations,
		TSLUmdScreen:       0,
	}

	if fc.Settings.DefaultFramerate != nil {
		settings.DefaultFramerate = *fc.Settings.DefaultFramerate
	}
	if fc.Settings.UpdateIntervalMs != nil {
		settings.UpdateIntervalMs = *fc.Settings.UpdateIntervalMs
	}
	if fc.Settings.WebSocketPort != nil {
		settings.WebSocketPort = *fc.Settings.WebSocketPort
	}
	if fc.Settings.DefaultPorts != nil {
		settings.DefaultPorts = *fc.Settings.DefaultPorts
	}
	if fc.Settings.EmberPlusPort != nil {
		settings.EmberPlusPort = *fc.Settings.EmberPlusPort
	}
	if fc.Settings.TSLUmdScreen != nil {
		settings.TSLUmdScreen = *fc.Settings.TSLUmdScreen
	}

	devices := make([]Device, 0, len(fc.Servers))
	for _, s := range fc.Servers {
		d := Device{
			ID:   s.ID,
			Name: s.Name,
			Type: DeviceType(strings.ToLower(s.Type)),
			IP:   s.IP,
		}

		if s.Port != nil {
			d.Port = *s.Port
		} else {
			d.Port = defaultPortFor(d.Type, settings.DefaultPorts)
		}

		if s.Framerate != nil {
			d.Framerate = *s.Framerate
		} else {
			d.Framerate = settings.DefaultFramerate
		}

		if d.Type == DeviceCasparCG {
			d.Channel = defaultCasparCGChannel
			d.Layer = defaultCasparCGLayer
			if s.Channel != nil {
				d.Channel = *s.Channel
			}
			if s.Layer != nil {
				d.Layer = *s.Layer
			}
		}

		devices = append(devices, d)
	}

	return AppConfig{Settings: settings, Devices: devices}
}

func defaultPortFor(t DeviceType, ports DefaultPorts) int {
	switch t {
	case DeviceHyperDeck:
		return ports.HyperDeck
	case DeviceVMix:
		return ports.VMix
	case DeviceCasparCG:
		return ports.CasparCG
	default:
		return 0
	}
}

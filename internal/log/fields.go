// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Device / protocol fields
	FieldDeviceID   = "device_id"
	FieldDeviceType = "device_type"
	FieldProtocol   = "protocol"
	FieldFPS        = "fps"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Network fields
	FieldAddress     = "address"
	FieldDestination = "destination"
)

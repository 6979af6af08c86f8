// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package vmix

import "errors"

var (
	// ErrEmptyBody classifies an empty HTTP response body from /api.
	ErrEmptyBody = errors.New("vmix: empty response body")

	// ErrNotVMixDocument classifies a body that lacks a <vmix root
	// element, so it cannot plausibly be a vMix API response.
	ErrNotVMixDocument = errors.New("vmix: response is not a <vmix> document")
)

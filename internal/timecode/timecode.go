// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package timecode converts frame counts to and from SMPTE-style
// HH:MM:SS:FF timecode strings, including drop-frame handling for the
// 29.97 and 59.94 fps broadcast rates.
package timecode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const hoursPerDay = 24

// RequiresDropFrame reports whether fps is close enough to 29.97 or 59.94
// that drop-frame timecode accounting applies.
func RequiresDropFrame(fps float64) bool {
	return math.Abs(fps-29.97) < 0.01 || math.Abs(fps-59.94) < 0.01
}

// FramesToTimecode converts a frame count into a timecode string. It never
// errors: negative input is clamped to zero, and the output always matches
// ^\d{2}:\d{2}:\d{2}[:;]\d{2}$.
func FramesToTimecode(totalFrames int64, fps float64) string {
	if totalFrames < 0 {
		totalFrames = 0
	}
	if fps <= 0 {
		fps = 25
	}

	if RequiresDropFrame(fps) {
		return dropFrameTimecode(totalFrames, fps)
	}
	return nonDropTimecode(totalFrames, fps)
}

func nonDropTimecode(totalFrames int64, fps float64) string {
	r := int64(math.Round(fps))
	if r <= 0 {
		r = 1
	}
	frames := totalFrames % r
	secTotal := totalFrames / r
	seconds := secTotal % 60
	minTotal := secTotal / 60
	minutes := minTotal % 60
	hours := (minTotal / 60) % hoursPerDay

	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}

// dropFrameTimecode implements the standard SMPTE drop-frame algorithm: the
// frame counter runs continuously at the nominal rate R, and frame NUMBERS
// (not frames) are skipped at the start of every minute except every tenth,
// which is why the number of skipped numbers must be added back in before
// the ordinary R-based division below.
func dropFrameTimecode(totalFrames int64, fps float64) string {
	r := int64(math.Round(fps))
	if r <= 0 {
		r = 30
	}
	d := int64(2)
	if fps > 30 {
		d = 4
	}

	framesPerMinute := r*60 - d
	framesPer10Minutes := int64(math.Round(fps * 600))
	if framesPer10Minutes <= 0 {
		framesPer10Minutes = 1
	}

	tenMinBlocks := totalFrames / framesPer10Minutes
	m := totalFrames % framesPer10Minutes

	var correction int64
	if m > d {
		correction = d*9*tenMinBlocks + d*((m-d)/framesPerMinute)
	} else {
		correction = d * 9 * tenMinBlocks
	}
	adjusted := totalFrames + correction

	frames := adjusted % r
	secTotal := adjusted / r
	seconds := secTotal % 60
	minTotal := secTotal / 60
	minutes := minTotal % 60
	hours := (minTotal / 60) % hoursPerDay

	return fmt.Sprintf("%02d:%02d:%02d;%02d", hours, minutes, seconds, frames)
}

// MillisecondsToTimecode converts a millisecond duration into a non-drop
// timecode string — the path used for vMix's millisecond-resolution
// duration field.
func MillisecondsToTimecode(ms int64, fps float64) string {
	if ms < 0 {
		ms = 0
	}
	if fps <= 0 {
		fps = 25
	}
	totalFrames := int64(math.Floor(float64(ms) * fps / 1000))
	return nonDropTimecode(totalFrames, fps)
}

// ParseNonDropFrames converts a non-drop HH:MM:SS:FF timecode string back
// into a frame count, for round-trip verification. It does not accept
// drop-frame (semicolon-separated) strings.
func ParseNonDropFrames(tc string, fps float64) (int64, error) {
	parts := strings.FieldsFunc(tc, func(r rune) bool { return r == ':' })
	if len(parts) != 4 {
		return 0, fmt.Errorf("timecode: invalid format %q", tc)
	}
	var nums [4]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("timecode: invalid field %q in %q: %w", p, tc, err)
		}
		nums[i] = n
	}
	r := int64(math.Round(fps))
	if r <= 0 {
		r = 1
	}
	hours, minutes, seconds, frames := nums[0], nums[1], nums[2], nums[3]
	return ((hours*60+minutes)*60+seconds)*r + frames, nil
}

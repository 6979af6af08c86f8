// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package tslumd builds and sends TSL UMD v5.0 tally packets over UDP: one
// packet per device on state change, plus a background round-robin
// refresh to repair lost datagrams.
package tslumd

import (
	"encoding/binary"

	"github.com/superdash/aggregator/internal/devicestate"
)

// Tally enumerates the v5.0 two-bit tally/brightness values.
type Tally byte

const (
	TallyOff   Tally = 0
	TallyRed   Tally = 1
	TallyGreen Tally = 2
	TallyAmber Tally = 3
)

// Brightness enumerates the v5.0 two-bit brightness values, sharing the
// same 0..3 range as Tally.
type Brightness byte

const (
	BrightnessOff    Brightness = 0
	BrightnessDim    Brightness = 1
	BrightnessMedium Brightness = 2
	BrightnessFull   Brightness = 3
)

const (
	verByte   = 0x80
	headerLen = 12 // PBC(2) VER(1) FLAGS(1) SCREEN(2) INDEX(2) CONTROL(2) LENGTH(2)
)

// broadcastIndex is the reserved TSL UMD "all displays" index; a device
// must never be assigned it.
const broadcastIndex = 0xFFFF

// controlByte0 packs rh_tally (bits 0-1), txt_tally (bits 2-3), lh_tally
// (bits 4-5) and brightness (bits 6-7) into the CONTROL byte's low
// (first-sent, little-endian) byte.
func controlByte0(rh, txt, lh Tally, b Brightness) byte {
	return byte(rh&0x3) | byte(txt&0x3)<<2 | byte(lh&0x3)<<4 | byte(b&0x3)<<6
}

// controlFor maps a normalised transport state to its CONTROL byte 0.
func controlFor(state devicestate.TransportState) byte {
	switch state {
	case devicestate.StatePlay:
		return controlByte0(TallyRed, TallyRed, TallyOff, BrightnessFull)
	case devicestate.StateRec:
		return controlByte0(TallyAmber, TallyAmber, TallyOff, BrightnessFull)
	case devicestate.StateStop:
		return controlByte0(TallyOff, TallyOff, TallyOff, BrightnessFull)
	default: // offline and anything unrecognised
		return controlByte0(TallyOff, TallyOff, TallyOff, BrightnessDim)
	}
}

// BuildPacket encodes one TSL UMD v5.0 packet for a device at a given
// screen index. It returns (nil, false) for
// the reserved broadcast index 0xFFFF, which must never be emitted.
func BuildPacket(screen, index uint16, state devicestate.TransportState, name string) ([]byte, bool) {
	if index == broadcastIndex {
		return nil, false
	}

	text := []byte(name)
	length := headerLen + len(text)

	buf := make([]byte, length)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(length))
	buf[2] = verByte
	buf[3] = 0x00
	binary.LittleEndian.PutUint16(buf[4:6], screen)
	binary.LittleEndian.PutUint16(buf[6:8], index)
	buf[8] = controlFor(state)
	buf[9] = 0x00
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(text)))
	copy(buf[12:], text)

	return buf, true
}

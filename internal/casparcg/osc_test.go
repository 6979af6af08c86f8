// Copyright (c) 2026 SuperDash Authors
// Licensed under the PolyForm Noncommercial License 1.0.0

package casparcg

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// encodeOSCString pads a string to OSC's 4-byte-aligned, nul-terminated
// wire form, for building test fixtures.
func encodeOSCString(s string) []byte {
	b := append([]byte(s), 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func encodeMessage(address string, tags string, args ...[]byte) []byte {
	var buf bytes.Buffer
	buf.Write(encodeOSCString(address))
	buf.Write(encodeOSCString("," + tags))
	for _, a := range args {
		buf.Write(a)
	}
	return buf.Bytes()
}

func encodeFloat(v float32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func encodeInt(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func TestDecodeMessages_SingleMessage(t *testing.T) {
	data := encodeMessage("/channel/1/stage/layer/10/file/path", "s", encodeOSCString("clips/show.mov"))

	msgs, err := DecodeMessages(data)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "/channel/1/stage/layer/10/file/path", msgs[0].Address)
	require.Equal(t, []any{"clips/show.mov"}, msgs[0].Args)
}

func TestDecodeMessages_Bundle(t *testing.T) {
	m1 := encodeMessage("/channel/1/stage/layer/10/file/frame", "i", encodeInt(250))
	m2 := encodeMessage("/channel/1/stage/layer/10/paused", "f", encodeFloat(0))

	var buf bytes.Buffer
	buf.Write(bundleTag)
	buf.Write(make([]byte, 8)) // timetag, unused by the decoder

	for _, m := range [][]byte{m1, m2} {
		sz := make([]byte, 4)
		binary.BigEndian.PutUint32(sz, uint32(len(m)))
		buf.Write(sz)
		buf.Write(m)
	}

	msgs, err := DecodeMessages(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "/channel/1/stage/layer/10/file/frame", msgs[0].Address)
	require.Equal(t, int32(250), msgs[0].Args[0])
	require.Equal(t, "/channel/1/stage/layer/10/paused", msgs[1].Address)
	require.Equal(t, float32(0), msgs[1].Args[0])
}

func TestDecodeMessages_NestedBundle(t *testing.T) {
	inner := encodeMessage("/channel/1/stage/layer/10/file/fps", "f", encodeFloat(50))
	var innerBundle bytes.Buffer
	innerBundle.Write(bundleTag)
	innerBundle.Write(make([]byte, 8))
	sz := make([]byte, 4)
	binary.BigEndian.PutUint32(sz, uint32(len(inner)))
	innerBundle.Write(sz)
	innerBundle.Write(inner)

	var outer bytes.Buffer
	outer.Write(bundleTag)
	outer.Write(make([]byte, 8))
	osz := make([]byte, 4)
	binary.BigEndian.PutUint32(osz, uint32(innerBundle.Len()))
	outer.Write(osz)
	outer.Write(innerBundle.Bytes())

	msgs, err := DecodeMessages(outer.Bytes())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "/channel/1/stage/layer/10/file/fps", msgs[0].Address)
}

func TestDecodeMessages_MalformedAddress(t *testing.T) {
	_, err := DecodeMessages([]byte("not-an-address\x00\x00"))
	require.Error(t, err)
}

func TestUnwrapArg(t *testing.T) {
	require.Equal(t, "hello", unwrapArg("hello"))
	require.Equal(t, 42, unwrapArg(map[string]any{"type": "i", "value": 42}))
	require.Equal(t, map[string]any{"type": "i"}, unwrapArg(map[string]any{"type": "i"}))
}

package mux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []*Frame{
		{StreamID: 1, Type: FrameNew},
		{StreamID: 1, Type: FrameData, Payload: []byte("hello")},
		{StreamID: 7, Type: FrameWindowUpdate, Payload: []byte{0, 1, 0, 0}},
		{StreamID: 7, Type: FrameClose},
		{StreamID: 7, Type: FrameReset},
	}
	for _, f := range cases {
		var buf bytes.Buffer
		_, err := f.WriteTo(&buf)
		require.NoError(t, err)

		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, f.StreamID, got.StreamID)
		assert.Equal(t, f.Type, got.Type)
		assert.Equal(t, f.Payload, got.Payload)
	}
}

func TestSplitPayloadRespectsFrameCap(t *testing.T) {
	payload := make([]byte, maxFramePayload*2+17)
	chunks := splitPayload(payload)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], maxFramePayload)
	assert.Len(t, chunks[1], maxFramePayload)
	assert.Len(t, chunks[2], 17)
}

func TestFrameWriteToRejectsOversizedPayload(t *testing.T) {
	f := &Frame{StreamID: 1, Type: FrameData, Payload: make([]byte, 0x10000)}
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	assert.Error(t, err)
}

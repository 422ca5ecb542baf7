package rdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{Channel: 2, Seq: 7, Service: ServiceData}
	copy(p.Payload[:], []byte("hello"))

	frame := p.Encode()
	assert.Len(t, frame, PacketSize)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, p.Channel, got.Channel)
	assert.Equal(t, p.Seq, got.Seq)
	assert.Equal(t, p.Service, got.Service)
	assert.Equal(t, p.Payload, got.Payload)
}

func TestDecodeRejectsBadLength(t *testing.T) {
	_, err := Decode(make([]byte, PacketSize-1))
	assert.ErrorIs(t, err, ErrBadFrameLength)
}

func TestDecodeRejectsCRCMismatch(t *testing.T) {
	p := Packet{Channel: 0, Seq: 1, Service: ServiceBegin}
	frame := p.Encode()
	frame[10] ^= 0xFF // corrupt a payload byte, CRC no longer matches
	_, err := Decode(frame)
	assert.ErrorIs(t, err, ErrCRCMismatch)
}

func TestTotalPacketsBoundaries(t *testing.T) {
	assert.Equal(t, 3, totalPackets(1))
	assert.Equal(t, 3, totalPackets(PayloadLen))
	assert.Equal(t, 4, totalPackets(PayloadLen+1))
}

func TestBeginPayloadRoundTrip(t *testing.T) {
	payload := encodeBeginPayload(0x0a)
	assert.Equal(t, uint32(0x0a), decodeBeginPayload(payload))
}

func TestNackPayloadRoundTrip(t *testing.T) {
	missing := []uint16{2, 5, 9}
	payload := encodeNackPayload(missing)
	assert.Equal(t, missing, decodeNackPayload(payload))
}

func TestNackPayloadEmpty(t *testing.T) {
	payload := encodeNackPayload(nil)
	assert.Empty(t, decodeNackPayload(payload))
}

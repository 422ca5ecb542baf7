package rdt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ServiceCode is the per-packet control field distinguishing the five RDT
// frame kinds.
type ServiceCode uint8

const (
	ServiceBegin ServiceCode = 1
	ServiceData  ServiceCode = 2
	ServiceEnd   ServiceCode = 3
	ServiceAsk   ServiceCode = 4
	ServiceNack  ServiceCode = 5
)

func (s ServiceCode) String() string {
	switch s {
	case ServiceBegin:
		return "BEGIN"
	case ServiceData:
		return "DATA"
	case ServiceEnd:
		return "END"
	case ServiceAsk:
		return "ASK"
	case ServiceNack:
		return "NACK"
	default:
		return fmt.Sprintf("SERVICE(%d)", uint8(s))
	}
}

const (
	// PayloadLen is the fixed payload size of a single RDT frame.
	PayloadLen = 192
	// MaxChannels is the number of logical channels a single engine
	// multiplexes over one link peer.
	MaxChannels = 4
	// PacketSize is the wire size of one RDT frame: channel(1) + seq(2) +
	// service(1) + payload(192) + crc(4).
	PacketSize = 1 + 2 + 1 + PayloadLen + 4

	crcOffset = PacketSize - 4
)

// NACK terminator. total_packets must never reach this value; SubmitBlock
// rejects blocks that would.
const nackTerminator = 0xFFFF

// Packet is the fixed-size wire frame carried by the link. All multi-byte
// integers are little-endian. CRC is computed over every byte preceding the
// CRC field.
type Packet struct {
	Channel uint8
	Seq     uint16
	Service ServiceCode
	Payload [PayloadLen]byte
}

// crcTable is the reflected IEEE 802.3 polynomial (0xEDB88320), matching the
// standard library's default table bit-for-bit.
var crcTable = crc32.IEEETable

// Encode serializes the packet to its fixed wire size, computing and
// appending the CRC-32.
func (p *Packet) Encode() []byte {
	buf := make([]byte, PacketSize)
	buf[0] = p.Channel
	binary.LittleEndian.PutUint16(buf[1:3], p.Seq)
	buf[3] = uint8(p.Service)
	copy(buf[4:4+PayloadLen], p.Payload[:])
	sum := crc32.Checksum(buf[:crcOffset], crcTable)
	binary.LittleEndian.PutUint32(buf[crcOffset:], sum)
	return buf
}

// Decode parses and CRC-verifies a wire frame. A frame whose length is not
// exactly PacketSize, or whose CRC does not match, is rejected: the caller
// must silently drop it.
func Decode(frame []byte) (Packet, error) {
	var p Packet
	if len(frame) != PacketSize {
		return p, ErrBadFrameLength
	}
	want := binary.LittleEndian.Uint32(frame[crcOffset:])
	got := crc32.Checksum(frame[:crcOffset], crcTable)
	if want != got {
		return p, ErrCRCMismatch
	}
	p.Channel = frame[0]
	p.Seq = binary.LittleEndian.Uint16(frame[1:3])
	p.Service = ServiceCode(frame[3])
	copy(p.Payload[:], frame[4:4+PayloadLen])
	return p, nil
}

// totalPackets computes ceil(size/PayloadLen) + 2 (BEGIN and END frames
// bracket the DATA segments).
func totalPackets(size uint32) int {
	segments := (int(size) + PayloadLen - 1) / PayloadLen
	return segments + 2
}

// encodeBeginPayload builds the BEGIN frame payload: a little-endian u32 size in
// the first four bytes, zero-padded.
func encodeBeginPayload(size uint32) [PayloadLen]byte {
	var payload [PayloadLen]byte
	binary.LittleEndian.PutUint32(payload[:4], size)
	return payload
}

func decodeBeginPayload(payload [PayloadLen]byte) uint32 {
	return binary.LittleEndian.Uint32(payload[:4])
}

// encodeNackPayload writes missing sequence numbers as LE u16s terminated by
// 0xFFFF, capped to PayloadLen.
func encodeNackPayload(missing []uint16) [PayloadLen]byte {
	var payload [PayloadLen]byte
	off := 0
	for _, seq := range missing {
		if off+2 > PayloadLen-2 {
			break
		}
		binary.LittleEndian.PutUint16(payload[off:off+2], seq)
		off += 2
	}
	binary.LittleEndian.PutUint16(payload[off:off+2], nackTerminator)
	return payload
}

// decodeNackPayload reads LE u16 entries until 0xFFFF or the payload ends.
func decodeNackPayload(payload [PayloadLen]byte) []uint16 {
	var missing []uint16
	for off := 0; off+2 <= PayloadLen; off += 2 {
		v := binary.LittleEndian.Uint16(payload[off : off+2])
		if v == nackTerminator {
			break
		}
		missing = append(missing, v)
	}
	return missing
}

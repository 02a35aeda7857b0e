package cryptopool

import (
	"encoding/binary"
	"math"
)

const (
	// FrameHeaderSize is id (u32) + kind (u8) + payload size (u32).
	FrameHeaderSize = 9
	// Sentinel terminates every frame.
	Sentinel byte = 0x0A
)

// Frame is one decoded unit from the stream.
type Frame struct {
	ID     uint32
	Kind   PacketKind
	Packet Packet
}

type frameHeader struct {
	id   uint32
	kind PacketKind
	size uint32
}

func parseHeader(b []byte) frameHeader {
	return frameHeader{
		id:   binary.LittleEndian.Uint32(b[0:4]),
		kind: PacketKind(b[4]),
		size: binary.LittleEndian.Uint32(b[5:9]),
	}
}

// EncodeFrame serializes p and wraps it in a frame with the given correlation id.
func EncodeFrame(id uint32, p Packet) ([]byte, error) {
	payload, err := EncodePacket(p)
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, &OversizedPacketError{Kind: p.Kind(), Size: uint64(len(payload))}
	}

	buf := make([]byte, 0, FrameHeaderSize+len(payload)+1)
	return appendFrame(buf, id, p.Kind(), payload), nil
}

func appendFrame(buf []byte, id uint32, kind PacketKind, payload []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, id)
	buf = append(buf, byte(kind))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return append(buf, Sentinel)
}

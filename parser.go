package cryptopool

import "fmt"

// DefaultMaxPayload caps the payload size a parser accepts from a header.
const DefaultMaxPayload = 100 * 1024 * 1024 // 100MB

// maxIdleBuffer is the largest accumulator kept between frames.
const maxIdleBuffer = 64 * 1024

// Parser reassembles frames from arbitrarily split chunks of a byte stream.
//
// It alternates between two states: waiting for a 9-byte header, then waiting for exactly
// payload_size+1 bytes (payload and sentinel). Any framing or decode error halts the
// parser for good; there is no resynchronization.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	maxPayload uint32

	buf    []byte
	needed int
	header *frameHeader
	err    error
}

// NewParser returns a parser. maxPayload of 0 disables the size cap.
func NewParser(maxPayload uint32) *Parser {
	return &Parser{
		maxPayload: maxPayload,
		needed:     FrameHeaderSize,
	}
}

// Err returns the error that halted the parser, if any.
func (p *Parser) Err() error {
	return p.err
}

// Feed appends chunk to the accumulator and returns every frame it completes. Frames
// completed before an error in the same chunk are returned alongside the error.
func (p *Parser) Feed(chunk []byte) ([]Frame, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.buf = append(p.buf, chunk...)

	var frames []Frame
	off := 0
	for len(p.buf)-off >= p.needed {
		data := p.buf[off : off+p.needed]
		off += p.needed

		if p.header == nil {
			h := parseHeader(data)
			if p.maxPayload > 0 && h.size > p.maxPayload {
				p.err = &FramingError{Message: fmt.Sprintf("payload size %d exceeds limit %d", h.size, p.maxPayload)}
				break
			}
			p.header = &h
			p.needed = int(h.size) + 1
			continue
		}

		h := *p.header
		p.header = nil
		p.needed = FrameHeaderSize

		if data[len(data)-1] != Sentinel {
			p.err = &FramingError{Message: fmt.Sprintf("bad sentinel 0x%02x after %s frame %d", data[len(data)-1], h.kind, h.id)}
			break
		}
		pkt, err := DecodePacket(h.kind, data[:len(data)-1])
		if err != nil {
			p.err = &FramingError{Message: fmt.Sprintf("%s frame %d", h.kind, h.id), Err: err}
			break
		}
		frames = append(frames, Frame{ID: h.id, Kind: h.kind, Packet: pkt})
	}

	if p.err != nil {
		p.buf = nil
		return frames, p.err
	}

	// Compact so the accumulator only holds the unconsumed tail.
	rest := len(p.buf) - off
	if rest == 0 && cap(p.buf) > maxIdleBuffer {
		p.buf = nil
		return frames, nil
	}
	copy(p.buf, p.buf[off:])
	p.buf = p.buf[:rest]
	return frames, nil
}

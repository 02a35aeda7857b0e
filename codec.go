package cryptopool

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// encoder appends little-endian fields to a growing payload. The first error sticks.
type encoder struct {
	kind PacketKind
	buf  []byte
	err  error
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) varBytes(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		e.fail(&OversizedPacketError{Kind: e.kind, Size: uint64(len(b))})
		return
	}
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) varString(s string) {
	if uint64(len(s)) > math.MaxUint32 {
		e.fail(&OversizedPacketError{Kind: e.kind, Size: uint64(len(s))})
		return
	}
	e.buf = binary.AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) list(items [][]byte) {
	if uint64(len(items)) > math.MaxUint32 {
		e.fail(&OversizedPacketError{Kind: e.kind, Size: uint64(len(items))})
		return
	}
	e.buf = binary.AppendUvarint(e.buf, uint64(len(items)))
	for _, item := range items {
		e.varBytes(item)
	}
}

func (e *encoder) fixed(b []byte, size int, field string) {
	if len(b) != size {
		e.fail(&MalformedPacketError{Kind: e.kind, Reason: fmt.Sprintf("%s must be %d bytes, got %d", field, size, len(b))})
		return
	}
	e.buf = append(e.buf, b...)
}

func (e *encoder) packed(v any) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		e.fail(&MalformedPacketError{Kind: e.kind, Reason: err.Error()})
		return
	}
	e.varBytes(b)
}

func (e *encoder) packetError(pe *PacketError) {
	e.varString(pe.Type)
	e.varString(pe.Message)
	e.varString(pe.Code)
	e.varString(pe.Stack)
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// decoder consumes fields from a payload. The first error sticks and every later read
// returns zero values.
type decoder struct {
	kind PacketKind
	buf  []byte
	err  error
}

func (d *decoder) short(n int) bool {
	if d.err != nil {
		return true
	}
	if len(d.buf) < n {
		d.fail("need %d more bytes, have %d", n, len(d.buf))
		return true
	}
	return false
}

func (d *decoder) u8() uint8 {
	if d.short(1) {
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) bool() bool {
	v := d.u8()
	if v > 1 {
		d.fail("boolean byte out of range: %d", v)
		return false
	}
	return v == 1
}

func (d *decoder) u32() uint32 {
	if d.short(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) u64() uint64 {
	if d.short(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) length() int {
	if d.err != nil {
		return 0
	}
	n, read := binary.Uvarint(d.buf)
	switch {
	case read == 0:
		d.fail("truncated length prefix")
		return 0
	case read < 0 || n > math.MaxUint32:
		d.fail("length prefix overflows 32 bits")
		return 0
	}
	d.buf = d.buf[read:]
	return int(n)
}

// varBytes returns a copy so decoded packets never alias the parser's accumulator.
// A zero length decodes as nil.
func (d *decoder) varBytes() []byte {
	n := d.length()
	if n == 0 || d.short(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) varString() string {
	n := d.length()
	if n == 0 || d.short(n) {
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) list() [][]byte {
	n := d.length()
	if n == 0 || d.err != nil {
		return nil
	}
	// Each item needs at least its one-byte prefix.
	if n > len(d.buf) {
		d.fail("list count %d exceeds remaining %d bytes", n, len(d.buf))
		return nil
	}
	items := make([][]byte, n)
	for i := range items {
		items[i] = d.varBytes()
	}
	return items
}

func (d *decoder) fixed(size int) []byte {
	if d.short(size) {
		return nil
	}
	out := make([]byte, size)
	copy(out, d.buf[:size])
	d.buf = d.buf[size:]
	return out
}

func (d *decoder) packed(v any) {
	b := d.varBytes()
	if d.err != nil || b == nil {
		return
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		d.fail("decode failed: %v", err)
	}
}

func (d *decoder) packetError() *PacketError {
	return &PacketError{
		Type:    d.varString(),
		Message: d.varString(),
		Code:    d.varString(),
		Stack:   d.varString(),
	}
}

func (d *decoder) finish() error {
	if d.err == nil && len(d.buf) != 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}
	return d.err
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = &MalformedPacketError{Kind: d.kind, Reason: fmt.Sprintf(format, args...)}
	}
}

package cryptopool

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	ValueNil ValueKind = iota
	ValueBool
	ValueInt
	ValueBytes
	ValueString
	ValueList
)

// Value is the closed union of argument types an Event may carry across the pipe.
// The zero Value is nil.
type Value struct {
	kind  ValueKind
	b     bool
	i     int64
	raw   []byte
	s     string
	items []Value
}

func Bool(b bool) Value { return Value{kind: ValueBool, b: b} }
func Int(i int64) Value { return Value{kind: ValueInt, i: i} }
func String(s string) Value { return Value{kind: ValueString, s: s} }

// Bytes wraps b. Nil and empty slices are the same value.
func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: ValueBytes, raw: b}
}

// List wraps items. An empty list holds no slice.
func List(items ...Value) Value {
	if len(items) == 0 {
		items = nil
	}
	return Value{kind: ValueList, items: items}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Bool() bool { return v.b }
func (v Value) Int() int64 { return v.i }
func (v Value) Bytes() []byte { return v.raw }
func (v Value) Str() string { return v.s }
func (v Value) Items() []Value { return v.items }

// Interface returns the value as a plain Go value, mainly for logging.
func (v Value) Interface() any {
	switch v.kind {
	case ValueBool:
		return v.b
	case ValueInt:
		return v.i
	case ValueBytes:
		return v.raw
	case ValueString:
		return v.s
	case ValueList:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Interface()
		}
		return out
	}
	return nil
}

var (
	_ msgpack.CustomEncoder = Value{}
	_ msgpack.CustomDecoder = (*Value)(nil)
)

// EncodeMsgpack writes the value using the matching native msgpack type.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch v.kind {
	case ValueNil:
		return enc.EncodeNil()
	case ValueBool:
		return enc.EncodeBool(v.b)
	case ValueInt:
		return enc.EncodeInt(v.i)
	case ValueBytes:
		// EncodeBytes writes nil for a nil slice, which would decode as ValueNil.
		if err := enc.EncodeBytesLen(len(v.raw)); err != nil {
			return err
		}
		_, err := enc.Writer().Write(v.raw)
		return err
	case ValueString:
		return enc.EncodeString(v.s)
	case ValueList:
		if err := enc.EncodeArrayLen(len(v.items)); err != nil {
			return err
		}
		for i := range v.items {
			if err := v.items[i].EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown value kind %d", v.kind)
}

// DecodeMsgpack reads any msgpack value representable by the union.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	out, err := valueOf(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func valueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return Bool(t), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > 1<<63-1 {
			return Value{}, fmt.Errorf("integer %d overflows int64", t)
		}
		return Int(int64(t)), nil
	case []byte:
		return Bytes(t), nil
	case string:
		return String(t), nil
	case []any:
		if len(t) == 0 {
			return List(), nil
		}
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := valueOf(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = v
		}
		return List(items...), nil
	}
	return Value{}, fmt.Errorf("unsupported event value type %T", x)
}

// Event is a named, fire-and-forget notification that either side may send.
type Event struct {
	Name string
	Args []Value
}

// NewEvent builds an Event.
func NewEvent(name string, args ...Value) Event {
	return Event{Name: name, Args: args}
}

// Package codec holds the named decode/encode pairs that turn a DID's raw
// payload into a structured value and back. Per the "codec dispatch"
// design note, variants are a closed set resolved by name from a
// registry rather than by reflection, so a DID catalog referencing an
// unknown codec fails at load time instead of at decode time.
package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec decodes a DID's raw payload into a structured value and encodes a
// value back into the raw bytes the device expects. Implementations are
// stateless and safe for concurrent use — the registry itself is the only
// shared mutable state, and it is built once at startup.
type Codec interface {
	Decode(raw []byte, args map[string]any) (any, error)
	Encode(value any, args map[string]any) ([]byte, error)
}

// Name enumerates the closed set of codec kinds this adapter understands.
// Catalog entries reference one of these by string; anything else is a
// boot-time configuration error.
type Name string

const (
	NameUint8       Name = "uint8"
	NameUint16      Name = "uint16"
	NameUint16BE    Name = "uint16be"
	NameInt16       Name = "int16"
	NameBCD         Name = "bcd"
	NameASCII       Name = "ascii"
	NameEnum        Name = "enum"
	NameScaledFloat Name = "scaled_float"
	NameBytes       Name = "bytes"
	NameStruct      Name = "struct"
)

// Registry is the closed lookup table from codec name to implementation.
type Registry struct {
	codecs map[Name]Codec
}

// NewRegistry builds the standard registry. There is exactly one of these
// per process; it never changes after construction.
func NewRegistry() *Registry {
	return &Registry{codecs: map[Name]Codec{
		NameUint8:       uint8Codec{},
		NameUint16:      uint16Codec{bigEndian: false},
		NameUint16BE:    uint16Codec{bigEndian: true},
		NameInt16:       int16Codec{},
		NameBCD:         bcdCodec{},
		NameASCII:       asciiCodec{},
		NameEnum:        enumCodec{},
		NameScaledFloat: scaledFloatCodec{},
		NameBytes:       bytesCodec{},
		NameStruct:      structCodec{},
	}}
}

// Lookup resolves a codec by name, failing loudly for anything outside
// the closed set so catalog loading can surface the error at boot.
func (r *Registry) Lookup(name string) (Codec, error) {
	c, ok := r.codecs[Name(name)]
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec name %q", name)
	}
	return c, nil
}

// --- uint8 ---

type uint8Codec struct{}

func (uint8Codec) Decode(raw []byte, _ map[string]any) (any, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("uint8: expected 1 byte, got %d", len(raw))
	}
	return uint64(raw[0]), nil
}

func (uint8Codec) Encode(value any, _ map[string]any) ([]byte, error) {
	v, err := toUint64(value)
	if err != nil {
		return nil, err
	}
	return []byte{byte(v)}, nil
}

// --- uint16 (little/big endian) ---

type uint16Codec struct{ bigEndian bool }

func (c uint16Codec) Decode(raw []byte, _ map[string]any) (any, error) {
	if len(raw) != 2 {
		return nil, fmt.Errorf("uint16: expected 2 bytes, got %d", len(raw))
	}
	if c.bigEndian {
		return uint64(raw[0])<<8 | uint64(raw[1]), nil
	}
	return uint64(raw[1])<<8 | uint64(raw[0]), nil
}

func (c uint16Codec) Encode(value any, _ map[string]any) ([]byte, error) {
	v, err := toUint64(value)
	if err != nil {
		return nil, err
	}
	if c.bigEndian {
		return []byte{byte(v >> 8), byte(v)}, nil
	}
	return []byte{byte(v), byte(v >> 8)}, nil
}

// --- int16 (big endian, signed) ---

type int16Codec struct{}

func (int16Codec) Decode(raw []byte, _ map[string]any) (any, error) {
	if len(raw) != 2 {
		return nil, fmt.Errorf("int16: expected 2 bytes, got %d", len(raw))
	}
	return int64(int16(uint16(raw[0])<<8 | uint16(raw[1]))), nil
}

func (int16Codec) Encode(value any, _ map[string]any) ([]byte, error) {
	v, err := toInt64(value)
	if err != nil {
		return nil, err
	}
	u := uint16(int16(v))
	return []byte{byte(u >> 8), byte(u)}, nil
}

// --- bcd (binary-coded decimal, one byte = two decimal digits) ---

type bcdCodec struct{}

func (bcdCodec) Decode(raw []byte, _ map[string]any) (any, error) {
	var sb strings.Builder
	for _, b := range raw {
		hi := b >> 4
		lo := b & 0x0F
		if hi > 9 || lo > 9 {
			return nil, fmt.Errorf("bcd: invalid nibble in byte 0x%02X", b)
		}
		fmt.Fprintf(&sb, "%d%d", hi, lo)
	}
	return sb.String(), nil
}

func (bcdCodec) Encode(value any, _ map[string]any) ([]byte, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("bcd: expected string value, got %T", value)
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := strconv.Atoi(string(s[i*2]))
		if err != nil {
			return nil, fmt.Errorf("bcd: %w", err)
		}
		lo, err := strconv.Atoi(string(s[i*2+1]))
		if err != nil {
			return nil, fmt.Errorf("bcd: %w", err)
		}
		out[i] = byte(hi<<4 | lo)
	}
	return out, nil
}

// --- ascii ---

type asciiCodec struct{}

func (asciiCodec) Decode(raw []byte, _ map[string]any) (any, error) {
	return strings.TrimRight(string(raw), "\x00"), nil
}

func (asciiCodec) Encode(value any, _ map[string]any) ([]byte, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("ascii: expected string value, got %T", value)
	}
	return []byte(s), nil
}

// --- enum (raw byte mapped through codecArgs["values"]) ---

type enumCodec struct{}

func (enumCodec) Decode(raw []byte, args map[string]any) (any, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("enum: expected 1 byte, got %d", len(raw))
	}
	values, _ := args["values"].(map[string]any)
	key := strconv.Itoa(int(raw[0]))
	if label, ok := values[key]; ok {
		return label, nil
	}
	return fmt.Sprintf("unknown(%d)", raw[0]), nil
}

func (enumCodec) Encode(value any, args map[string]any) ([]byte, error) {
	label, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("enum: expected string value, got %T", value)
	}
	values, _ := args["values"].(map[string]any)
	for key, v := range values {
		if v == label {
			n, err := strconv.Atoi(key)
			if err != nil {
				return nil, err
			}
			return []byte{byte(n)}, nil
		}
	}
	return nil, fmt.Errorf("enum: unknown label %q", label)
}

// --- scaled_float (uint16 big-endian raw, divided by codecArgs["scale"]) ---

type scaledFloatCodec struct{}

func (scaledFloatCodec) Decode(raw []byte, args map[string]any) (any, error) {
	if len(raw) != 2 {
		return nil, fmt.Errorf("scaled_float: expected 2 bytes, got %d", len(raw))
	}
	scale := scaleOf(args)
	raw16 := uint16(raw[0])<<8 | uint16(raw[1])
	return float64(raw16) / scale, nil
}

func (scaledFloatCodec) Encode(value any, args map[string]any) ([]byte, error) {
	f, err := toFloat64(value)
	if err != nil {
		return nil, err
	}
	scale := scaleOf(args)
	raw16 := uint16(f * scale)
	return []byte{byte(raw16 >> 8), byte(raw16)}, nil
}

func scaleOf(args map[string]any) float64 {
	if s, ok := args["scale"]; ok {
		if f, err := toFloat64(s); err == nil && f != 0 {
			return f
		}
	}
	return 10
}

// --- bytes (passthrough; used for opaque/undecoded payloads) ---

type bytesCodec struct{}

func (bytesCodec) Decode(raw []byte, _ map[string]any) (any, error) {
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (bytesCodec) Encode(value any, _ map[string]any) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes: expected []byte value, got %T", value)
	}
	return b, nil
}

// --- struct (CBOR-encoded nested payload, e.g. fault-log or table DIDs) ---
//
// Some device-specific DIDs pack a small table of readings into one
// payload (the E3 bus error-history DID is the canonical example). Those
// are modeled as a CBOR-encoded array/map the same way the teacher's
// usock CBOR messages packed nested typed values — decode here yields a
// nested Go value the Decode Sink's tree view can walk directly.

type structCodec struct{}

func (structCodec) Decode(raw []byte, _ map[string]any) (any, error) {
	var v any
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("struct: cbor decode: %w", err)
	}
	return normalizeCBOR(v), nil
}

func (structCodec) Encode(value any, _ map[string]any) ([]byte, error) {
	b, err := cbor.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("struct: cbor encode: %w", err)
	}
	return b, nil
}

// normalizeCBOR converts cbor's map[interface{}]interface{} decode shape
// into map[string]interface{}, mirroring the teacher's own
// convertToString/convertToInt coercion helpers.
func normalizeCBOR(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeCBOR(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeCBOR(val)
		}
		return out
	default:
		return v
	}
}

func toUint64(v any) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case int:
		return uint64(t), nil
	case int64:
		return uint64(t), nil
	case float64:
		return uint64(t), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", v)
	}
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", v)
	}
}

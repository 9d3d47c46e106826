package corvus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Codec type tags. Each serialized value is stored with one of these in its
// pair slot's key_type/value_type byte (outside the bytes Serialize
// returns), so heterogeneous values can coexist in the same fixed-width
// slot.
const (
	TagInt byte = iota
	TagFloat
	TagString
	TagList
	TagMap
	TagUUID
)

// Value is the typed value universe the codec (C1) knows how to serialize:
// signed integer, floating-point, string, list of any supported value,
// mapping from string keys to any supported value, and a UUID-like 16-byte
// token. The Tag field is the discriminant; exactly one of the payload
// fields is meaningful for a given Tag.
type Value struct {
	Tag   byte
	Int   int64
	Float float64
	Str   string
	List  []Value
	Map   map[string]Value
	UUID  uuid.UUID
}

func NewInt(v int64) Value        { return Value{Tag: TagInt, Int: v} }
func NewFloat(v float64) Value    { return Value{Tag: TagFloat, Float: v} }
func NewString(v string) Value    { return Value{Tag: TagString, Str: v} }
func NewList(v []Value) Value     { return Value{Tag: TagList, List: v} }
func NewMap(v map[string]Value) Value { return Value{Tag: TagMap, Map: v} }
func NewUUID(v uuid.UUID) Value   { return Value{Tag: TagUUID, UUID: v} }

// jsonValue mirrors Value for JSON round-tripping of the List/Map variants,
// since spec.md's container types are defined recursively over the same
// value universe rather than over bare interface{}.
type jsonValue struct {
	T byte        `json:"t"`
	V interface{} `json:"v"`
}

func (v Value) toJSONValue() jsonValue {
	switch v.Tag {
	case TagInt:
		return jsonValue{T: TagInt, V: v.Int}
	case TagFloat:
		return jsonValue{T: TagFloat, V: v.Float}
	case TagString:
		return jsonValue{T: TagString, V: v.Str}
	case TagUUID:
		return jsonValue{T: TagUUID, V: v.UUID.String()}
	case TagList:
		out := make([]jsonValue, len(v.List))
		for i, e := range v.List {
			out[i] = e.toJSONValue()
		}
		return jsonValue{T: TagList, V: out}
	case TagMap:
		out := make(map[string]jsonValue, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.toJSONValue()
		}
		return jsonValue{T: TagMap, V: out}
	default:
		return jsonValue{}
	}
}

func fromJSONValue(jv jsonValue) (Value, error) {
	switch jv.T {
	case TagInt:
		return Value{Tag: TagInt, Int: int64(asFloat(jv.V))}, nil
	case TagFloat:
		return Value{Tag: TagFloat, Float: asFloat(jv.V)}, nil
	case TagString:
		s, ok := jv.V.(string)
		if !ok {
			return Value{}, ErrCorruptData
		}
		return Value{Tag: TagString, Str: s}, nil
	case TagUUID:
		s, ok := jv.V.(string)
		if !ok {
			return Value{}, ErrCorruptData
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		return Value{Tag: TagUUID, UUID: id}, nil
	case TagList:
		raw, ok := jv.V.([]interface{})
		if !ok {
			return Value{}, ErrCorruptData
		}
		list := make([]Value, len(raw))
		for i, e := range raw {
			child, err := decodeJSONElement(e)
			if err != nil {
				return Value{}, err
			}
			list[i] = child
		}
		return Value{Tag: TagList, List: list}, nil
	case TagMap:
		raw, ok := jv.V.(map[string]interface{})
		if !ok {
			return Value{}, ErrCorruptData
		}
		m := make(map[string]Value, len(raw))
		for k, e := range raw {
			child, err := decodeJSONElement(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = child
		}
		return Value{Tag: TagMap, Map: m}, nil
	default:
		return Value{}, ErrCorruptData
	}
}

// decodeJSONElement re-decodes a nested element that json.Unmarshal already
// turned into map[string]interface{} (since the nested jsonValue struct
// loses its concrete type through the generic interface{} list/map slots).
func decodeJSONElement(e interface{}) (Value, error) {
	raw, ok := e.(map[string]interface{})
	if !ok {
		return Value{}, ErrCorruptData
	}
	tf, ok := raw["t"].(float64)
	if !ok {
		return Value{}, ErrCorruptData
	}
	return fromJSONValue(jsonValue{T: byte(tf), V: raw["v"]})
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// Serialize encodes a value to its raw byte representation, without the
// slot padding or length prefix added by the pair codec. It fails with
// ErrValueSerializationError when the encoded length would exceed maxLen (a
// non-positive maxLen disables the check).
func Serialize(v Value, maxLen int) ([]byte, error) {
	var out []byte

	switch v.Tag {
	case TagInt:
		out = make([]byte, 8)
		binary.BigEndian.PutUint64(out, uint64(v.Int))
	case TagFloat:
		out = make([]byte, 8)
		binary.BigEndian.PutUint64(out, math.Float64bits(v.Float))
	case TagString:
		out = []byte(v.Str)
	case TagUUID:
		out = append([]byte(nil), v.UUID[:]...)
	case TagList, TagMap:
		encoded, err := json.Marshal(v.toJSONValue())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValueSerializationError, err)
		}
		out = encoded
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrValueSerializationError, v.Tag)
	}

	if maxLen > 0 && len(out) > maxLen {
		return nil, fmt.Errorf("%w: encoded length %d exceeds slot size %d", ErrValueSerializationError, len(out), maxLen)
	}

	return out, nil
}

// Deserialize decodes raw bytes back into a Value given its type tag.
// It fails with ErrCorruptData on an unknown tag or malformed bytes.
func Deserialize(tag byte, data []byte) (Value, error) {
	switch tag {
	case TagInt:
		if len(data) != 8 {
			return Value{}, fmt.Errorf("%w: int requires 8 bytes, got %d", ErrCorruptData, len(data))
		}
		return Value{Tag: TagInt, Int: int64(binary.BigEndian.Uint64(data))}, nil
	case TagFloat:
		if len(data) != 8 {
			return Value{}, fmt.Errorf("%w: float requires 8 bytes, got %d", ErrCorruptData, len(data))
		}
		return Value{Tag: TagFloat, Float: math.Float64frombits(binary.BigEndian.Uint64(data))}, nil
	case TagString:
		return Value{Tag: TagString, Str: string(data)}, nil
	case TagUUID:
		if len(data) != 16 {
			return Value{}, fmt.Errorf("%w: uuid requires 16 bytes, got %d", ErrCorruptData, len(data))
		}
		var id uuid.UUID
		copy(id[:], data)
		return Value{Tag: TagUUID, UUID: id}, nil
	case TagList, TagMap:
		var jv jsonValue
		if err := json.Unmarshal(data, &jv); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		return fromJSONValue(jv)
	default:
		return Value{}, fmt.Errorf("%w: unknown codec tag %d", ErrCorruptData, tag)
	}
}

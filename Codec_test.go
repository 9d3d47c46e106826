package corvus

import (
	"testing"

	"github.com/google/uuid"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	cases := []Value{
		NewInt(-42),
		NewFloat(3.14159),
		NewString("hello corvus"),
		NewUUID(uuid.New()),
		NewList([]Value{NewInt(1), NewString("two"), NewFloat(3.0)}),
		NewMap(map[string]Value{
			"a": NewInt(1),
			"b": NewList([]Value{NewString("nested"), NewMap(map[string]Value{"c": NewInt(2)})}),
		}),
	}

	for _, v := range cases {
		encoded, err := Serialize(v, 0)
		if err != nil {
			t.Fatalf("Serialize(%v) failed: %v", v, err)
		}
		decoded, err := Deserialize(v.Tag, encoded)
		if err != nil {
			t.Fatalf("Deserialize failed: %v", err)
		}
		if !valuesEqual(v, decoded) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, v)
		}
	}
}

func TestSerializeExceedsMaxLen(t *testing.T) {
	_, err := Serialize(NewString("this string is far too long"), 4)
	if err == nil {
		t.Fatal("expected ErrValueSerializationError, got nil")
	}
}

func TestDeserializeWrongWidth(t *testing.T) {
	_, err := Deserialize(TagInt, []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected ErrCorruptData for short int payload, got nil")
	}
}

func TestDeserializeUnknownTag(t *testing.T) {
	_, err := Deserialize(255, []byte{0})
	if err == nil {
		t.Fatal("expected ErrCorruptData for unknown tag, got nil")
	}
}

func valuesEqual(a, b Value) bool {
	if a.Tag != b.Tag {
		return false
	}
	switch a.Tag {
	case TagInt:
		return a.Int == b.Int
	case TagFloat:
		return a.Float == b.Float
	case TagString:
		return a.Str == b.Str
	case TagUUID:
		return a.UUID == b.UUID
	case TagList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !valuesEqual(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case TagMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

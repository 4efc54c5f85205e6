package codec

import "testing"

func TestRegistryLookupUnknownFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("not_a_real_codec"); err == nil {
		t.Fatal("expected error for unknown codec name")
	}
}

func TestUint16RoundTrip(t *testing.T) {
	r := NewRegistry()
	c, err := r.Lookup(string(NameUint16))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	raw := []byte{0xC2, 0x01}
	v, err := c.Decode(raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	encoded, err := c.Encode(v, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(encoded) != string(raw) {
		t.Errorf("round trip mismatch: got %v, want %v", encoded, raw)
	}
}

func TestInt16Negative(t *testing.T) {
	r := NewRegistry()
	c, _ := r.Lookup(string(NameInt16))
	v, err := c.Decode([]byte{0xFF, 0xF6}, nil) // -10
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.(int64) != -10 {
		t.Errorf("expected -10, got %v", v)
	}
}

func TestScaledFloat(t *testing.T) {
	r := NewRegistry()
	c, _ := r.Lookup(string(NameScaledFloat))
	v, err := c.Decode([]byte{0x00, 0xC8}, map[string]any{"scale": 10.0}) // 200/10
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.(float64) != 20.0 {
		t.Errorf("expected 20.0, got %v", v)
	}
}

func TestEnumUnknownFallsBackToLabel(t *testing.T) {
	r := NewRegistry()
	c, _ := r.Lookup(string(NameEnum))
	v, err := c.Decode([]byte{7}, map[string]any{"values": map[string]any{"1": "on"}})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v != "unknown(7)" {
		t.Errorf("expected unknown(7), got %v", v)
	}
}

func TestStructCodecRoundTrip(t *testing.T) {
	r := NewRegistry()
	c, _ := r.Lookup(string(NameStruct))
	raw, err := c.Encode(map[string]any{"count": int64(3)}, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	v, err := c.Decode(raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", v)
	}
	if m["count"] != uint64(3) {
		t.Errorf("expected count=3, got %v", m["count"])
	}
}

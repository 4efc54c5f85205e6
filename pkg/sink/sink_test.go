package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vitocan-oss/e3-uds-adapter/pkg/codec"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/didcatalog"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func testCatalog(t *testing.T) *didcatalog.Catalog {
	dir := t.TempDir()
	common := writeFile(t, dir, "common.yaml", `
version: "1.0"
dids:
  - did: 0x018C
    symbolicId: OutsideTemp
    declaredLen: 2
    codec: scaled_float
    codecArgs:
      scale: 10
`)
	cat, err := didcatalog.Load(common, "")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return cat
}

// TestSymbolicIDUnknownDidFallsBackToDeviceSpecific exercises the
// no-catalog-entry path without needing a live Redis instance.
func TestSymbolicIDUnknownDidFallsBackToDeviceSpecific(t *testing.T) {
	cat := testCatalog(t)
	s := New(nil, cat, codec.NewRegistry(), "test")

	if got := s.SymbolicID(0xFFFF); got != "DeviceSpecific" {
		t.Errorf("expected DeviceSpecific, got %s", got)
	}
	if got := s.SymbolicID(0x018C); got != "OutsideTemp" {
		t.Errorf("expected OutsideTemp, got %s", got)
	}
}

func TestDecodeLengthMismatchFallsBackToDeviceSpecific(t *testing.T) {
	cat := testCatalog(t)
	s := New(nil, cat, codec.NewRegistry(), "test")

	symbolicID, _, deviceSpecific := s.decode(0x018C, []byte{0x01})
	if !deviceSpecific {
		t.Fatal("expected deviceSpecific=true on length mismatch")
	}
	if symbolicID != "DeviceSpecific" {
		t.Errorf("expected DeviceSpecific, got %s", symbolicID)
	}
}

func TestDecodeOnlyDoesNotRequireRedis(t *testing.T) {
	cat := testCatalog(t)
	s := New(nil, cat, codec.NewRegistry(), "test")

	symbolicID, value := s.DecodeOnly(0x018C, []byte{0xC2, 0x01})
	if symbolicID != "OutsideTemp" {
		t.Errorf("expected OutsideTemp, got %s", symbolicID)
	}
	f, ok := value.(float64)
	if !ok {
		t.Fatalf("expected float64 value, got %T", value)
	}
	if f <= 0 {
		t.Errorf("expected positive decoded value, got %v", f)
	}
}

func TestDecodeOnlyUnknownDidReturnsHex(t *testing.T) {
	cat := testCatalog(t)
	s := New(nil, cat, codec.NewRegistry(), "test")

	symbolicID, value := s.DecodeOnly(0xFFFF, []byte{0xAB, 0xCD})
	if symbolicID != "DeviceSpecific" {
		t.Errorf("expected DeviceSpecific, got %s", symbolicID)
	}
	if value != "abcd" {
		t.Errorf("expected hex \"abcd\", got %v", value)
	}
}

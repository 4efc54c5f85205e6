package supervisor

import (
	"testing"
	"time"

	"github.com/vitocan-oss/e3-uds-adapter/pkg/canbus"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/session"
)

type fakeChannel struct {
	handler canbus.Handler
	sent    []canbus.Frame
}

func (f *fakeChannel) Send(fr canbus.Frame) error {
	f.sent = append(f.sent, fr)
	return nil
}
func (f *fakeChannel) SetHandler(h canbus.Handler) { f.handler = h }
func (f *fakeChannel) Start() error                { return nil }
func (f *fakeChannel) Close() error                { return nil }

type fakeSink struct{}

func (fakeSink) PublishRead(did uint16, raw []byte) (string, any)   { return "x", raw }
func (fakeSink) DecodeOnly(did uint16, raw []byte) (string, any)    { return "x", raw }
func (fakeSink) SymbolicID(did uint16) string                       { return "x" }
func (fakeSink) PublishStats(statePrefix string, st *session.Statistics) {}

func TestAddDeviceRegistersByDerivedRxID(t *testing.T) {
	ch := &fakeChannel{}
	sv := New(ch)
	sv.AddDevice(DeviceConfig{TxID: 0x7E0, TimeoutMs: 100, StatePrefix: "boiler"}, fakeSink{})

	if _, ok := sv.Session(0x7F0); !ok {
		t.Fatal("expected session registered under derived rxId 0x7F0")
	}
}

func TestOnFrameRoutesToMatchingSession(t *testing.T) {
	ch := &fakeChannel{}
	sv := New(ch)
	sv.AddDevice(DeviceConfig{TxID: 0x7E0, TimeoutMs: 100, StatePrefix: "boiler"}, fakeSink{})
	s, _ := sv.Session(0x7F0)

	s.SetOpMode(session.Normal)
	s.Start()
	defer s.Stop()

	s.ReadByDid(0x018C)
	time.Sleep(60 * time.Millisecond) // let the 40ms drain tick fire

	sv.onFrame(canbus.Frame{ID: 0x7F0, Data: [8]byte{0x05, 0x62, 0x01, 0x8C, 0xC2, 0x01, 0x55, 0x55}})
	time.Sleep(20 * time.Millisecond)

	if s.State() != session.Idle {
		t.Fatalf("expected session to return to Idle after routed frame, got %v", s.State())
	}
}

func TestOnFrameIgnoresUnknownRxID(t *testing.T) {
	ch := &fakeChannel{}
	sv := New(ch)
	sv.AddDevice(DeviceConfig{TxID: 0x7E0, TimeoutMs: 100, StatePrefix: "boiler"}, fakeSink{})

	// Must not panic when no session owns this id.
	sv.onFrame(canbus.Frame{ID: 0x123})
}

func TestHandleCommandReadDispatchesToNamedSession(t *testing.T) {
	ch := &fakeChannel{}
	sv := New(ch)
	s := sv.AddDevice(DeviceConfig{TxID: 0x7E0, TimeoutMs: 100, StatePrefix: "boiler"}, fakeSink{})
	s.SetOpMode(session.Normal)
	s.Start()
	defer s.Stop()

	sv.handleCommand(`{"op":"read","device":"boiler","dids":[396]}`)
	time.Sleep(60 * time.Millisecond) // let the drain tick pop and send

	if len(ch.sent) == 0 {
		t.Fatal("expected a frame sent after a read command was dispatched")
	}
}

func TestHandleCommandOpModeStandbyHaltsDrain(t *testing.T) {
	ch := &fakeChannel{}
	sv := New(ch)
	s := sv.AddDevice(DeviceConfig{TxID: 0x7E0, TimeoutMs: 100, StatePrefix: "boiler"}, fakeSink{})
	s.Start()
	defer s.Stop()

	sv.handleCommand(`{"op":"opMode","device":"boiler","mode":"Standby"}`)
	sv.handleCommand(`{"op":"read","device":"boiler","dids":[396]}`)
	time.Sleep(60 * time.Millisecond)

	if len(ch.sent) != 0 {
		t.Fatalf("expected no frame sent while opMode is Standby, got %d", len(ch.sent))
	}
}

func TestHandleCommandUnknownDeviceIsIgnored(t *testing.T) {
	ch := &fakeChannel{}
	sv := New(ch)
	sv.AddDevice(DeviceConfig{TxID: 0x7E0, TimeoutMs: 100, StatePrefix: "boiler"}, fakeSink{})

	// Must not panic on an envelope naming a device that isn't registered.
	sv.handleCommand(`{"op":"read","device":"nonexistent","dids":[1]}`)
}

func TestHandleCommandMalformedEnvelopeIsIgnored(t *testing.T) {
	ch := &fakeChannel{}
	sv := New(ch)
	sv.AddDevice(DeviceConfig{TxID: 0x7E0, TimeoutMs: 100, StatePrefix: "boiler"}, fakeSink{})

	// Must not panic on invalid JSON.
	sv.handleCommand(`not json`)
}

func TestWrite77CompanionIsLazyAndCached(t *testing.T) {
	ch := &fakeChannel{}
	sv := New(ch)

	c1 := sv.Write77Companion(0x7E0, 100, "boiler", fakeSink{})
	c2 := sv.Write77Companion(0x7E0, 100, "boiler", fakeSink{})
	if c1 != c2 {
		t.Fatal("expected the same companion session on repeated calls")
	}
	if c1.Config().TxID != 0x7E2 {
		t.Errorf("expected companion txId 0x7E2, got %04X", c1.Config().TxID)
	}
	if c1.Config().RxID != 0x7F2 {
		t.Errorf("expected companion rxId 0x7F2, got %04X", c1.Config().RxID)
	}
	c1.Stop()
}

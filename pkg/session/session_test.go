package session

import (
	"testing"
	"time"

	"github.com/vitocan-oss/e3-uds-adapter/pkg/canbus"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/queue"
)

// fakeChannel records every frame sent through it, the way
// KeesTucker-husk/drivers/arduino_test.go's MockSerialPort records writes
// for later assertion.
type fakeChannel struct {
	sent []canbus.Frame
}

func (f *fakeChannel) Send(fr canbus.Frame) error {
	f.sent = append(f.sent, fr)
	return nil
}
func (f *fakeChannel) SetHandler(canbus.Handler) {}
func (f *fakeChannel) Start() error              { return nil }
func (f *fakeChannel) Close() error              { return nil }

// fakeSink is a minimal Sink that just hands back a fixed symbolic id and
// the raw bytes as the value, for assertions that don't care about codec
// behavior (codec round-tripping is covered in pkg/codec).
type fakeSink struct {
	published  map[uint16][]byte
	statsCalls int
}

func newFakeSink() *fakeSink { return &fakeSink{published: make(map[uint16][]byte)} }

func (f *fakeSink) PublishRead(did uint16, raw []byte) (string, any) {
	f.published[did] = append([]byte(nil), raw...)
	return "test_did", append([]byte(nil), raw...)
}
func (f *fakeSink) DecodeOnly(did uint16, raw []byte) (string, any) {
	return "test_did", append([]byte(nil), raw...)
}
func (f *fakeSink) SymbolicID(did uint16) string { return "test_did" }
func (f *fakeSink) PublishStats(statePrefix string, st *Statistics) {
	f.statsCalls++
}

func newTestSession() (*Session, *fakeChannel) {
	ch := &fakeChannel{}
	cfg := NewSessionConfig(0x7E0, 0, "test", ch)
	s := New(cfg, newFakeSink())
	s.SetOpMode(Normal)
	return s, ch
}

func frameOf(b ...byte) canbus.Frame {
	var d [8]byte
	copy(d[:], b)
	return canbus.Frame{ID: 0x7E8, Data: d}
}

func TestSFReadSuccess(t *testing.T) {
	s, ch := newTestSession()
	var got Outcome
	s.SetCallback(func(o Outcome) { got = o })

	s.ReadByDid(0x018C)
	s.drainTick(time.Now())

	if s.State() != AwaitReadHead {
		t.Fatalf("expected AwaitReadHead, got %v", s.State())
	}
	if len(ch.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(ch.sent))
	}
	want := frameOf(0x03, 0x22, 0x01, 0x8C, 0, 0, 0, 0)
	if ch.sent[0] != want {
		t.Fatalf("unexpected request frame: %v", ch.sent[0])
	}

	s.handleFrame(frameOf(0x05, 0x62, 0x01, 0x8C, 0xC2, 0x01, 0x55, 0x55))

	if s.State() != Idle {
		t.Fatalf("expected Idle after completion, got %v", s.State())
	}
	ok, isOk := got.(OutcomeOk)
	if !isOk {
		t.Fatalf("expected OutcomeOk, got %T", got)
	}
	if ok.Length != 2 {
		t.Errorf("expected length 2, got %d", ok.Length)
	}
	if s.stats.CntOk != 1 {
		t.Errorf("expected CntOk=1, got %d", s.stats.CntOk)
	}
}

func TestMFReadSuccess(t *testing.T) {
	s, ch := newTestSession()
	var got Outcome
	s.SetCallback(func(o Outcome) { got = o })

	s.ReadByDid(0x0100)
	s.drainTick(time.Now())

	want := frameOf(0x03, 0x22, 0x01, 0x00, 0, 0, 0, 0)
	if ch.sent[0] != want {
		t.Fatalf("unexpected request frame: %v", ch.sent[0])
	}

	s.handleFrame(frameOf(0x10, 0x27, 0x62, 0x01, 0x00, 0x01, 0x02, 0x1F))
	if s.State() != AwaitReadCF {
		t.Fatalf("expected AwaitReadCF, got %v", s.State())
	}
	if len(ch.sent) != 2 || ch.sent[1] != frameOf(0x30, 0, 0, 0, 0, 0, 0, 0) {
		t.Fatalf("expected a flow control frame after FF, got %v", ch.sent)
	}

	cfs := [][8]byte{
		{0x21, 0x09, 0x14, 0x00, 0xFD, 0x01, 0x01, 0x09},
		{0x22, 0xC0, 0x00, 0x02, 0x00, 0x64, 0x02, 0x65},
		{0x23, 0x00, 0x04, 0x00, 0x37, 0x34, 0x37, 0x30},
		{0x24, 0x36, 0x32, 0x38, 0x32, 0x30, 0x33, 0x33},
		{0x25, 0x30, 0x37, 0x31, 0x32, 0x38, 0x55, 0x55},
	}
	for i, cf := range cfs {
		s.handleFrame(canbus.Frame{ID: 0x7E8, Data: cf})
		if i < len(cfs)-1 && s.State() != AwaitReadCF {
			t.Fatalf("expected AwaitReadCF after CF %d, got %v", i, s.State())
		}
	}

	if s.State() != Idle {
		t.Fatalf("expected Idle after final CF, got %v", s.State())
	}
	ok, isOk := got.(OutcomeOk)
	if !isOk {
		t.Fatalf("expected OutcomeOk, got %T", got)
	}
	if ok.Length != 36 {
		t.Errorf("expected 36 accumulated bytes, got %d", ok.Length)
	}
}

func TestSFWriteSuccess(t *testing.T) {
	s, ch := newTestSession()
	var got Outcome
	s.SetCallback(func(o Outcome) { got = o })

	s.WriteByDid(0x018C, []byte{0xC2, 0x01})
	s.drainTick(time.Now())

	want := frameOf(0x05, 0x2E, 0x01, 0x8C, 0xC2, 0x01, 0, 0)
	if ch.sent[0] != want {
		t.Fatalf("unexpected write frame: %v", ch.sent[0])
	}
	if s.State() != AwaitWriteAck {
		t.Fatalf("expected AwaitWriteAck, got %v", s.State())
	}

	s.handleFrame(frameOf(0x03, 0x6E, 0x01, 0x8C, 0x55, 0x55, 0x55, 0x55))
	if _, ok := got.(OutcomeOk); !ok {
		t.Fatalf("expected OutcomeOk, got %T", got)
	}
	if s.State() != Idle {
		t.Fatalf("expected Idle, got %v", s.State())
	}
}

func TestMFWrite(t *testing.T) {
	s, ch := newTestSession()
	var got Outcome
	s.SetCallback(func(o Outcome) { got = o })

	payload := []byte{0xE6, 0x00, 0xD2, 0x00, 0x96, 0x00, 0x00, 0x00, 0x00}
	s.WriteByDid(0x01A8, payload)
	s.drainTick(time.Now())

	wantFF := frameOf(0x10, 0x0C, 0x2E, 0x01, 0xA8, 0xE6, 0x00, 0xD2)
	if ch.sent[0] != wantFF {
		t.Fatalf("unexpected FF frame: %v", ch.sent[0])
	}
	if s.State() != AwaitWriteFC {
		t.Fatalf("expected AwaitWriteFC, got %v", s.State())
	}

	s.handleFrame(frameOf(0x30, 0x00, 0x50, 0, 0, 0, 0, 0))
	if s.State() != AwaitWriteAck {
		t.Fatalf("expected AwaitWriteAck after FC, got %v", s.State())
	}
	wantCF := frameOf(0x21, 0x00, 0x96, 0x00, 0x00, 0x00, 0x00, 0x00)
	if ch.sent[1] != wantCF {
		t.Fatalf("unexpected CF frame: %v", ch.sent[1])
	}

	s.handleFrame(frameOf(0x03, 0x6E, 0x01, 0xA8, 0, 0, 0, 0))
	if _, ok := got.(OutcomeOk); !ok {
		t.Fatalf("expected OutcomeOk, got %T", got)
	}
}

func TestNegativeResponseTriggersWrite77Retry(t *testing.T) {
	s, _ := newTestSession()
	var got Outcome
	s.SetCallback(func(o Outcome) { got = o })

	s.WriteByDid(0x018C, []byte{0xC2, 0x01})
	s.drainTick(time.Now())

	s.handleFrame(frameOf(0x03, 0x7F, 0x2E, 0x31, 0, 0, 0, 0))

	nr, ok := got.(OutcomeNegativeResponse)
	if !ok {
		t.Fatalf("expected OutcomeNegativeResponse, got %T", got)
	}
	if nr.NRC != 0x31 {
		t.Errorf("expected NRC 0x31, got %02X", nr.NRC)
	}
	if s.queue.Len() != 1 {
		t.Fatalf("expected a retry command enqueued, queue len=%d", s.queue.Len())
	}
	cmd, _ := s.queue.Pop()
	if cmd.Mode != queue.Write77 {
		t.Errorf("expected retry command mode Write77, got %v", cmd.Mode)
	}
	if cmd.Did != 0x018C {
		t.Errorf("expected retry for did 0x018C, got %04X", cmd.Did)
	}
}

func TestTimeout(t *testing.T) {
	s, _ := newTestSession()
	var got Outcome
	s.SetCallback(func(o Outcome) { got = o })

	s.ReadByDid(0x0001)
	s.drainTick(time.Now())
	if s.State() != AwaitReadHead {
		t.Fatalf("expected AwaitReadHead, got %v", s.State())
	}

	s.handleTimeout()

	if _, ok := got.(OutcomeTimeout); !ok {
		t.Fatalf("expected OutcomeTimeout, got %T", got)
	}
	if s.stats.CntTimeout != 1 {
		t.Errorf("expected CntTimeout=1, got %d", s.stats.CntTimeout)
	}
	if s.stats.PerDidFailures[0x0001] != 1 {
		t.Errorf("expected PerDidFailures[1]=1, got %d", s.stats.PerDidFailures[0x0001])
	}
	if s.State() != Idle {
		t.Fatalf("expected Idle after timeout, got %v", s.State())
	}
}

func TestCooldownBlocksImmediateDrain(t *testing.T) {
	s, _ := newTestSession()
	s.SetCallback(func(Outcome) {})

	s.WriteByDid(0x018C, []byte{0x01})
	s.drainTick(time.Now())
	s.handleFrame(frameOf(0x03, 0x7F, 0x2E, 0x31, 0, 0, 0, 0)) // NegativeResponse -> 100ms cooldown

	if s.State() != Idle {
		t.Fatalf("expected Idle, got %v", s.State())
	}
	// The retry command is queued but must not dispatch before the
	// cool-down elapses.
	s.drainTick(time.Now())
	if s.State() != Idle {
		t.Fatalf("expected cool-down to block immediate drain, got state %v", s.State())
	}
}

func TestDroppedFrameWhileIdle(t *testing.T) {
	s, _ := newTestSession()
	called := false
	s.SetCallback(func(Outcome) { called = true })

	s.handleFrame(frameOf(0x05, 0x62, 0x01, 0x8C, 0xC2, 0x01, 0x55, 0x55))

	if called {
		t.Fatal("expected no callback for a frame arriving while Idle")
	}
}

func TestOverlapCountsDroppedFrame(t *testing.T) {
	s, _ := newTestSession()
	s.inboundCh <- canbus.Frame{} // fill the channel so the next send can't land
	s.onInboundFrame(canbus.Frame{})
	if s.stats.CntOverlap() != 1 {
		t.Fatalf("expected CntOverlap=1, got %d", s.stats.CntOverlap())
	}
}

func TestSetStatsPublishIntervalOverridesThrottle(t *testing.T) {
	ch := &fakeChannel{}
	sink := newFakeSink()
	cfg := NewSessionConfig(0x7E0, 0, "test", ch)
	s := New(cfg, sink)
	s.SetOpMode(Normal)
	s.SetStatsPublishInterval(0) // never throttle

	now := time.Now()
	s.maybePublishStats(now, false)
	s.maybePublishStats(now.Add(time.Millisecond), false)

	if sink.statsCalls != 2 {
		t.Fatalf("expected both publishes to fire with a zero throttle, got %d", sink.statsCalls)
	}
}

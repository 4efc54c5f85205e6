// Package session implements the ISO-TP/UDS session engine: one state
// machine per logical device address pair (txId, rxId=txId+0x10), driving
// ReadDataByIdentifier, WriteDataByIdentifier, and the vendor SID-0x77
// write variant. Concurrency shape follows the teacher's single-goroutine,
// channel-fed state machines: one goroutine owns all mutable state and is
// the only reader of inbound events, generalized here to frame-at-a-time
// ISO-TP parsing. See DESIGN.md for the full grounding ledger.
package session

import (
	"fmt"
	"log"
	"time"

	"github.com/vitocan-oss/e3-uds-adapter/pkg/canbus"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/queue"
)

// State is the session's protocol state. Idle is both the initial and
// the terminal state of every exchange.
type State int

const (
	Idle State = iota
	AwaitReadHead
	AwaitReadCF
	AwaitWriteAck
	AwaitWriteFC
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AwaitReadHead:
		return "AwaitReadHead"
	case AwaitReadCF:
		return "AwaitReadCF"
	case AwaitWriteAck:
		return "AwaitWriteAck"
	case AwaitWriteFC:
		return "AwaitWriteFC"
	default:
		return "Unknown"
	}
}

// OpMode is the coarse lifecycle switch controlling what a session does.
type OpMode int

const (
	Standby OpMode = iota
	Normal
	UdsDevScan
	UdsDidScan
	Service77
	Test
)

func (m OpMode) String() string {
	switch m {
	case Standby:
		return "Standby"
	case Normal:
		return "Normal"
	case UdsDevScan:
		return "UdsDevScan"
	case UdsDidScan:
		return "UdsDidScan"
	case Service77:
		return "Service77"
	case Test:
		return "Test"
	default:
		return "Unknown"
	}
}

// ParseOpMode parses the user command surface's opMode name (spec 6:
// "set opMode ∈ {Standby, Normal, UdsDevScan, UdsDidScan, Service77,
// Test}").
func ParseOpMode(s string) (OpMode, bool) {
	switch s {
	case "Standby":
		return Standby, true
	case "Normal":
		return Normal, true
	case "UdsDevScan":
		return UdsDevScan, true
	case "UdsDidScan":
		return UdsDidScan, true
	case "Service77":
		return Service77, true
	case "Test":
		return Test, true
	default:
		return 0, false
	}
}

// SessionConfig names one logical device address pair and its transport.
type SessionConfig struct {
	TxID        uint16
	RxID        uint16
	TimeoutMs   int
	StatePrefix string
	Channel     canbus.Channel
}

// NewSessionConfig derives RxID from TxID (rxId = txId+0x10) and applies
// the default 7500ms timeout when timeoutMs <= 0.
func NewSessionConfig(txID uint16, timeoutMs int, statePrefix string, ch canbus.Channel) SessionConfig {
	if timeoutMs <= 0 {
		timeoutMs = 7500
	}
	return SessionConfig{TxID: txID, RxID: txID + 0x10, TimeoutMs: timeoutMs, StatePrefix: statePrefix, Channel: ch}
}

// TransferBuffer tracks one in-flight exchange. Reused (reset, not
// reallocated) across exchanges the way the teacher reuses its usock
// frame buffer.
type TransferBuffer struct {
	Did               uint16
	ExpectedLen       uint16
	Bytes             []byte // inbound accumulation (read) or full outbound rawData (write)
	TxPos             int
	SeqCounter        byte
	ValueToWrite      []byte
	IsWrite77         bool
	RequestStartedAt  time.Time
}

// Sink is the Decode Sink contract a Session publishes successful reads
// through. Session never decodes payloads itself; it only forwards raw
// bytes and uses the returned symbolic id/value for its own Ok callback.
type Sink interface {
	// PublishRead decodes and publishes raw under did's symbolic id,
	// returning the same for the session's own Ok callback.
	PublishRead(did uint16, raw []byte) (symbolicID string, value any)
	// DecodeOnly decodes without publishing — the Test opMode path
	// (spec 6: "Test returns decoded values without publishing").
	DecodeOnly(did uint16, raw []byte) (symbolicID string, value any)
	SymbolicID(did uint16) string
	// PublishStats pushes the session's statistics blob to the host.
	PublishStats(statePrefix string, stats *Statistics)
}

// Session is the per-device state machine described in spec 3/4.1.
type Session struct {
	cfg   SessionConfig
	sink  Sink
	queue *queue.Queue

	schedules map[uint32]*queue.ScheduleLoop

	state         State
	buf           TransferBuffer
	opMode        OpMode
	callback      CallbackFunc
	coolDownUntil time.Time
	stats         *Statistics

	inboundCh chan canbus.Frame
	timeoutCh chan struct{}
	stopCh    chan struct{}
	timer     *time.Timer

	overlapLogged uint64

	// write77Dispatch, when set, routes a Normal-mode write's negative-
	// response retry to the SID-0x77 companion session the Supervisor
	// lazily creates (spec 4.5), instead of re-enqueueing it on this
	// session's own queue under the default SID. Nil in standalone tests.
	write77Dispatch func(did uint16, payload []byte)
}

// SetWrite77Dispatch installs the Supervisor's hook for routing a write
// retry to the SID-0x77 companion session keyed by its own rxId.
func (s *Session) SetWrite77Dispatch(fn func(did uint16, payload []byte)) {
	s.write77Dispatch = fn
}

// New builds a Session bound to cfg and sink. Call Start to begin
// draining its queue and processing inbound frames.
func New(cfg SessionConfig, sink Sink) *Session {
	return &Session{
		cfg:       cfg,
		sink:      sink,
		queue:     queue.New(),
		schedules: make(map[uint32]*queue.ScheduleLoop),
		stats:     newStatistics(),
		inboundCh: make(chan canbus.Frame, 1),
		timeoutCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		callback:  func(Outcome) {},
	}
}

func (s *Session) Config() SessionConfig { return s.cfg }
func (s *Session) State() State          { return s.state }
func (s *Session) Stats() *Statistics    { return s.stats }

func (s *Session) SetCallback(fn CallbackFunc) {
	if fn == nil {
		fn = func(Outcome) {}
	}
	s.callback = fn
}

func (s *Session) SetOpMode(m OpMode) { s.opMode = m }

// SetStatsPublishInterval overrides the default 5000ms throttle (spec
// 4.3) between PublishStats calls. Must be set before Start.
func (s *Session) SetStatsPublishInterval(d time.Duration) {
	s.stats.MinPublishInterval = d
}

// ReadByDid enqueues a read command; always accepted regardless of
// session state (spec 4.2: "pushes... are always accepted").
func (s *Session) ReadByDid(did uint16) {
	s.queue.Push(queue.Command{Mode: queue.Read, Did: did})
}

// WriteByDid enqueues a default-protocol (SID 0x2E) write command.
func (s *Session) WriteByDid(did uint16, payload []byte) {
	s.queue.Push(queue.Command{Mode: queue.Write, Did: did, Payload: payload})
}

// WriteByDid77 enqueues a vendor-variant (SID 0x77) write command.
func (s *Session) WriteByDid77(did uint16, payload []byte) {
	s.queue.Push(queue.Command{Mode: queue.Write77, Did: did, Payload: payload})
}

// AddSchedule registers a periodic (or one-shot, periodSec=0) read
// schedule keyed by its period.
func (s *Session) AddSchedule(periodSec uint32, dids []uint16) {
	loop := queue.NewScheduleLoop(periodSec, dids)
	s.schedules[periodSec] = loop
	loop.Start(s.queue.Push)
}

// Start launches the session's single event-loop goroutine. All state
// mutation happens here — onInboundFrame only ever hands a frame to this
// loop, never mutates state itself (spec 5: single-threaded cooperative
// model).
func (s *Session) Start() {
	go s.run()
}

// Stop is idempotent; it cancels the drain/timeout loop and abandons any
// in-flight exchange without firing its callback (spec 5: cancellation).
func (s *Session) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	for _, loop := range s.schedules {
		loop.Stop()
	}
	s.cancelTimeout()
}

func (s *Session) run() {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case f := <-s.inboundCh:
			s.handleFrame(f)
		case <-ticker.C:
			now := time.Now()
			s.drainTick(now)
			s.maybePublishStats(now, false)
		case <-s.timeoutCh:
			s.handleTimeout()
		}
	}
}

// Deliver is the Supervisor's entry point for handing this session a
// frame already routed to it by rx-ID.
func (s *Session) Deliver(f canbus.Frame) { s.onInboundFrame(f) }

// onInboundFrame is the Supervisor's entry point for delivering a frame
// already routed to this session by rx-ID. A full inboundCh means the
// event loop has not drained the previous frame yet — spec 4.1's
// "overlap protection" — so this drops the frame and counts it instead
// of blocking.
func (s *Session) onInboundFrame(f canbus.Frame) {
	select {
	case s.inboundCh <- f:
	default:
		s.stats.recordOverlap()
		n := s.stats.CntOverlap()
		if n == 1 || n%100 == 0 {
			log.Printf("session %04X: overlap count=%d", s.cfg.RxID, n)
		}
	}
}

func (s *Session) send(data [8]byte) error {
	return s.cfg.Channel.Send(canbus.Frame{ID: s.cfg.TxID, Data: data})
}

func (s *Session) drainTick(now time.Time) {
	if s.state != Idle {
		return
	}
	if now.Before(s.coolDownUntil) {
		return
	}
	if s.opMode == Standby {
		return
	}
	cmd, ok := s.queue.Pop()
	if !ok {
		return
	}
	switch cmd.Mode {
	case queue.Read:
		s.startRead(cmd.Did)
	case queue.Write:
		s.startWrite(cmd.Did, cmd.Payload)
	case queue.Write77:
		s.startWrite77(cmd.Did, cmd.Payload)
	}
}

// maybePublishStats honors the 5000ms throttle in spec 4.3 unless force
// bypasses it. The event loop always passes force=false; Stop does not
// flush a final snapshot.
func (s *Session) maybePublishStats(now time.Time, force bool) {
	if !s.stats.ShouldPublish(now, force) {
		return
	}
	s.sink.PublishStats(s.cfg.StatePrefix, s.stats)
	s.stats.MarkPublished(now)
}

func (s *Session) armTimeout() {
	s.cancelTimeout()
	s.timer = time.AfterFunc(time.Duration(s.cfg.TimeoutMs)*time.Millisecond, func() {
		select {
		case s.timeoutCh <- struct{}{}:
		default:
		}
	})
}

func (s *Session) cancelTimeout() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) handleTimeout() {
	if s.state == Idle {
		return
	}
	did := s.buf.Did
	o := OutcomeTimeout{Did: did, SymbolicID: s.sink.SymbolicID(did)}
	s.finish(o)
}

// finish reports the outcome, folds it into statistics, and returns the
// session to Idle with the outcome's cool-down armed.
func (s *Session) finish(o Outcome) {
	elapsed := time.Since(s.buf.RequestStartedAt)
	s.stats.recordOutcome(s.buf.Did, o, elapsed)
	s.callback(o)
	s.cancelTimeout()
	s.state = Idle
	cooldownMs := cooldownFor(o)
	s.coolDownUntil = time.Now().Add(time.Duration(cooldownMs) * time.Millisecond)
	s.buf = TransferBuffer{}
}

// --- Read exchange (spec 4.1 "Read exchange") ---

func (s *Session) startRead(did uint16) {
	s.stats.CntTotal++
	s.buf = TransferBuffer{Did: did, RequestStartedAt: time.Now()}
	s.state = AwaitReadHead
	s.armTimeout()
	s.send([8]byte{0x03, sidReadByDid, byte(did >> 8), byte(did), 0, 0, 0, 0})
}

func (s *Session) handleFrame(f canbus.Frame) {
	switch s.state {
	case Idle:
		// Ordering rule (spec 5): a frame after completion, before the
		// next command, sees Idle and is silently dropped.
		return
	case AwaitReadHead:
		s.handleReadHead(f)
	case AwaitReadCF:
		s.handleReadCF(f)
	case AwaitWriteFC:
		s.handleWriteFC(f)
	case AwaitWriteAck:
		s.handleWriteAck(f)
	default:
		s.finish(OutcomeBadState{Did: s.buf.Did, SymbolicID: s.sink.SymbolicID(s.buf.Did), State: s.state})
	}
}

func (s *Session) handleReadHead(f canbus.Frame) {
	d := f.Data
	symbolicID := s.sink.SymbolicID(s.buf.Did)

	if d[0] == 0x03 && d[1] == sidNegativeResponse && d[2] == sidReadByDid {
		s.finish(OutcomeNegativeResponse{Did: s.buf.Did, SymbolicID: symbolicID, NRC: d[3]})
		return
	}

	if d[0]>>4 == pciSingleFrame && d[1] == sidReadByDidOk {
		declaredLen := int(d[0]) - 3
		if declaredLen < 0 || declaredLen > 4 {
			s.finish(OutcomeBadFrame{Did: s.buf.Did, SymbolicID: symbolicID, Reason: "invalid SF declared length"})
			return
		}
		didRx := uint16(d[2])<<8 | uint16(d[3])
		if didRx != s.buf.Did {
			s.finish(OutcomeDidMismatch{Did: s.buf.Did, SymbolicID: symbolicID, GotDid: didRx})
			return
		}
		payload := append([]byte(nil), d[4:4+declaredLen]...)
		s.completeRead(payload)
		return
	}

	if d[0]>>4 == pciFirstFrame && d[2] == sidReadByDidOk {
		totalLen := int(uint16(d[0]&0x0F)<<8|uint16(d[1])) - 3
		if totalLen < 0 {
			s.finish(OutcomeBadFrame{Did: s.buf.Did, SymbolicID: symbolicID, Reason: "invalid FF total length"})
			return
		}
		didRx := uint16(d[3])<<8 | uint16(d[4])
		if didRx != s.buf.Did {
			s.finish(OutcomeDidMismatch{Did: s.buf.Did, SymbolicID: symbolicID, GotDid: didRx})
			return
		}
		s.buf.ExpectedLen = uint16(totalLen)
		s.buf.Bytes = append([]byte(nil), d[5:8]...)
		s.buf.SeqCounter = 0x21
		s.state = AwaitReadCF
		s.armTimeout()
		s.send(flowControlContinue)
		return
	}

	s.finish(OutcomeBadFrame{Did: s.buf.Did, SymbolicID: symbolicID, Reason: fmt.Sprintf("unexpected head frame %02X %02X %02X", d[0], d[1], d[2])})
}

func (s *Session) handleReadCF(f canbus.Frame) {
	d := f.Data
	symbolicID := s.sink.SymbolicID(s.buf.Did)
	if d[0] != s.buf.SeqCounter {
		s.finish(OutcomeBadFrame{Did: s.buf.Did, SymbolicID: symbolicID, Reason: "unexpected CF sequence"})
		return
	}
	s.buf.Bytes = append(s.buf.Bytes, d[1:8]...)
	s.buf.SeqCounter = nextSeq(s.buf.SeqCounter)
	if len(s.buf.Bytes) >= int(s.buf.ExpectedLen) {
		s.completeRead(s.buf.Bytes[:s.buf.ExpectedLen])
		return
	}
	s.armTimeout()
}

func (s *Session) completeRead(payload []byte) {
	did := s.buf.Did
	var symbolicID string
	var value any
	if s.opMode == Test {
		symbolicID, value = s.sink.DecodeOnly(did, payload)
	} else {
		symbolicID, value = s.sink.PublishRead(did, payload)
	}
	s.finish(OutcomeOk{Did: did, SymbolicID: symbolicID, Length: len(payload), Value: value})
}

// --- Write exchange (spec 4.1 "Write exchange" / "SID-0x77 variant") ---

func (s *Session) startWrite(did uint16, payload []byte) {
	rawData := make([]byte, 0, 3+len(payload))
	rawData = append(rawData, sidWriteByDid, byte(did>>8), byte(did))
	rawData = append(rawData, payload...)
	s.beginWriteTransfer(did, payload, rawData, false)
}

// startWrite77 builds the vendor-variant encapsulated block. The prefix
// carries the DID a second time at the ISO-TP header level (SID +
// did_hi + did_lo) ahead of the encapsulated block, which is the only
// construction consistent with spec 4.1's stated "L+3" outer length —
// the block itself is exactly L=n+6 bytes, so 3 more header bytes are
// needed to reach L+3; see DESIGN.md for this modeling decision.
func (s *Session) startWrite77(did uint16, payload []byte) {
	n := len(payload)
	block := make([]byte, 0, 6+n)
	block = append(block, 0x43, 0x01, 0x82, byte(did), byte(did>>8), 0xB0+byte(n))
	block = append(block, payload...)

	rawData := make([]byte, 0, 3+len(block))
	rawData = append(rawData, sidWriteVariant, byte(did>>8), byte(did))
	rawData = append(rawData, block...)
	s.beginWriteTransfer(did, payload, rawData, true)
}

func (s *Session) beginWriteTransfer(did uint16, payload, rawData []byte, isWrite77 bool) {
	s.stats.CntTotal++
	s.buf = TransferBuffer{
		Did:              did,
		ValueToWrite:     payload,
		IsWrite77:        isWrite77,
		RequestStartedAt: time.Now(),
	}

	if len(rawData) <= 7 {
		s.state = AwaitWriteAck
		s.armTimeout()
		s.send(buildSingleFrame(rawData))
		return
	}

	s.buf.Bytes = rawData
	s.buf.TxPos = 6
	s.buf.SeqCounter = 0x21
	s.state = AwaitWriteFC
	s.armTimeout()
	s.send(buildFirstFrame(rawData))
}

func (s *Session) handleWriteFC(f canbus.Frame) {
	d := f.Data
	symbolicID := s.sink.SymbolicID(s.buf.Did)
	if d[0] != 0x30 || d[1] != 0x00 {
		s.finish(OutcomeBadFrame{Did: s.buf.Did, SymbolicID: symbolicID, Reason: "expected flow control frame"})
		return
	}
	sep := decodeSeparationTime(d[2])
	s.sendRemainingCFs(sep)
	s.state = AwaitWriteAck
	s.armTimeout()
}

func (s *Session) sendRemainingCFs(sep time.Duration) {
	pad := byte(0x00)
	if s.buf.IsWrite77 {
		pad = 0x55
	}
	full := s.buf.Bytes
	pos := s.buf.TxPos
	seq := s.buf.SeqCounter
	for pos < len(full) {
		end := pos + 7
		if end > len(full) {
			end = len(full)
		}
		s.send(buildConsecutiveFrame(seq, full[pos:end], pad))
		pos = end
		seq = nextSeq(seq)
		if pos < len(full) && sep > 0 {
			time.Sleep(sep)
		}
	}
	s.buf.TxPos = pos
	s.buf.SeqCounter = seq
}

func (s *Session) handleWriteAck(f canbus.Frame) {
	d := f.Data
	symbolicID := s.sink.SymbolicID(s.buf.Did)

	if s.buf.IsWrite77 {
		// Other clients' SID-0x77 traffic shares the bus; only the
		// completion marker on our own confirmation SID (0x04) belongs
		// to us (spec 4.1).
		if d[0] != 0x04 {
			return
		}
		if d[4] != 0x44 {
			return
		}
		s.finish(OutcomeOk{Did: s.buf.Did, SymbolicID: symbolicID, Length: len(s.buf.ValueToWrite)})
		return
	}

	if d[0] == 0x03 && d[1] == sidNegativeResponse && d[2] == sidWriteByDid {
		nrc := d[3]
		if s.opMode == Normal {
			if s.write77Dispatch != nil {
				s.write77Dispatch(s.buf.Did, s.buf.ValueToWrite)
			} else {
				s.queue.Push(queue.Command{Mode: queue.Write77, Did: s.buf.Did, Payload: s.buf.ValueToWrite})
			}
		}
		s.finish(OutcomeNegativeResponse{Did: s.buf.Did, SymbolicID: symbolicID, NRC: nrc})
		return
	}

	if d[0] == 0x03 && d[1] == sidWriteByDidOk {
		didRx := uint16(d[2])<<8 | uint16(d[3])
		if didRx != s.buf.Did {
			s.finish(OutcomeDidMismatch{Did: s.buf.Did, SymbolicID: symbolicID, GotDid: didRx})
			return
		}
		s.finish(OutcomeOk{Did: s.buf.Did, SymbolicID: symbolicID, Length: len(s.buf.ValueToWrite)})
		return
	}

	s.finish(OutcomeBadFrame{Did: s.buf.Did, SymbolicID: symbolicID, Reason: "unexpected write ack frame"})
}

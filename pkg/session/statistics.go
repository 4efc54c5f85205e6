package session

import (
	"sync/atomic"
	"time"
)

// Statistics accumulates per-session counters and reply-time aggregates.
// Per spec Design Notes ("Global mutable state"), these are the only
// module-wide mutation and they are scoped per session — every field
// here is touched exclusively from the session's own event-loop
// goroutine, except CntOverlap, which onInboundFrame must be able to
// bump even when the event loop is mid-dispatch (that is the condition
// being counted), so it alone is an atomic.
type Statistics struct {
	CntTotal        uint64
	CntOk           uint64
	CntNegativeResp uint64
	CntTimeout      uint64
	CntBadProtocol  uint64
	cntOverlap      atomic.Uint64
	PerDidFailures  map[uint16]uint32

	ReplyTimeMin time.Duration
	ReplyTimeMax time.Duration
	replyMeanNs  float64
	replyCount   uint64

	nextPublishTs      time.Time
	MinPublishInterval time.Duration
}

func newStatistics() *Statistics {
	return &Statistics{
		PerDidFailures:     make(map[uint16]uint32),
		MinPublishInterval: 5000 * time.Millisecond,
	}
}

func (s *Statistics) CntOverlap() uint64 { return s.cntOverlap.Load() }

func (s *Statistics) recordOverlap() { s.cntOverlap.Add(1) }

// recordOutcome folds one completed or abandoned exchange into the
// counters, per the outcome's type.
func (s *Statistics) recordOutcome(did uint16, o Outcome, elapsed time.Duration) {
	switch o.(type) {
	case OutcomeOk:
		s.CntOk++
	case OutcomeTimeout:
		s.CntTimeout++
		s.PerDidFailures[did]++
	case OutcomeNegativeResponse:
		s.CntNegativeResp++
		s.PerDidFailures[did]++
	default: // DidMismatch, BadFrame, BadState
		s.CntBadProtocol++
		s.PerDidFailures[did]++
	}
	s.recordReplyTime(elapsed)
}

func (s *Statistics) recordReplyTime(d time.Duration) {
	if s.replyCount == 0 || d < s.ReplyTimeMin {
		s.ReplyTimeMin = d
	}
	if d > s.ReplyTimeMax {
		s.ReplyTimeMax = d
	}
	s.replyCount++
	s.replyMeanNs += (float64(d) - s.replyMeanNs) / float64(s.replyCount)
}

func (s *Statistics) ReplyTimeMean() time.Duration {
	return time.Duration(s.replyMeanNs)
}

// ShouldPublish reports whether enough time has passed since the last
// publish, or force bypasses the throttle (spec 4.3).
func (s *Statistics) ShouldPublish(now time.Time, force bool) bool {
	return force || now.After(s.nextPublishTs)
}

func (s *Statistics) MarkPublished(now time.Time) {
	s.nextPublishTs = now.Add(s.MinPublishInterval)
}

package queue

import (
	"sync"
	"testing"
	"time"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := New()
	q.Push(Command{Mode: Read, Did: 1})
	q.Push(Command{Mode: Write, Did: 2})

	c, ok := q.Pop()
	if !ok || c.Did != 1 {
		t.Fatalf("expected first pop to be did=1, got %+v ok=%v", c, ok)
	}
	c, ok = q.Pop()
	if !ok || c.Did != 2 {
		t.Fatalf("expected second pop to be did=2, got %+v ok=%v", c, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestScheduleLoopOneShot(t *testing.T) {
	var mu sync.Mutex
	var got []uint16
	loop := NewScheduleLoop(0, []uint16{0x100, 0x101})
	loop.Start(func(c Command) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c.Did)
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != 0x100 || got[1] != 0x101 {
		t.Fatalf("unexpected one-shot fire: %v", got)
	}
}

func TestScheduleLoopPeriodicStopBeforeFirstTick(t *testing.T) {
	var mu sync.Mutex
	count := 0
	loop := NewScheduleLoop(1, []uint16{0x1})
	// Tamper with the ticker period indirectly is not possible from the
	// outside, so this test only checks that a periodic loop stopped right
	// after Start has not fired within the following 10ms.
	loop.Start(func(c Command) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	loop.Stop()
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no fire within 10ms of a 1s period, got %d", count)
	}
}

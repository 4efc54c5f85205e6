// Package supervisor owns the set of live Sessions on one CAN channel,
// routes inbound frames to the right one by rx-ID, and lazily creates
// the SID-0x77 companion session the first time a write retry needs it
// (spec 4.5). Grounded on the teacher's top-level pkg/service.Service,
// which owns the BLE connection and dispatches inbound GATT writes to
// the right handler by characteristic UUID the same way this dispatches
// by CAN rx-ID.
package supervisor

import (
	"fmt"
	"log"
	"sync"

	"github.com/vitocan-oss/e3-uds-adapter/pkg/canbus"
	"github.com/vitocan-oss/e3-uds-adapter/pkg/session"
)

// DeviceConfig names one logical device's primary tx-ID, timeout and
// state prefix, enough to derive both its primary session and its
// lazily-created SID-0x77 companion. The device's catalog is bound
// through the sink passed to AddDevice.
type DeviceConfig struct {
	TxID        uint16
	TimeoutMs   int
	StatePrefix string
}

// Supervisor is the top-level owner of every Session on one CAN channel.
// The map itself is guarded by a mutex; each Session's internal state
// stays single-goroutine, per spec 5.
type Supervisor struct {
	channel canbus.Channel

	mu             sync.RWMutex
	sessionsByRxID map[uint16]*session.Session
	sessionsByName map[string]*session.Session
}

// New builds a Supervisor bound to channel. Call AddDevice per logical
// device, then Start to boot every session and begin routing frames.
func New(channel canbus.Channel) *Supervisor {
	sv := &Supervisor{
		channel:        channel,
		sessionsByRxID: make(map[uint16]*session.Session),
		sessionsByName: make(map[string]*session.Session),
	}
	channel.SetHandler(sv.onFrame)
	return sv
}

// AddDevice registers a device's primary session, keyed by its derived
// rxId (txId+0x10), bound to sink. The session is not started until
// Start is called. A negative-response write retry in Normal opMode is
// routed to a lazily-created SID-0x77 companion session sharing sink.
func (sv *Supervisor) AddDevice(cfg DeviceConfig, sink session.Sink) *session.Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	sc := session.NewSessionConfig(cfg.TxID, cfg.TimeoutMs, cfg.StatePrefix, sv.channel)
	s := session.New(sc, sink)
	sv.sessionsByRxID[sc.RxID] = s
	sv.sessionsByName[cfg.StatePrefix] = s

	txID, timeoutMs, statePrefix := cfg.TxID, cfg.TimeoutMs, cfg.StatePrefix
	s.SetWrite77Dispatch(func(did uint16, payload []byte) {
		sv.write77Companion(txID, timeoutMs, statePrefix, sink).WriteByDid77(did, payload)
	})
	return s
}

// Session returns the session bound to rxID, if any.
func (sv *Supervisor) Session(rxID uint16) (*session.Session, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	s, ok := sv.sessionsByRxID[rxID]
	return s, ok
}

// SessionByName returns the device session registered under name (its
// AddDevice StatePrefix), used to route a command envelope's "device"
// field to the session it targets.
func (sv *Supervisor) SessionByName(name string) (*session.Session, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	s, ok := sv.sessionsByName[name]
	return s, ok
}

// Write77Companion returns (creating and starting on first use) the
// SID-0x77 companion session for a primary device's txId (spec 4.5:
// "lazily creates a Write77-variant Session the first time a retry
// requires it"), bound to the given sink.
func (sv *Supervisor) Write77Companion(primaryTxID uint16, timeoutMs int, statePrefix string, sink session.Sink) *session.Session {
	return sv.write77Companion(primaryTxID, timeoutMs, statePrefix, sink)
}

func (sv *Supervisor) write77Companion(primaryTxID uint16, timeoutMs int, statePrefix string, sink session.Sink) *session.Session {
	companionTxID := primaryTxID + 0x02
	companionRxID := companionTxID + 0x10

	sv.mu.RLock()
	s, ok := sv.sessionsByRxID[companionRxID]
	sv.mu.RUnlock()
	if ok {
		return s
	}

	sv.mu.Lock()
	defer sv.mu.Unlock()
	if s, ok := sv.sessionsByRxID[companionRxID]; ok {
		return s
	}
	sc := session.NewSessionConfig(companionTxID, timeoutMs, statePrefix+"_77", sv.channel)
	s = session.New(sc, sink)
	sv.sessionsByRxID[sc.RxID] = s
	s.SetOpMode(session.Service77)
	s.Start()
	log.Printf("supervisor: started SID-0x77 companion session txId=%03X rxId=%03X", companionTxID, sc.RxID)
	return s
}

// Start launches the CAN channel and every registered primary session.
func (sv *Supervisor) Start() error {
	if err := sv.channel.Start(); err != nil {
		return fmt.Errorf("supervisor: start channel: %w", err)
	}
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	for _, s := range sv.sessionsByRxID {
		s.Start()
	}
	return nil
}

// Stop cancels every session's schedules, timeouts, and drain loop, then
// closes the channel. Idempotent via each Session.Stop's own guard.
func (sv *Supervisor) Stop() {
	sv.mu.RLock()
	sessions := make([]*session.Session, 0, len(sv.sessionsByRxID))
	for _, s := range sv.sessionsByRxID {
		sessions = append(sessions, s)
	}
	sv.mu.RUnlock()

	for _, s := range sessions {
		s.Stop()
	}
	if err := sv.channel.Close(); err != nil {
		log.Printf("supervisor: close channel: %v", err)
	}
}

// onFrame is the canbus.Handler installed on the channel; it looks up the
// session owning f.ID and hands the frame to its onInboundFrame entry
// point. A frame with no matching session is foreign bus traffic and is
// silently ignored (spec 4.5 only names routing for known rxIds).
func (sv *Supervisor) onFrame(f canbus.Frame) {
	sv.mu.RLock()
	s, ok := sv.sessionsByRxID[f.ID]
	sv.mu.RUnlock()
	if !ok {
		return
	}
	s.Deliver(f)
}

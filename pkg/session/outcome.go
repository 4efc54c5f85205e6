package session

// Outcome is the polymorphic result a Session reports through its
// callback, one per completed or abandoned exchange. Modeled as a closed
// tagged sum (spec Design Notes, "Callback-as-interface") rather than a
// string-tagged union, so callers get exhaustiveness from the compiler
// via a type switch.
type Outcome interface {
	isOutcome()
}

// OutcomeOk reports a successful exchange — read decoded, or write
// acknowledged.
type OutcomeOk struct {
	Did        uint16
	SymbolicID string
	Length     int
	Value      any
}

// OutcomeTimeout reports that no response arrived within the session's
// configured timeout.
type OutcomeTimeout struct {
	Did        uint16
	SymbolicID string
}

// OutcomeNegativeResponse reports a 0x7F reply carrying an NRC byte.
type OutcomeNegativeResponse struct {
	Did        uint16
	SymbolicID string
	NRC        byte
}

// OutcomeDidMismatch reports a reply addressing a different DID than the
// one requested.
type OutcomeDidMismatch struct {
	Did        uint16
	SymbolicID string
	GotDid     uint16
}

// OutcomeBadFrame reports a malformed PCI, wrong sequence counter, or an
// unexpected frame shape in a receive state.
type OutcomeBadFrame struct {
	Did        uint16
	SymbolicID string
	Reason     string
}

// OutcomeBadState reports an inbound frame arriving while the session was
// in a state that does not accept one.
type OutcomeBadState struct {
	Did        uint16
	SymbolicID string
	State      State
}

func (OutcomeOk) isOutcome()               {}
func (OutcomeTimeout) isOutcome()          {}
func (OutcomeNegativeResponse) isOutcome() {}
func (OutcomeDidMismatch) isOutcome()      {}
func (OutcomeBadFrame) isOutcome()         {}
func (OutcomeBadState) isOutcome()         {}

// CallbackFunc is invoked once per completed or abandoned exchange.
type CallbackFunc func(Outcome)

// cooldownFor returns the minimum wait before the next exchange may
// start, per spec 4.1's cool-down table.
func cooldownFor(o Outcome) (ms int) {
	switch o.(type) {
	case OutcomeOk:
		return 0
	case OutcomeNegativeResponse:
		return 100
	case OutcomeDidMismatch:
		return 1000
	case OutcomeTimeout:
		return 0
	default: // OutcomeBadFrame, OutcomeBadState
		return 2500
	}
}

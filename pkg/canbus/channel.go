// Package canbus abstracts the CAN transport the session engine rides on.
// The core never touches a socket or a serial port directly; it only sends
// and receives Frame values through the Channel contract.
package canbus

import "fmt"

// Frame is a classic 11-bit CAN frame with an 8-byte payload. Extended IDs
// and RTR frames are not represented; the engine has no use for either.
type Frame struct {
	ID   uint16
	Data [8]byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%03X#%02X%02X%02X%02X%02X%02X%02X%02X", f.ID,
		f.Data[0], f.Data[1], f.Data[2], f.Data[3], f.Data[4], f.Data[5], f.Data[6], f.Data[7])
}

// Handler receives every frame the channel sees on the wire. A channel may
// invoke it from a reader goroutine; handlers must not block.
type Handler func(Frame)

// Channel is the only transport contract the core depends on. Concrete
// implementations live in socketcan.go (native Linux CAN) and slcan.go
// (serial-line CAN dongles); either can back a Supervisor interchangeably.
type Channel interface {
	// Send transmits a single frame. Implementations must serialize
	// concurrent callers internally; the core calls Send from multiple
	// session goroutines on the same bus.
	Send(Frame) error
	// SetHandler installs the callback invoked for every inbound frame.
	// Must be called before Start.
	SetHandler(Handler)
	// Start begins reading frames in the background.
	Start() error
	// Close stops reading and releases the underlying transport.
	Close() error
}

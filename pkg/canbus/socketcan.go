package canbus

import (
	"fmt"
	"log"
	"sync"

	"github.com/brutella/can"
)

// SocketCAN is a Channel backed by a native Linux SocketCAN interface
// (e.g. can0, vcan0), using brutella/can for the netlink/raw-socket work.
type SocketCAN struct {
	mu      sync.Mutex
	bus     *can.Bus
	handler Handler
}

// NewSocketCAN opens the named SocketCAN interface. The interface must
// already exist and be up (`ip link set can0 up type can bitrate 500000`);
// bringing it up is outside this adapter's scope.
func NewSocketCAN(ifaceName string) (*SocketCAN, error) {
	bus, err := can.NewBusForInterfaceWithName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("open socketcan interface %q: %w", ifaceName, err)
	}
	return &SocketCAN{bus: bus}, nil
}

func (s *SocketCAN) SetHandler(h Handler) {
	s.handler = h
	s.bus.SubscribeFunc(func(frm can.Frame) {
		if s.handler == nil {
			return
		}
		if frm.IsExtended || frm.Length > 8 {
			return
		}
		var data [8]byte
		copy(data[:], frm.Data[:frm.Length])
		s.handler(Frame{ID: uint16(frm.ID), Data: data})
	})
}

func (s *SocketCAN) Start() error {
	go func() {
		if err := s.bus.ConnectAndPublish(); err != nil {
			log.Printf("canbus: socketcan bus terminated: %v", err)
		}
	}()
	return nil
}

func (s *SocketCAN) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frm := can.Frame{
		ID:     uint32(f.ID),
		Length: uint8(len(f.Data)),
		Data:   can.Data(f.Data),
	}
	return s.bus.Publish(frm)
}

func (s *SocketCAN) Close() error {
	return s.bus.Disconnect()
}

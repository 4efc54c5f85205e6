package canbus

import (
	"fmt"
	"log"
	"sync"

	"go.bug.st/serial"
)

// slcanBitrateCodes maps a nominal bitrate to the SLCAN "S" command code.
// Lantronix/LAWICEL-style adapters (canable, CANtact, USBtin) all share
// this table.
var slcanBitrateCodes = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// SLCAN is a Channel backed by a USB-to-CAN serial adapter speaking the
// ASCII SLCAN line protocol, using the teacher's own go.bug.st/serial
// dependency for the underlying port. Unlike the framed USOCK protocol,
// SLCAN frames are newline-delimited ASCII, so the byte-at-a-time state
// machine here only needs to find line boundaries.
type SLCAN struct {
	mu       sync.Mutex
	port     serial.Port
	handler  Handler
	stopCh   chan struct{}
	lineBuf  []byte
}

// NewSLCAN opens the serial device at the given bitrate and puts the
// adapter into SLCAN mode (set bitrate, open channel).
func NewSLCAN(devicePath string, bitrate int) (*SLCAN, error) {
	code, ok := slcanBitrateCodes[bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: unsupported bitrate %d", bitrate)
	}
	mode := &serial.Mode{BaudRate: 115200}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("slcan: open %s: %w", devicePath, err)
	}
	s := &SLCAN{port: port, stopCh: make(chan struct{})}
	if _, err := port.Write([]byte{'S', code, '\r'}); err != nil {
		port.Close()
		return nil, fmt.Errorf("slcan: set bitrate: %w", err)
	}
	if _, err := port.Write([]byte("O\r")); err != nil {
		port.Close()
		return nil, fmt.Errorf("slcan: open channel: %w", err)
	}
	return s, nil
}

func (s *SLCAN) SetHandler(h Handler) { s.handler = h }

func (s *SLCAN) Start() error {
	go s.readLoop()
	return nil
}

func (s *SLCAN) readLoop() {
	buf := make([]byte, 1)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil {
			log.Printf("canbus: slcan read error: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		s.processByte(buf[0])
	}
}

func (s *SLCAN) processByte(b byte) {
	if b == '\r' {
		line := s.lineBuf
		s.lineBuf = nil
		s.dispatchLine(line)
		return
	}
	if b == '\a' { // BEL: adapter reporting an error on the previous command
		s.lineBuf = nil
		return
	}
	s.lineBuf = append(s.lineBuf, b)
}

// dispatchLine parses a standard-frame receive line: "t" + 3 hex ID digits
// + 1 hex length digit + 2*len hex data digits.
func (s *SLCAN) dispatchLine(line []byte) {
	if len(line) < 5 || line[0] != 't' {
		return
	}
	id, err := parseHexUint(line[1:4])
	if err != nil {
		return
	}
	length, err := parseHexUint(line[4:5])
	if err != nil || length > 8 {
		return
	}
	want := 5 + int(length)*2
	if len(line) < want {
		return
	}
	var data [8]byte
	for i := 0; i < int(length); i++ {
		v, err := parseHexUint(line[5+i*2 : 5+i*2+2])
		if err != nil {
			return
		}
		data[i] = byte(v)
	}
	if s.handler != nil {
		s.handler(Frame{ID: uint16(id), Data: data})
	}
}

func (s *SLCAN) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := fmt.Sprintf("t%03X8%X\r", f.ID&0x7FF, f.Data)
	_, err := s.port.Write([]byte(line))
	return err
}

func (s *SLCAN) Close() error {
	close(s.stopCh)
	s.port.Write([]byte("C\r"))
	return s.port.Close()
}

func parseHexUint(b []byte) (uint32, error) {
	var v uint32
	for _, c := range b {
		var d uint32
		switch {
		case c >= '0' && c <= '9':
			d = uint32(c - '0')
		case c >= 'A' && c <= 'F':
			d = uint32(c-'A') + 10
		case c >= 'a' && c <= 'f':
			d = uint32(c-'a') + 10
		default:
			return 0, fmt.Errorf("slcan: invalid hex digit %q", c)
		}
		v = v<<4 | d
	}
	return v, nil
}

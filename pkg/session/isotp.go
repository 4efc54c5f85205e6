package session

import "time"

// PCI nibble values, carried in the high nibble of the first ISO-TP
// frame byte. A First Frame carries a 12-bit length in the low nibble of
// that byte and the second byte; the escape for payloads over 4095 bytes
// is not implemented (DID payloads never get that large).
const (
	pciSingleFrame       byte = 0x0
	pciFirstFrame        byte = 0x1
	pciConsecutiveFrame  byte = 0x2
	pciFlowControlFrame  byte = 0x3
)

const (
	sidReadByDid        byte = 0x22
	sidReadByDidOk      byte = 0x62
	sidWriteByDid       byte = 0x2E
	sidWriteByDidOk     byte = 0x6E
	sidWriteVariant     byte = 0x77
	sidNegativeResponse byte = 0x7F
)

// flowControlContinue is the fixed Flow-Control frame this engine always
// sends after accepting a First Frame — "continue to send" with block
// size 0 (no block limit) and separation time 0.
var flowControlContinue = [8]byte{0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// nextSeq advances an ISO-TP consecutive-frame sequence counter, wrapping
// 0x2F back to 0x20 (spec 3 invariant).
func nextSeq(cur byte) byte {
	if cur == 0x2F {
		return 0x20
	}
	return cur + 1
}

// decodeSeparationTime turns a Flow-Control ST byte into a sleep
// duration. 0 is resolved as "no pacing" (see DESIGN.md, Open Question
// 1); anything outside [20,127] — other than the literal 0 — defaults to
// 50ms, exactly as spec 4.1 describes.
func decodeSeparationTime(st byte) time.Duration {
	if st == 0 {
		return 0
	}
	if st < 20 || st > 127 {
		return 50 * time.Millisecond
	}
	return time.Duration(st) * time.Millisecond
}

// buildSingleFrame wraps rawData (<=7 bytes) into one 8-byte SF frame.
func buildSingleFrame(rawData []byte) [8]byte {
	var f [8]byte
	f[0] = byte(len(rawData))
	copy(f[1:], rawData)
	return f
}

// buildFirstFrame wraps the first 6 bytes of rawData into an FF frame;
// the length field covers the whole of rawData.
func buildFirstFrame(rawData []byte) [8]byte {
	var f [8]byte
	length := len(rawData)
	f[0] = pciFirstFrame<<4 | byte((length>>8)&0x0F)
	f[1] = byte(length & 0xFF)
	copy(f[2:], rawData[:6])
	return f
}

// buildConsecutiveFrame wraps up to 7 bytes of a payload chunk into a CF
// frame with the given sequence counter, padding the tail with pad.
func buildConsecutiveFrame(seq byte, chunk []byte, pad byte) [8]byte {
	var f [8]byte
	f[0] = seq
	n := copy(f[1:], chunk)
	for i := 1 + n; i < 8; i++ {
		f[i] = pad
	}
	return f
}

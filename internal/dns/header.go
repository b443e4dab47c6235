package dns

import "fmt"

// HeaderSize is the fixed size of a DNS header in bytes.
const HeaderSize = 12

// Header is the fixed 12-byte DNS message header (RFC 1035 Section 4.1.1).
type Header struct {
	ID      uint16 // Transaction ID
	Flags   uint16 // See enums.go for flag definitions
	QDCount uint16 // Question count
	ANCount uint16 // Answer count
	NSCount uint16 // Authority (nameserver) count
	ARCount uint16 // Additional records count
}

// Opcode extracts the operation code from the flags field.
func (h Header) Opcode() uint8 {
	return uint8((h.Flags & OpcodeMask) >> 11)
}

// ParseHeader reads a header from the first 12 bytes of msg.
func ParseHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderSize {
		return Header{}, fmt.Errorf("%w: message shorter than header", ErrWireFormat)
	}
	return Header{
		ID:      Uint16At(msg, 0),
		Flags:   Uint16At(msg, 2),
		QDCount: Uint16At(msg, 4),
		ANCount: Uint16At(msg, 6),
		NSCount: Uint16At(msg, 8),
		ARCount: Uint16At(msg, 10),
	}, nil
}

// PutHeader writes h into buf, which must be at least HeaderSize bytes.
func PutHeader(buf []byte, h Header) {
	PutUint16At(buf, 0, h.ID)
	PutUint16At(buf, 2, h.Flags)
	PutUint16At(buf, 4, h.QDCount)
	PutUint16At(buf, 6, h.ANCount)
	PutUint16At(buf, 8, h.NSCount)
	PutUint16At(buf, 10, h.ARCount)
}

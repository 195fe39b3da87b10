// Package protocol implements the wire format shared by the host packet
// client and the device packet server: frame encoding, the checksum, and
// the byte-fed receive state machine. Both ends import this package so
// that framing can never drift between them.
package protocol

import "encoding/binary"

// Start is the single start-of-frame octet.
const Start byte = 0x02

// HeaderSize is the on-wire size of a packet header: two little-endian
// uint32 fields, type and length.
const HeaderSize = 8

// DataMax is the device-advertised maximum payload size for every packet
// type except WDATA, whose length is bounded by the pending write instead.
const DataMax = 4096

// Request/response packet types, 32-bit on the wire.
const (
	Ping  uint32 = 0x00
	Pong  uint32 = 0x01
	Ack   uint32 = 0x02
	Who   uint32 = 0x03
	Ident uint32 = 0x04
	Write uint32 = 0x10
	Read  uint32 = 0x11
	WData uint32 = 0x12
	RData uint32 = 0x13
	Jump  uint32 = 0x20
	Call  uint32 = 0x21

	// Speed is not fixed by spec.md; this value is assigned here and used
	// consistently by both pkg/device and pkg/boaclient. It does not
	// collide with any type above.
	Speed uint32 = 0x22
)

// ACK codes, carried in the payload of an Ack packet.
const (
	AckOK     uint8 = 0
	AckNACK   uint8 = 1
	AckXSUM   uint8 = 2
	AckNCAP   uint8 = 3
	AckADDR   uint8 = 4
	AckRDONLY uint8 = 5
	AckNOEXEC uint8 = 6

	// AckNSPEED signals a refused baud-rate change. Assigned here for the
	// same reason as Speed above.
	AckNSPEED uint8 = 7
)

// PingSize is the fixed length of a Ping/Pong payload.
const PingSize = 16

// Header is the fixed 8-byte packet header.
type Header struct {
	Type   uint32
	Length uint32
}

// AckPayload is the payload format of an Ack packet.
type AckPayload struct {
	AckType uint8
	Cause   uint32
}

// WritePayload is the payload format of a Write request.
type WritePayload struct {
	Addr   uint32
	Length uint32
}

// ReadPayload is the payload format of a Read request.
type ReadPayload struct {
	Addr   uint32
	Length uint32
}

// AddrPayload is the payload format of a Jump, Call, or Speed request
// (Jump/Call carry an address; Speed reuses the same 4-byte shape for a
// bits-per-second value).
type AddrPayload struct {
	Value uint32
}

// Checksum returns the arithmetic sum modulo 256 of every byte in b. The
// checksum byte itself must never be included in b.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// EncodeHeader writes h to buf in the on-wire little-endian layout. buf
// must be at least HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Type)
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
}

// DecodeHeader reads a Header from the on-wire little-endian layout. buf
// must be at least HeaderSize bytes.
func DecodeHeader(buf []byte) Header {
	return Header{
		Type:   binary.LittleEndian.Uint32(buf[0:4]),
		Length: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Frame returns the exact byte sequence for a request or response of the
// given type and payload: start octet, header, payload, checksum.
func Frame(typ uint32, payload []byte) []byte {
	buf := make([]byte, 1+HeaderSize+len(payload)+1)
	buf[0] = Start
	EncodeHeader(buf[1:1+HeaderSize], Header{Type: typ, Length: uint32(len(payload))})
	copy(buf[1+HeaderSize:], payload)
	buf[len(buf)-1] = Checksum(buf[:len(buf)-1])
	return buf
}

// EncodeAck returns the Ack payload bytes for ackType with the given
// cause.
func EncodeAck(ackType uint8, cause uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = ackType
	binary.LittleEndian.PutUint32(buf[1:], cause)
	return buf
}

// DecodeAck parses an Ack payload. ok is false if payload is not exactly
// 5 bytes.
func DecodeAck(payload []byte) (AckPayload, bool) {
	if len(payload) != 5 {
		return AckPayload{}, false
	}
	return AckPayload{
		AckType: payload[0],
		Cause:   binary.LittleEndian.Uint32(payload[1:5]),
	}, true
}

// EncodeWrite returns the Write payload bytes for a pending write of addr
// and length.
func EncodeWrite(addr, length uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], addr)
	binary.LittleEndian.PutUint32(buf[4:8], length)
	return buf
}

// DecodeWrite parses a Write payload. ok is false if payload is not
// exactly 8 bytes.
func DecodeWrite(payload []byte) (WritePayload, bool) {
	if len(payload) != 8 {
		return WritePayload{}, false
	}
	return WritePayload{
		Addr:   binary.LittleEndian.Uint32(payload[0:4]),
		Length: binary.LittleEndian.Uint32(payload[4:8]),
	}, true
}

// EncodeRead returns the Read payload bytes.
func EncodeRead(addr, length uint32) []byte {
	return EncodeWrite(addr, length)
}

// DecodeRead parses a Read payload.
func DecodeRead(payload []byte) (ReadPayload, bool) {
	w, ok := DecodeWrite(payload)
	return ReadPayload(w), ok
}

// EncodeAddr returns a 4-byte little-endian address/value payload, used
// by Jump, Call, and Speed requests.
func EncodeAddr(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// DecodeAddr parses a 4-byte little-endian address/value payload. ok is
// false if payload is not exactly 4 bytes.
func DecodeAddr(payload []byte) (uint32, bool) {
	if len(payload) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload), true
}

// XSumCause packs the received and computed checksums into the cause
// field of an AckXSUM response: (received << 8) | computed, in the low
// 16 bits.
func XSumCause(received, computed byte) uint32 {
	return uint32(received)<<8 | uint32(computed)
}

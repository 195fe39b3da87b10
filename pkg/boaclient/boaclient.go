// Package boaclient implements the host-visible operations of spec.md
// §4.5: identify, ping, read, write, jump, call, change-speed, and
// upload-and-optionally-run an ELF file. Each operation is built on top
// of pkg/transport's send-with-retry primitive and returns only after its
// final ACK (or error), per spec.md's ordering guarantee — operations
// never overlap. Grounded on original_source/tools/programmer/src/main.c's
// get_id/jump/upload_elf functions, reworked from bare globals and exit
// codes into a Client with explicit error returns.
package boaclient

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/boaprog/boaprog/pkg/elfload"
	"github.com/boaprog/boaprog/pkg/protocol"
	"github.com/boaprog/boaprog/pkg/transport"
)

// BlockSize bounds every WRITE+WDATA chunk issued by Write and UploadELF.
// Default matches spec.md §9 (BLOCK_SIZE=1024, a default, not a wire
// requirement).
const BlockSize = 1024

// ErrPingMismatch is returned by Ping when the device's PONG payload does
// not match what was sent.
var ErrPingMismatch = errors.New("boaclient: pong payload did not match ping")

// ErrOperationRefused is returned when a request ACKs with anything other
// than AckOK.
var ErrOperationRefused = errors.New("boaclient: device refused the request")

// ErrUnexpectedResponse is returned when a response has the wrong type
// or payload shape for the request that produced it.
var ErrUnexpectedResponse = errors.New("boaclient: unexpected response")

// Client drives the host operations of the link over a Transport.
type Client struct {
	tr *transport.Transport

	// Rand, when set, supplies the 16 bytes Ping sends. When nil, Ping
	// fills them from crypto/rand.
	Rand func(buf []byte)
}

// New wraps tr in a Client.
func New(tr *transport.Transport) *Client {
	return &Client{tr: tr}
}

// Ping sends 16 pseudo-random bytes and requires a byte-identical PONG.
func (c *Client) Ping() error {
	nonce := make([]byte, protocol.PingSize)
	if c.Rand != nil {
		c.Rand(nonce)
	} else if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("ping: generate nonce: %w", err)
	}
	return c.PingWith(nonce)
}

// PingWith sends nonce (which must be 16 bytes) as a ping payload.
func (c *Client) PingWith(nonce []byte) error {
	if len(nonce) != protocol.PingSize {
		return fmt.Errorf("boaclient: ping payload must be %d bytes, got %d", protocol.PingSize, len(nonce))
	}
	h, payload, err := c.tr.Send(protocol.Ping, nonce)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if h.Type != protocol.Pong {
		return fmt.Errorf("%w: ping got type %#x, want Pong", ErrUnexpectedResponse, h.Type)
	}
	if len(payload) != len(nonce) {
		return ErrPingMismatch
	}
	for i := range nonce {
		if payload[i] != nonce[i] {
			return ErrPingMismatch
		}
	}
	return nil
}

// Identify sends WHO and returns the device's identity string.
func (c *Client) Identify() (string, error) {
	h, payload, err := c.tr.Send(protocol.Who, nil)
	if err != nil {
		return "", fmt.Errorf("identify: %w", err)
	}
	if h.Type != protocol.Ident {
		return "", fmt.Errorf("%w: identify got type %#x, want Ident", ErrUnexpectedResponse, h.Type)
	}
	return string(payload), nil
}

// Jump sends a JUMP request for addr, transferring control without
// expecting the device to return.
func (c *Client) Jump(addr uint32) error {
	return c.sendAddrExpectAck(protocol.Jump, addr)
}

// Call sends a CALL request for addr, invoking it as a function on the
// device; the device is expected to resume responding afterward.
func (c *Client) Call(addr uint32) error {
	return c.sendAddrExpectAck(protocol.Call, addr)
}

func (c *Client) sendAddrExpectAck(typ uint32, addr uint32) error {
	h, payload, err := c.tr.Send(typ, protocol.EncodeAddr(addr))
	if err != nil {
		return err
	}
	return expectAck(h, payload)
}

// Read sends one or more READ requests and returns exactly length bytes
// from addr, chopped into chunks of at most BlockSize bytes, further
// clamped to DataMax. Unlike WDATA, a READ's length is subject to
// spec.md §3 invariant 1 (length <= DataMax for every non-WDATA
// packet), so a length larger than a single chunk would otherwise make
// the device emit an RDATA frame the host rejects as over-capacity.
func (c *Client) Read(addr, length uint32) ([]byte, error) {
	chunkSize := uint32(BlockSize)
	if chunkSize > protocol.DataMax {
		chunkSize = protocol.DataMax
	}

	out := make([]byte, 0, length)
	for offset := uint32(0); offset < length; offset += chunkSize {
		chunkLen := chunkSize
		if remaining := length - offset; chunkLen > remaining {
			chunkLen = remaining
		}
		chunkAddr := addr + offset

		h, payload, err := c.tr.Send(protocol.Read, protocol.EncodeRead(chunkAddr, chunkLen))
		if err != nil {
			return nil, fmt.Errorf("read: READ at %#x: %w", chunkAddr, err)
		}
		if h.Type != protocol.RData || uint32(len(payload)) != chunkLen {
			return nil, fmt.Errorf("%w: read at %#x got type %#x length %d, want RData length %d", ErrUnexpectedResponse, chunkAddr, h.Type, len(payload), chunkLen)
		}
		out = append(out, payload...)
	}
	return out, nil
}

// Write sends data to addr, chopped into chunks of at most BlockSize
// bytes (spec.md §4.5, P6). Each chunk is a WRITE followed by a WDATA,
// both of which must ACK before the next chunk is sent.
func (c *Client) Write(addr uint32, data []byte) error {
	for offset := 0; offset < len(data); offset += BlockSize {
		end := offset + BlockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		chunkAddr := addr + uint32(offset)

		h, payload, err := c.tr.Send(protocol.Write, protocol.EncodeWrite(chunkAddr, uint32(len(chunk))))
		if err != nil {
			return fmt.Errorf("write: WRITE at %#x: %w", chunkAddr, err)
		}
		if err := expectAck(h, payload); err != nil {
			return fmt.Errorf("write: WRITE at %#x: %w", chunkAddr, err)
		}

		h, payload, err = c.tr.Send(protocol.WData, chunk)
		if err != nil {
			return fmt.Errorf("write: WDATA at %#x: %w", chunkAddr, err)
		}
		if err := expectAck(h, payload); err != nil {
			return fmt.Errorf("write: WDATA at %#x: %w", chunkAddr, err)
		}
	}
	return nil
}

// ChangeSpeed negotiates a new baud rate per spec.md §4.5: send SPEED,
// fail-soft on NSPEED, otherwise flush, reconfigure the port, wait, and
// confirm with a ping at the new rate.
func (c *Client) ChangeSpeed(bps int) error {
	h, payload, err := c.tr.Send(protocol.Speed, protocol.EncodeAddr(uint32(bps)))
	if err != nil {
		return fmt.Errorf("change speed: %w", err)
	}
	ack, ok := protocol.DecodeAck(payload)
	if h.Type != protocol.Ack || !ok {
		return fmt.Errorf("%w: change speed got type %#x", ErrUnexpectedResponse, h.Type)
	}
	if ack.AckType == protocol.AckNSPEED {
		return fmt.Errorf("%w: device refused %d bps, keeping current rate", ErrOperationRefused, bps)
	}
	if ack.AckType != protocol.AckOK {
		return fmt.Errorf("%w: change speed ack=%d", ErrOperationRefused, ack.AckType)
	}

	port := c.tr.Port()
	if err := port.Drain(); err != nil {
		return fmt.Errorf("change speed: drain: %w", err)
	}
	mode := &serial.Mode{BaudRate: bps, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	if err := port.SetMode(mode); err != nil {
		return fmt.Errorf("change speed: reconfigure port: %w", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := c.Ping(); err != nil {
		return fmt.Errorf("change speed: confirmation ping at %d bps failed: %w", bps, err)
	}
	return nil
}

// UploadELF drives inst's segments through Write, and if run is true,
// follows with a JUMP to the entry point (spec.md §4.5/§4.6).
func (c *Client) UploadELF(inst elfload.Instance, run bool) error {
	for _, seg := range inst.Segments() {
		if err := c.Write(seg.Vaddr, seg.Data); err != nil {
			return fmt.Errorf("upload: segment at %#x: %w", seg.Vaddr, err)
		}
	}
	if run {
		if err := c.Jump(inst.Entrypoint()); err != nil {
			return fmt.Errorf("upload: jump to entry %#x: %w", inst.Entrypoint(), err)
		}
	}
	return nil
}

// UploadFile opens path with p, loads it, and uploads it, closing the
// instance and file before returning.
func (c *Client) UploadFile(p elfload.Provider, path string, run bool) error {
	inst, closer, err := elfload.Open(p, path)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer closer()
	return c.UploadELF(inst, run)
}

func expectAck(h protocol.Header, payload []byte) error {
	if h.Type != protocol.Ack {
		return fmt.Errorf("%w: got type %#x, want Ack", ErrUnexpectedResponse, h.Type)
	}
	ack, ok := protocol.DecodeAck(payload)
	if !ok {
		return fmt.Errorf("%w: malformed ack payload", ErrUnexpectedResponse)
	}
	if ack.AckType != protocol.AckOK {
		return fmt.Errorf("%w: ack=%d cause=%#x", ErrOperationRefused, ack.AckType, ack.Cause)
	}
	return nil
}

// Package transport implements the host side of the stop-and-wait link:
// serial port ownership and the bounded-retry send/await-response
// primitive described in spec.md §4.4. It is built against the same
// pkg/protocol framer and receive state machine the device packet
// server uses, so the two ends can never disagree about framing.
package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.bug.st/serial"

	"github.com/boaprog/boaprog/pkg/protocol"
)

// RetryCount is the default number of retries after the first attempt,
// per spec.md §9 (not a wire requirement).
const RetryCount = 3

// DefaultReadTimeout is the per-attempt read timeout. spec.md §4.4 calls
// for something in the 100ms-1s range at 19200-115200 baud.
const DefaultReadTimeout = 500 * time.Millisecond

// DefaultBaud matches the device's power-on divider per spec.md §6.
const DefaultBaud = 19200

// ErrRetriesExhausted is returned once every attempt of a Send has
// failed.
var ErrRetriesExhausted = errors.New("transport: retries exhausted")

var errChecksumRefused = errors.New("transport: device reported a checksum error on our frame")

// Port is the serial port abstraction the transport needs. go.bug.st/serial's
// serial.Port satisfies it directly; tests use a channel-based in-memory
// fake (see pkg/transport's design notes in spec.md §4.4 on testing
// the protocol core with an in-memory pipe).
type Port interface {
	io.Reader
	io.Writer
	SetReadTimeout(t time.Duration) error
	Drain() error
	SetMode(mode *serial.Mode) error
	Close() error
}

// Open opens device at baud with the serial defaults spec.md §6 requires:
// 8 data bits, 1 stop bit, no parity, no flow control.
func Open(device string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", device, err)
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: set read timeout on %s: %w", device, err)
	}
	return port, nil
}

// Transport owns a Port exclusively and implements send-with-retry. A
// Transport is not safe for concurrent use: the protocol is strictly
// stop-and-wait (spec.md §5), so there is never a reason to call Send
// from more than one goroutine at a time.
type Transport struct {
	port Port
	recv *protocol.Receiver

	// ShowHex traces every transmitted and received byte, enabled by the
	// SHOW_HEX environment variable at the CLI layer.
	ShowHex bool

	// DumpDir, if non-empty, receives a CBOR-encoded dump of the last
	// outgoing frame whenever a Send exhausts its retries (spec.md §7).
	DumpDir string
}

// failureDump is the structure written to DumpDir on retries-exhausted.
type failureDump struct {
	Type     uint32 `cbor:"type"`
	Payload  []byte `cbor:"payload"`
	Attempts int    `cbor:"attempts"`
	LastErr  string `cbor:"last_error"`
}

// New wraps port in a Transport.
func New(port Port) *Transport {
	return &Transport{port: port, recv: protocol.NewReceiver()}
}

// Port returns the underlying serial port, for operations (like
// ChangeSpeed) that need to reconfigure it directly.
func (t *Transport) Port() Port { return t.port }

// Send transmits a request of the given type and payload and returns the
// first response that completes with a valid checksum and is not the
// device telling us our own frame was corrupt. It retries up to
// RetryCount times beyond the first attempt (spec.md §4.4).
func (t *Transport) Send(typ uint32, payload []byte) (protocol.Header, []byte, error) {
	frame := protocol.Frame(typ, payload)
	var lastErr error

	for attempt := 0; attempt <= RetryCount; attempt++ {
		// A prior attempt may have timed out mid-frame, leaving recv parked
		// in Header/Data with leftover state; start every attempt from Idle
		// so the retransmit's start octet is never mistaken for leftover
		// header or payload bytes.
		t.recv.Reset()

		if attempt > 0 {
			log.Printf("transport: retry %d/%d (previous attempt: %v)", attempt, RetryCount, lastErr)
		}
		if t.ShowHex {
			log.Printf("transport: TX % x", frame)
		}

		if _, err := t.port.Write(frame); err != nil {
			lastErr = fmt.Errorf("write: %w", err)
			continue
		}

		header, respPayload, err := t.awaitResponse()
		if err != nil {
			lastErr = err
			continue
		}

		if header.Type == protocol.Ack {
			if ack, ok := protocol.DecodeAck(respPayload); ok && ack.AckType == protocol.AckXSUM {
				log.Printf("transport: device reported xsum error, rx=%#x computed=%#x", ack.Cause>>8, ack.Cause&0xFF)
				lastErr = errChecksumRefused
				continue
			}
		}

		return header, respPayload, nil
	}

	if t.DumpDir != "" {
		t.dumpFailure(typ, payload, lastErr)
	}
	return protocol.Header{}, nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// awaitResponse blocks reading one byte at a time until a frame
// completes (successfully or not) or the read times out.
func (t *Transport) awaitResponse() (protocol.Header, []byte, error) {
	buf := make([]byte, 1)
	for {
		n, err := t.port.Read(buf)
		if err != nil {
			return protocol.Header{}, nil, fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return protocol.Header{}, nil, fmt.Errorf("read timeout")
		}
		if t.ShowHex {
			log.Printf("transport: RX %02x", buf[0])
		}

		result := t.recv.Feed(buf[0])
		switch result.Outcome {
		case protocol.OutcomeNone:
			continue
		case protocol.OutcomeChecksumError:
			return protocol.Header{}, nil, fmt.Errorf("response frame failed checksum (rx=%#x computed=%#x)", result.ReceivedSum, result.ComputedSum)
		case protocol.OutcomeOverflow:
			return protocol.Header{}, nil, fmt.Errorf("response frame exceeded capacity")
		case protocol.OutcomePacket:
			return result.Header, result.Payload, nil
		}
	}
}

func (t *Transport) dumpFailure(typ uint32, payload []byte, lastErr error) {
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	dump := failureDump{Type: typ, Payload: payload, Attempts: RetryCount + 1, LastErr: errMsg}
	data, err := cbor.Marshal(dump)
	if err != nil {
		log.Printf("transport: failed to encode failure dump: %v", err)
		return
	}
	name := filepath.Join(t.DumpDir, fmt.Sprintf("boaprog-failure-%d.cbor", time.Now().Unix()))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		log.Printf("transport: failed to write failure dump %s: %v", name, err)
		return
	}
	log.Printf("transport: wrote failure dump to %s", name)
}

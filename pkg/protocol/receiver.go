package protocol

import "io"

// state is one step of the byte-fed receive pipeline described in
// spec.md §4.2: Idle -> Header -> Data|Overflow -> Checksum -> Idle.
type state uint8

const (
	stateIdle state = iota
	stateHeader
	stateData
	stateOverflow
	stateChecksum
)

// Outcome describes what, if anything, a call to Receiver.Feed produced.
type Outcome uint8

const (
	// OutcomeNone means the frame is still being assembled.
	OutcomeNone Outcome = iota
	// OutcomePacket means a full, checksum-valid packet is ready.
	OutcomePacket
	// OutcomeChecksumError means the trailing checksum byte did not match
	// the running sum.
	OutcomeChecksumError
	// OutcomeOverflow means the frame's declared length exceeded DataMax;
	// the payload was discarded but the checksum still matched.
	OutcomeOverflow
)

// FeedResult is returned by Receiver.Feed once a frame-level event has
// occurred. Header and Payload are only meaningful for OutcomePacket and
// OutcomeOverflow (Header only); ReceivedSum/ComputedSum are only
// meaningful for OutcomeChecksumError.
type FeedResult struct {
	Outcome     Outcome
	Header      Header
	Payload     []byte
	ReceivedSum byte
	ComputedSum byte
}

// Receiver drives the shared byte-fed state machine. It is used
// identically by the device packet server and the host transport; the
// only difference between the two is how they obtain bytes and what they
// do with a delivered packet.
//
// Receiver buffers at most one frame at a time and is not safe for
// concurrent use.
type Receiver struct {
	state state

	sum byte

	hdrBuf [HeaderSize]byte
	hdrPos int
	header Header

	payload    []byte
	payloadPos uint32

	overflowPos uint32
	wasOverflow bool

	sink io.Writer

	// SinkFunc, when set, is invoked exactly once per frame right after the
	// header of a WDATA frame with a non-zero length has been parsed; a
	// zero-length WDATA goes straight to the checksum without it. It lets the caller (the device packet
	// server) stream the payload directly to the pending write's
	// destination instead of buffering it. A nil return falls back to
	// buffering into Payload like any other packet.
	SinkFunc func(h Header) io.Writer
}

// NewReceiver returns a Receiver ready to consume bytes from Idle.
func NewReceiver() *Receiver {
	return &Receiver{state: stateIdle}
}

// Reset discards any partially-assembled frame and returns the receiver
// to Idle. Callers that reuse one Receiver across multiple independent
// attempts (a fresh retransmit after a timed-out read, for instance)
// must call Reset first, or leftover header/payload bytes from the
// abandoned frame will desync the next one.
func (r *Receiver) Reset() {
	r.reset()
}

// Feed advances the state machine by one byte.
func (r *Receiver) Feed(b byte) FeedResult {
	switch r.state {
	case stateIdle:
		r.sum = b
		if b == Start {
			r.hdrPos = 0
			r.state = stateHeader
		}
		return FeedResult{}

	case stateHeader:
		r.hdrBuf[r.hdrPos] = b
		r.sum += b
		r.hdrPos++
		if r.hdrPos < HeaderSize {
			return FeedResult{}
		}
		r.header = DecodeHeader(r.hdrBuf[:])
		r.payloadPos = 0
		switch {
		case r.header.Length == 0:
			r.state = stateChecksum
		case r.header.Type == WData:
			r.state = stateData
			if r.SinkFunc != nil {
				r.sink = r.SinkFunc(r.header)
			} else {
				r.sink = nil
			}
			if r.sink == nil {
				r.payload = make([]byte, r.header.Length)
			}
		case r.header.Length > DataMax:
			r.state = stateOverflow
			r.overflowPos = 0
			r.wasOverflow = true
		default:
			r.state = stateData
			r.sink = nil
			r.payload = make([]byte, r.header.Length)
		}
		return FeedResult{}

	case stateData:
		r.sum += b
		if r.sink != nil {
			// Errors are not fatal here: the device records the preceding
			// WRITE's range without checking it against memory, so a write
			// failure only means this byte is dropped on the floor while
			// framing stays in sync with the sender.
			_, _ = r.sink.Write([]byte{b})
		} else {
			r.payload[r.payloadPos] = b
		}
		r.payloadPos++
		if r.payloadPos == r.header.Length {
			r.state = stateChecksum
		}
		return FeedResult{}

	case stateOverflow:
		r.sum += b
		r.overflowPos++
		if r.overflowPos == r.header.Length {
			r.state = stateChecksum
		}
		return FeedResult{}

	case stateChecksum:
		received := b
		computed := r.sum
		wasOverflow := r.wasOverflow
		header := r.header
		payload := r.payload
		r.reset()

		if received != computed {
			return FeedResult{
				Outcome:     OutcomeChecksumError,
				Header:      header,
				ReceivedSum: received,
				ComputedSum: computed,
			}
		}
		if wasOverflow {
			return FeedResult{Outcome: OutcomeOverflow, Header: header}
		}
		return FeedResult{Outcome: OutcomePacket, Header: header, Payload: payload}
	}

	// Unreachable: the switch above is exhaustive over the state type.
	r.reset()
	return FeedResult{}
}

func (r *Receiver) reset() {
	r.state = stateIdle
	r.hdrPos = 0
	r.payloadPos = 0
	r.overflowPos = 0
	r.wasOverflow = false
	r.sink = nil
	r.payload = nil
}

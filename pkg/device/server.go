// Package device implements the device-side packet server: the byte-fed
// dispatcher described in spec.md §4.3, backed by pkg/protocol's shared
// framer and receive state machine. It has no dependency on real
// hardware — the RISC-V core, its memory map, and its peripherals are
// external collaborators (spec.md §1) reached only through the Memory
// and UART interfaces.
package device

import (
	"fmt"
	"io"

	"github.com/boaprog/boaprog/pkg/protocol"
)

// DefaultIdentity is the P_WHO response used by the reference firmware
// this protocol was distilled from (original_source/prog/bootloader),
// updated to advertise the maxdata this implementation actually uses.
var DefaultIdentity = fmt.Sprintf("cpus=1,cpu='Boa32',isa='RV32IM_Zicsr_Zifencei',maxdata=%d", protocol.DataMax)

// pendingWrite is the device's one and only outstanding write: set by a
// successful WRITE, consumed by the following WDATA, cleared by any
// other request. Modeled as explicit state threaded through the
// dispatcher rather than package globals, per spec.md §9's design note.
type pendingWrite struct {
	active bool
	addr   uint32
	length uint32
}

// Server is the device-side packet server. One Server owns exactly one
// protocol buffer and one pending-write slot, matching the single-
// threaded, interrupt-free polling loop described in spec.md §5.
type Server struct {
	mem      Memory
	uart     UART
	identity string
	baseFreq uint32

	recv    *protocol.Receiver
	pending pendingWrite

	// OnJump is invoked after a JUMP request has been ACKed. The real
	// transfer of control (disable interrupts, fence, branch) belongs to
	// the RISC-V core and is out of scope for the protocol core; OnJump
	// is the seam where a real firmware would perform it.
	OnJump func(addr uint32)
	// OnCall is the equivalent seam for CALL; unlike OnJump, a real
	// firmware is expected to return from it.
	OnCall func(addr uint32)
}

// NewServer constructs a packet server over mem and uart, responding to
// P_WHO with identity and computing UART dividers against baseFreq.
func NewServer(mem Memory, uart UART, identity string, baseFreq uint32) *Server {
	s := &Server{
		mem:      mem,
		uart:     uart,
		identity: identity,
		baseFreq: baseFreq,
		recv:     protocol.NewReceiver(),
	}
	s.recv.SinkFunc = s.wdataSink
	return s
}

// wdataSink is called by the receive state machine exactly when the header
// of a WDATA frame with a non-zero length has been parsed. It streams the payload directly into device
// memory at the pending write's address, clipped to
// min(pending.length, header.length) — option (b) from spec.md §9's
// "fall-through on WDATA" design note: a WDATA that disagrees with the
// preceding WRITE makes forward progress on the agreed range instead of
// writing past it.
func (s *Server) wdataSink(h protocol.Header) io.Writer {
	if !s.pending.active {
		// No WRITE preceded this WDATA: fall back to plain buffering so
		// framing still completes normally; handleWData rejects the
		// frame with AckNCAP once dispatched.
		return nil
	}
	remaining := s.pending.length
	if h.Length < remaining {
		remaining = h.Length
	}
	return &clippedWriter{mem: s.mem, addr: s.pending.addr, remaining: remaining}
}

// clippedWriter writes at most `remaining` bytes to mem starting at addr,
// silently discarding anything beyond that so framing stays byte-aligned
// with the sender.
type clippedWriter struct {
	mem       Memory
	addr      uint32
	remaining uint32
	pos       uint32
}

func (w *clippedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.pos < w.remaining {
		take := uint32(n)
		if avail := w.remaining - w.pos; take > avail {
			take = avail
		}
		if err := w.mem.WriteAt(w.addr+w.pos, p[:take]); err != nil {
			w.pos += uint32(n)
			return n, err
		}
	}
	w.pos += uint32(n)
	return n, nil
}

// FeedByte drives the receive state machine with a single byte read from
// the UART, dispatching a request and emitting a response whenever a
// frame completes. This is the device's single public entry point,
// matching spec.md §4.3.
func (s *Server) FeedByte(b byte) {
	result := s.recv.Feed(b)
	switch result.Outcome {
	case protocol.OutcomeNone:
		return
	case protocol.OutcomeChecksumError:
		s.sendAck(protocol.AckXSUM, protocol.XSumCause(result.ReceivedSum, result.ComputedSum))
	case protocol.OutcomeOverflow:
		s.sendAck(protocol.AckNCAP, 0)
	case protocol.OutcomePacket:
		s.dispatch(result.Header, result.Payload)
	}
}

func (s *Server) dispatch(h protocol.Header, payload []byte) {
	if h.Type != protocol.WData {
		// Any request other than the WDATA that was supposed to follow a
		// WRITE consumes the pending-write state (spec.md §3 invariant 2).
		s.pending.active = false
	}

	switch h.Type {
	case protocol.Ping:
		s.handlePing(payload)
	case protocol.Who:
		s.handleWho(payload)
	case protocol.Speed:
		s.handleSpeed(payload)
	case protocol.Write:
		s.handleWrite(payload)
	case protocol.Read:
		s.handleRead(payload)
	case protocol.WData:
		s.handleWData(payload)
	case protocol.Jump:
		s.handleJump(payload)
	case protocol.Call:
		s.handleCall(payload)
	default:
		s.sendAck(protocol.AckNCAP, 0)
	}
}

func (s *Server) handlePing(payload []byte) {
	if len(payload) != protocol.PingSize {
		s.sendAck(protocol.AckNCAP, 0)
		return
	}
	s.sendPacket(protocol.Pong, payload)
}

func (s *Server) handleWho(payload []byte) {
	if len(payload) != 0 {
		s.sendAck(protocol.AckNCAP, 0)
		return
	}
	s.sendPacket(protocol.Ident, []byte(s.identity))
}

func (s *Server) handleSpeed(payload []byte) {
	speed, ok := protocol.DecodeAddr(payload)
	if !ok || speed == 0 {
		s.sendAck(protocol.AckNCAP, 0)
		return
	}
	divider := s.baseFreq / speed
	if divider < 4 || divider > 65535 {
		s.sendAck(protocol.AckNSPEED, 0)
		return
	}
	s.sendAck(protocol.AckOK, 0)
	s.uart.Drain()
	s.uart.SetDivider(uint16(divider))
}

func (s *Server) handleWrite(payload []byte) {
	wp, ok := protocol.DecodeWrite(payload)
	if !ok {
		s.sendAck(protocol.AckNCAP, 0)
		return
	}
	s.pending = pendingWrite{active: true, addr: wp.Addr, length: wp.Length}
	s.sendAck(protocol.AckOK, 0)
}

func (s *Server) handleRead(payload []byte) {
	rp, ok := protocol.DecodeRead(payload)
	if !ok {
		s.sendAck(protocol.AckNCAP, 0)
		return
	}
	buf := make([]byte, rp.Length)
	if err := s.mem.ReadAt(rp.Addr, buf); err != nil {
		s.sendAck(protocol.AckADDR, 0)
		return
	}
	s.sendPacket(protocol.RData, buf)
}

func (s *Server) handleWData(payload []byte) {
	// The payload has already been consumed byte-by-byte into memory by
	// wdataSink during framing; there is nothing left to do here except
	// acknowledge (or refuse, if no WRITE preceded this WDATA).
	if !s.pending.active {
		s.sendAck(protocol.AckNCAP, 0)
		return
	}
	s.pending.active = false
	s.sendAck(protocol.AckOK, 0)
}

func (s *Server) handleJump(payload []byte) {
	addr, ok := protocol.DecodeAddr(payload)
	if !ok {
		s.sendAck(protocol.AckNCAP, 0)
		return
	}
	s.sendAck(protocol.AckOK, 0)
	if s.OnJump != nil {
		s.OnJump(addr)
	}
}

func (s *Server) handleCall(payload []byte) {
	addr, ok := protocol.DecodeAddr(payload)
	if !ok {
		s.sendAck(protocol.AckNCAP, 0)
		return
	}
	s.sendAck(protocol.AckOK, 0)
	if s.OnCall != nil {
		s.OnCall(addr)
	}
}

func (s *Server) sendAck(ackType uint8, cause uint32) {
	s.sendPacket(protocol.Ack, protocol.EncodeAck(ackType, cause))
}

func (s *Server) sendPacket(typ uint32, payload []byte) {
	s.uart.Write(protocol.Frame(typ, payload))
}

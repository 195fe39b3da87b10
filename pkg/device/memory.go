package device

import "fmt"

// Memory is the device's flat addressable physical memory, as seen by the
// packet server. The real RISC-V memory map is an external collaborator
// (spec.md §1 Non-goals); this interface is the seam the packet server
// is built against, so any backing store — simulated RAM for tests, or a
// real board's address space — can sit behind it.
type Memory interface {
	ReadAt(addr uint32, buf []byte) error
	WriteAt(addr uint32, data []byte) error
}

// ErrOutOfRange is returned by SimMemory when an access falls outside the
// backing region.
type ErrOutOfRange struct {
	Addr   uint32
	Length uint32
	Base   uint32
	Size   uint32
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("access [%#x, %#x) out of range [%#x, %#x)", e.Addr, uint64(e.Addr)+uint64(e.Length), e.Base, uint64(e.Base)+uint64(e.Size))
}

// SimMemory is a flat, contiguous byte slice standing in for device RAM.
// It is the memory backend used by tests and by the in-process device
// stub (pkg/device is testable without real hardware per spec.md §4.6's
// design notes on the serial I/O abstraction — the same idea applies to
// memory).
type SimMemory struct {
	Base uint32
	Data []byte
}

// NewSimMemory allocates a zeroed region of size bytes starting at base.
func NewSimMemory(base uint32, size int) *SimMemory {
	return &SimMemory{Base: base, Data: make([]byte, size)}
}

func (m *SimMemory) bounds(addr uint32, length uint32) (int, bool) {
	if addr < m.Base {
		return 0, false
	}
	off := addr - m.Base
	if uint64(off)+uint64(length) > uint64(len(m.Data)) {
		return 0, false
	}
	return int(off), true
}

// ReadAt copies len(buf) bytes starting at addr into buf.
func (m *SimMemory) ReadAt(addr uint32, buf []byte) error {
	off, ok := m.bounds(addr, uint32(len(buf)))
	if !ok {
		return ErrOutOfRange{Addr: addr, Length: uint32(len(buf)), Base: m.Base, Size: uint32(len(m.Data))}
	}
	copy(buf, m.Data[off:off+len(buf)])
	return nil
}

// WriteAt copies data into the region starting at addr.
func (m *SimMemory) WriteAt(addr uint32, data []byte) error {
	off, ok := m.bounds(addr, uint32(len(data)))
	if !ok {
		return ErrOutOfRange{Addr: addr, Length: uint32(len(data)), Base: m.Base, Size: uint32(len(m.Data))}
	}
	copy(m.Data[off:off+len(data)], data)
	return nil
}

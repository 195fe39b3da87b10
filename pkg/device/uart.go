package device

// DefaultBaseFreq is the device's UART base clock frequency used to turn
// a requested baud rate into a clock divider. The original hardware this
// protocol targets is not specified (spec.md §1), so this is a
// documented, arbitrary choice consistent with small FPGA soft-core
// designs.
const DefaultBaseFreq = 50_000_000

// UART is the device's serial peripheral, as seen by the packet server.
// It mirrors the Tx/Write shape used throughout the tamago board drivers
// (busy-wait transmit, no interrupts in the protocol path, spec.md §5) so
// that a real register-backed implementation can be dropped in behind it
// without changing pkg/device.
type UART interface {
	// Write transmits buf, blocking until every byte has been accepted by
	// the transmit FIFO.
	Write(buf []byte) (int, error)
	// Drain blocks until the transmit FIFO has fully emptied.
	Drain()
	// SetDivider reprograms the UART clock divider. Called only after
	// Drain has returned, per spec.md §3's UART divider lifecycle.
	SetDivider(divider uint16)
}

// SimUART is an in-memory UART used by tests and by the in-process
// device stub. It records every frame written and tracks the divider
// that SetDivider last installed.
type SimUART struct {
	TX      []byte
	Divider uint16
	drains  int
}

// NewSimUART returns a SimUART with the divider implied by
// DefaultBaseFreq and 19200 baud.
func NewSimUART() *SimUART {
	return &SimUART{Divider: uint16(DefaultBaseFreq / 19200)}
}

func (u *SimUART) Write(buf []byte) (int, error) {
	u.TX = append(u.TX, buf...)
	return len(buf), nil
}

// Drain is a no-op: SimUART has no FIFO to wait on, but it still counts
// calls so tests can assert drain-before-switch ordering.
func (u *SimUART) Drain() { u.drains++ }

// Drains reports how many times Drain has been called.
func (u *SimUART) Drains() int { return u.drains }

func (u *SimUART) SetDivider(divider uint16) { u.Divider = divider }

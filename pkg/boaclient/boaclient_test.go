package boaclient

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/boaprog/boaprog/pkg/device"
	"github.com/boaprog/boaprog/pkg/elfload"
	"github.com/boaprog/boaprog/pkg/protocol"
	"github.com/boaprog/boaprog/pkg/transport"
)

// loopbackPort is the same in-memory Port pattern used in
// pkg/transport's tests, reused here so boaclient's operations can be
// exercised against a real pkg/device.Server.
type loopbackPort struct {
	writes  chan []byte
	rx      chan byte
	timeout time.Duration

	// sent records every frame the host has transmitted, in order. Only
	// the test goroutine ever calls Write (spec.md's operations never
	// overlap), so no locking is needed to read it back after stop().
	sent [][]byte
}

func (p *loopbackPort) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	p.sent = append(p.sent, cp)
	p.writes <- cp
	return len(b), nil
}

func (p *loopbackPort) Read(b []byte) (int, error) {
	select {
	case c, ok := <-p.rx:
		if !ok {
			return 0, nil
		}
		b[0] = c
		return 1, nil
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *loopbackPort) SetReadTimeout(t time.Duration) error { p.timeout = t; return nil }
func (p *loopbackPort) Drain() error                         { return nil }
func (p *loopbackPort) SetMode(mode *serial.Mode) error       { return nil }
func (p *loopbackPort) Close() error                          { return nil }

type loopbackUART struct{ rx chan byte }

func (u *loopbackUART) Write(buf []byte) (int, error) {
	for _, b := range buf {
		u.rx <- b
	}
	return len(buf), nil
}
func (u *loopbackUART) Drain()              {}
func (u *loopbackUART) SetDivider(d uint16) {}

// writeRequestLengths returns the length field of every WRITE (not
// WDATA) request the host transmitted, in order, by decoding each
// recorded frame's header.
func writeRequestLengths(sent [][]byte) []uint32 {
	var lengths []uint32
	for _, frame := range sent {
		h := protocol.DecodeHeader(frame[1 : 1+protocol.HeaderSize])
		if h.Type != protocol.Write {
			continue
		}
		payload := frame[1+protocol.HeaderSize : 1+protocol.HeaderSize+int(h.Length)]
		wp, ok := protocol.DecodeWrite(payload)
		if !ok {
			continue
		}
		lengths = append(lengths, wp.Length)
	}
	return lengths
}

func newTestClient() (*Client, *device.SimMemory, *loopbackPort, func()) {
	port := &loopbackPort{writes: make(chan []byte, 16), rx: make(chan byte, 1<<16), timeout: time.Second}
	mem := device.NewSimMemory(0x80000000, 0x20000)
	srv := device.NewServer(mem, &loopbackUART{rx: port.rx}, device.DefaultIdentity, device.DefaultBaseFreq)

	done := make(chan struct{})
	go func() {
		for frame := range port.writes {
			for _, b := range frame {
				srv.FeedByte(b)
			}
		}
		close(done)
	}()

	tr := transport.New(port)
	client := New(tr)
	stop := func() {
		close(port.writes)
		<-done
	}
	return client, mem, port, stop
}

func TestClientPing(t *testing.T) {
	client, _, _, stop := newTestClient()
	defer stop()
	if err := client.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestClientIdentify(t *testing.T) {
	client, _, _, stop := newTestClient()
	defer stop()
	id, err := client.Identify()
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if id != device.DefaultIdentity {
		t.Fatalf("identity = %q, want %q", id, device.DefaultIdentity)
	}
}

func TestClientWriteRead(t *testing.T) {
	client, _, _, stop := newTestClient()
	defer stop()

	const addr = 0x80000100
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}

	if err := client.Write(addr, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := client.Read(addr, uint32(len(want)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("readback = %x, want %x", got, want)
	}
}

// P6: chunking produces the same RAM state as one monolithic write and
// exactly ceil(|b|/BlockSize) WRITE+WDATA pairs.
func TestClientWriteChunking(t *testing.T) {
	client, mem, port, stop := newTestClient()
	defer stop()

	const addr = 0x80004000
	data := bytes.Repeat([]byte{0xAB}, BlockSize*2+37)

	if err := client.Write(addr, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(data))
	if err := mem.ReadAt(addr, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("memory mismatch after chunked write")
	}

	lengths := writeRequestLengths(port.sent)
	wantLengths := []uint32{BlockSize, BlockSize, 37}
	if len(lengths) != len(wantLengths) {
		t.Fatalf("got %d WRITE requests, want %d", len(lengths), len(wantLengths))
	}
	for i, want := range wantLengths {
		if lengths[i] != want {
			t.Fatalf("WRITE request %d length = %d, want %d", i, lengths[i], want)
		}
	}
}

func TestClientJumpAndCall(t *testing.T) {
	client, _, _, stop := newTestClient()
	defer stop()
	if err := client.Jump(0x80001000); err != nil {
		t.Fatalf("Jump: %v", err)
	}
	if err := client.Call(0x80002000); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

// S5: a SPEED request within range is ACKed, confirmed with a ping at the
// (simulated) new rate; an out-of-range request fails soft.
func TestClientChangeSpeed(t *testing.T) {
	client, _, _, stop := newTestClient()
	defer stop()
	if err := client.ChangeSpeed(115200); err != nil {
		t.Fatalf("ChangeSpeed: %v", err)
	}

	if err := client.ChangeSpeed(1); !errors.Is(err, ErrOperationRefused) {
		t.Fatalf("ChangeSpeed(1) = %v, want ErrOperationRefused", err)
	}
}

// S6: a 3000-byte segment at 0x80001000 with BlockSize=1024 produces
// three WRITE+WDATA pairs of sizes 1024, 1024, 952, and the readback
// equals the uploaded bytes.
func TestUploadELFSegmentChunking(t *testing.T) {
	client, mem, port, stop := newTestClient()
	defer stop()

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	inst := &fakeInstance{segments: []elfload.Segment{{Vaddr: 0x80001000, Data: data}}, entry: 0x80001000}

	if err := client.UploadELF(inst, false); err != nil {
		t.Fatalf("UploadELF: %v", err)
	}

	got := make([]byte, len(data))
	if err := mem.ReadAt(0x80001000, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("uploaded memory mismatch")
	}

	lengths := writeRequestLengths(port.sent)
	wantLengths := []uint32{1024, 1024, 952}
	if len(lengths) != len(wantLengths) {
		t.Fatalf("got %d WRITE requests, want %d", len(lengths), len(wantLengths))
	}
	for i, want := range wantLengths {
		if lengths[i] != want {
			t.Fatalf("WRITE request %d length = %d, want %d", i, lengths[i], want)
		}
	}
}

func TestUploadELFRunsJumpWhenRequested(t *testing.T) {
	client, _, _, stop := newTestClient()
	defer stop()

	inst := &fakeInstance{segments: []elfload.Segment{{Vaddr: 0x80001000, Data: []byte{1, 2, 3}}}, entry: 0x80001000}
	if err := client.UploadELF(inst, true); err != nil {
		t.Fatalf("UploadELF(run=true): %v", err)
	}
}

type fakeInstance struct {
	segments []elfload.Segment
	entry    uint32
}

func (f *fakeInstance) Segments() []elfload.Segment { return f.segments }
func (f *fakeInstance) Entrypoint() uint32           { return f.entry }
func (f *fakeInstance) Close() error                 { return nil }

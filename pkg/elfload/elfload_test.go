package elfload

import (
	"errors"
	"testing"
)

// fakeProvider and fakeFile let callers of elfload.Open be tested without
// a real ELF file on disk.
type fakeProvider struct {
	files map[string]*fakeFile
}

func (p fakeProvider) Open(path string) (File, error) {
	f, ok := p.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return f, nil
}

type fakeFile struct {
	segments []Segment
	entry    uint32
	closed   bool
}

func (f *fakeFile) Load() (Instance, error) {
	return &fakeInstance{segments: f.segments, entry: f.entry}, nil
}
func (f *fakeFile) Close() error { f.closed = true; return nil }

type fakeInstance struct {
	segments []Segment
	entry    uint32
	closed   bool
}

func (i *fakeInstance) Segments() []Segment { return i.segments }
func (i *fakeInstance) Entrypoint() uint32   { return i.entry }
func (i *fakeInstance) Close() error         { i.closed = true; return nil }

func TestOpenLoadsSegmentsAndEntry(t *testing.T) {
	f := &fakeFile{
		segments: []Segment{{Vaddr: 0x80001000, Data: []byte{1, 2, 3}}},
		entry:    0x80001000,
	}
	p := fakeProvider{files: map[string]*fakeFile{"prog.elf": f}}

	inst, closer, err := Open(p, "prog.elf")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closer()

	if inst.Entrypoint() != 0x80001000 {
		t.Fatalf("entry = %#x, want 0x80001000", inst.Entrypoint())
	}
	if len(inst.Segments()) != 1 || inst.Segments()[0].Vaddr != 0x80001000 {
		t.Fatalf("unexpected segments: %+v", inst.Segments())
	}
}

func TestOpenMissingFile(t *testing.T) {
	p := fakeProvider{files: map[string]*fakeFile{}}
	if _, _, err := Open(p, "missing.elf"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

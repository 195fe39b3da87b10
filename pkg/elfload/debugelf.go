package elfload

import (
	"debug/elf"
	"fmt"
)

// DebugElfProvider implements Provider against the standard library's
// debug/elf package. It is the default Provider: spec.md §1 places ELF
// parsing itself out of scope, and none of the example repos in the
// retrieved pack import a third-party ELF library, so there is nothing
// from the corpus to wire in here instead (see DESIGN.md).
type DebugElfProvider struct{}

// New returns the default ELF Provider.
func New() Provider { return DebugElfProvider{} }

func (DebugElfProvider) Open(path string) (File, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	return &debugElfFile{f: f}, nil
}

type debugElfFile struct {
	f *elf.File
}

func (d *debugElfFile) Load() (Instance, error) {
	var segs []Segment
	for _, prog := range d.f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("read PT_LOAD segment at %#x: %w", prog.Vaddr, err)
		}
		if prog.Vaddr > 0xFFFFFFFF {
			return nil, fmt.Errorf("segment vaddr %#x out of 32-bit range", prog.Vaddr)
		}
		segs = append(segs, Segment{Vaddr: uint32(prog.Vaddr), Data: data})
	}
	if d.f.Entry > 0xFFFFFFFF {
		return nil, fmt.Errorf("entry point %#x out of 32-bit range", d.f.Entry)
	}
	return &debugElfInstance{segments: segs, entry: uint32(d.f.Entry)}, nil
}

func (d *debugElfFile) Close() error { return d.f.Close() }

type debugElfInstance struct {
	segments []Segment
	entry    uint32
}

func (i *debugElfInstance) Segments() []Segment { return i.segments }
func (i *debugElfInstance) Entrypoint() uint32   { return i.entry }
func (i *debugElfInstance) Close() error         { return nil }

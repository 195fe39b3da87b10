// Package elfload provides the ELF loader glue described in spec.md §4.6:
// a small, ELF-ignorant interface that an upload operation drives to turn
// a program file into an ordered sequence of loadable segments. ELF
// parsing itself is delegated to a Provider; this package never inspects
// section headers, relocations, or symbol tables.
package elfload

import "fmt"

// Segment is one loadable program segment: a physical load address and
// its contents, already resolved by the Provider.
type Segment struct {
	Vaddr uint32
	Data  []byte
}

// Instance is a loaded program, ready to be streamed to a device.
type Instance interface {
	// Segments returns the loadable segments in file order.
	Segments() []Segment
	// Entrypoint returns the program's entry address.
	Entrypoint() uint32
	// Close releases any resources held by the instance.
	Close() error
}

// File is an opened program file, not yet loaded.
type File interface {
	// Load resolves segments and entry point, producing an Instance.
	Load() (Instance, error)
	// Close releases the open file.
	Close() error
}

// Provider opens program files. The default Provider (New) is backed by
// the standard library's debug/elf; see DESIGN.md for why no third-party
// ELF library from the example pack was available to wire in instead.
type Provider interface {
	Open(path string) (File, error)
}

// Open is a convenience that opens, loads, and returns an Instance plus a
// closer that closes both the file and the instance.
func Open(p Provider, path string) (Instance, func() error, error) {
	f, err := p.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("elfload: open %s: %w", path, err)
	}
	inst, err := f.Load()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("elfload: load %s: %w", path, err)
	}
	closer := func() error {
		instErr := inst.Close()
		fileErr := f.Close()
		if instErr != nil {
			return instErr
		}
		return fileErr
	}
	return inst, closer, nil
}

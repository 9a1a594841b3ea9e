package deps

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/blacktop/go-macho"
)

// MachOLister lists dependencies by parsing load commands directly. Thin and
// universal binaries are supported; files that are not Mach-O are skipped.
type MachOLister struct{}

func (MachOLister) List(ctx context.Context, binaries []string) ([]Dependency, error) {
	var out []Dependency
	for _, path := range binaries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		libs, err := importedLibraries(path)
		if err != nil {
			return nil, fmt.Errorf("failed to list dependencies of %s: %w", path, err)
		}
		for _, lib := range libs {
			out = append(out, Dependency{Binary: path, Path: lib, Versioned: true})
		}
	}
	return out, nil
}

const (
	fatMagic   = 0xcafebabe
	fatMagic64 = 0xcafebabf
)

func importedLibraries(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, nil
	}

	switch binary.BigEndian.Uint32(data[:4]) {
	case fatMagic, fatMagic64:
		fat, err := macho.NewFatFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse as fat binary: %w", err)
		}
		defer fat.Close()

		seen := make(map[string]bool)
		var libs []string
		for i, arch := range fat.Arches {
			end := uint64(arch.Offset) + uint64(arch.Size)
			if end > uint64(len(data)) {
				return nil, fmt.Errorf("arch %d extends past end of file (0x%x > 0x%x)", i, end, len(data))
			}
			archData := data[arch.Offset:end]
			m, err := macho.NewFile(bytes.NewReader(archData))
			if err != nil {
				return nil, fmt.Errorf("failed to parse arch %d: %w", i, err)
			}
			for _, lib := range m.ImportedLibraries() {
				if !seen[lib] {
					seen[lib] = true
					libs = append(libs, lib)
				}
			}
			m.Close()
		}
		return libs, nil
	}

	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		// Scripts, data files and byte-compiled caches have no load commands.
		return nil, nil
	}
	defer m.Close()
	return m.ImportedLibraries(), nil
}

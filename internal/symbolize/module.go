package symbolize

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ianlancetaylor/demangle"

	"github.com/baikal/fuzmon/internal/model"
)

// ErrNotELF marks a backing file that is not an ELF object (data files,
// scripts, fonts mapped into the process image).
var ErrNotELF = errors.New("not an ELF file")

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

type loadSegment struct {
	off    uint64
	vaddr  uint64
	filesz uint64
}

type symEntry struct {
	addr uint64
	size uint64
	name string
}

// Module is one parsed backing file: ELF headers, optional DWARF data, and
// the symbol table. A Module is shared by reference between all PIDs that
// map the same file; the cache owns it.
type Module struct {
	Path  string
	IsPIC bool

	mtime time.Time
	dw    *dwarf.Data
	segs  []loadSegment
	syms  []symEntry
}

// loadModule parses the ELF file at path. The caller has already stat'ed
// the path and checked it is a regular file.
func loadModule(path string, mtime time.Time) (*Module, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var magic [4]byte
	if _, err := file.ReadAt(magic[:], 0); err != nil || magic != elfMagic {
		return nil, fmt.Errorf("%s: %w", path, ErrNotELF)
	}

	ef, err := elf.NewFile(file)
	if err != nil {
		return nil, fmt.Errorf("parse ELF %s: %w", path, err)
	}

	m := &Module{
		Path:  path,
		IsPIC: ef.Type == elf.ET_DYN,
		mtime: mtime,
	}
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_LOAD {
			m.segs = append(m.segs, loadSegment{
				off:    prog.Off,
				vaddr:  prog.Vaddr,
				filesz: prog.Filesz,
			})
		}
	}

	// DWARF is optional; stripped binaries fall back to the symbol table.
	if dw, err := ef.DWARF(); err == nil {
		m.dw = dw
	}

	syms, _ := ef.Symbols()
	dynsyms, _ := ef.DynamicSymbols()
	for _, sym := range append(syms, dynsyms...) {
		typ := elf.ST_TYPE(sym.Info)
		if (typ != elf.STT_FUNC && typ != elf.STT_OBJECT) || sym.Value == 0 || sym.Name == "" {
			continue
		}
		m.syms = append(m.syms, symEntry{addr: sym.Value, size: sym.Size, name: sym.Name})
	}
	sort.Slice(m.syms, func(i, j int) bool { return m.syms[i].addr < m.syms[j].addr })

	return m, nil
}

// Symbol returns the runtime address of a named symbol inside mp, used by
// the Python unwinder to locate interpreter state.
func (m *Module) Symbol(name string, mp Mapping) (uint64, bool) {
	for _, sym := range m.syms {
		if sym.name == name {
			return m.runtimeAddr(sym.addr, mp), true
		}
	}
	return 0, false
}

// linkAddr translates a runtime address into the module's link-time address
// space. Non-PIC executables run at their link addresses; PIC objects are
// translated through the mapping into file-offset space and then biased by
// the containing PT_LOAD segment.
func (m *Module) linkAddr(addr uint64, mp Mapping) (uint64, bool) {
	if !m.IsPIC {
		return addr, true
	}
	fileOff := addr - mp.Start + mp.Offset
	for _, seg := range m.segs {
		if fileOff >= seg.off && fileOff < seg.off+seg.filesz {
			return fileOff - seg.off + seg.vaddr, true
		}
	}
	return 0, false
}

// runtimeAddr is the inverse of linkAddr.
func (m *Module) runtimeAddr(link uint64, mp Mapping) uint64 {
	if !m.IsPIC {
		return link
	}
	for _, seg := range m.segs {
		if link >= seg.vaddr && link < seg.vaddr+seg.filesz {
			return link - seg.vaddr + seg.off - mp.Offset + mp.Start
		}
	}
	return link
}

// Resolve symbolicates one return address that falls inside mp. DWARF
// inline frames win; the symbol table is the fallback; nil means this
// module cannot describe the address.
func (m *Module) Resolve(addr uint64, mp Mapping) []model.Frame {
	if !mp.Contains(addr) {
		return nil
	}
	link, ok := m.linkAddr(addr, mp)
	if !ok {
		return nil
	}

	if frames := m.dwarfFrames(addr, link); len(frames) > 0 {
		return frames
	}
	if name, ok := m.lookupSymbol(link); ok {
		return []model.Frame{{Addr: model.Uint64(addr), Func: name}}
	}
	return nil
}

func (m *Module) lookupSymbol(link uint64) (string, bool) {
	i := sort.Search(len(m.syms), func(i int) bool { return m.syms[i].addr > link })
	if i == 0 {
		return "", false
	}
	sym := m.syms[i-1]
	if sym.size > 0 && link >= sym.addr+sym.size {
		return "", false
	}
	return demangleName(sym.name), true
}

// demangleName demangles C++/Rust mangled symbols and leaves everything
// else untouched.
func demangleName(name string) string {
	if !strings.HasPrefix(name, "_Z") && !strings.HasPrefix(name, "_R") {
		return name
	}
	return demangle.Filter(name)
}

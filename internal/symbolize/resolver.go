package symbolize

import (
	"github.com/baikal/fuzmon/internal/model"
)

// Resolver symbolicates addresses against one process image, captured at
// the moment of sampling. Modules come from the shared cache; the maps
// snapshot is fresh per sample because mappings move under dlopen and exec.
type Resolver struct {
	mappings []Mapping
	modules  map[string]*Module
}

// ResolverFor snapshots the maps of pid and fetches the module for every
// file-backed mapping. Unloadable modules leave a hole: their addresses
// stay address-only frames.
func (c *Cache) ResolverFor(procRoot string, pid uint32) (*Resolver, error) {
	mappings, err := PidMaps(procRoot, pid)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		mappings: mappings,
		modules:  make(map[string]*Module, len(mappings)),
	}
	for _, m := range mappings {
		if mod, err := c.Module(m.Path); err == nil && mod != nil {
			r.modules[m.Path] = mod
		}
	}
	return r, nil
}

// Resolve symbolicates one return address. The result always carries at
// least the address itself; DWARF may expand it into several inline frames.
func (r *Resolver) Resolve(addr uint64) []model.Frame {
	for _, mp := range r.mappings {
		if !mp.Contains(addr) {
			continue
		}
		mod, ok := r.modules[mp.Path]
		if !ok {
			continue
		}
		if frames := mod.Resolve(addr, mp); len(frames) > 0 {
			return frames
		}
	}
	return []model.Frame{{Addr: model.Uint64(addr)}}
}

// Mappings exposes the maps snapshot, used by the Python unwinder to find
// the interpreter image.
func (r *Resolver) Mappings() []Mapping { return r.mappings }

// ModuleAt returns the module backing a mapping, if one loaded.
func (r *Resolver) ModuleAt(mp Mapping) (*Module, bool) {
	mod, ok := r.modules[mp.Path]
	return mod, ok
}

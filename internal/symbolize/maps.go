// Package symbolize resolves native return addresses to source locations.
// It parses /proc/<pid>/maps into per-file mappings, loads ELF/DWARF modules
// through a mtime-keyed cache, and translates runtime addresses back through
// position-independent mappings before DWARF lookup.
package symbolize

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Mapping is the merged extent of one backing file inside a process image:
// the minimum start and maximum end over all of the file's segments, and the
// file offset of the lowest mapping.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Path   string
}

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// ParseMaps reads /proc/<pid>/maps content and groups the lines by backing
// path. Anonymous mappings are dropped; pseudo entries such as "[vdso]" are
// kept and rejected later by the module cache.
func ParseMaps(r io.Reader) []Mapping {
	byPath := make(map[string]*Mapping)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// range perms offset dev inode path
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		startStr, endStr, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		start, err := strconv.ParseUint(startStr, 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(endStr, 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}
		path := strings.Join(fields[5:], " ")

		m, ok := byPath[path]
		if !ok {
			byPath[path] = &Mapping{Start: start, End: end, Offset: offset, Path: path}
			continue
		}
		if start < m.Start {
			m.Start = start
			m.Offset = offset
		}
		if end > m.End {
			m.End = end
		}
	}

	mappings := make([]Mapping, 0, len(byPath))
	for _, m := range byPath {
		mappings = append(mappings, *m)
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].Start < mappings[j].Start })
	return mappings
}

// PidMaps parses the live maps of pid below procRoot.
func PidMaps(procRoot string, pid uint32) ([]Mapping, error) {
	file, err := os.Open(filepath.Join(procRoot, strconv.FormatUint(uint64(pid), 10), "maps"))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseMaps(file), nil
}

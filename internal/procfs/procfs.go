// Package procfs reads per-process facts out of /proc. All functions are
// best-effort: a process can die between enumeration and read, so a missing
// or unreadable file reports absence instead of an error.
package procfs

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// Reader resolves process facts under Root (normally "/proc"). Tests point
// Root at a fake tree in a temp dir.
type Reader struct {
	Root string
}

// New returns a Reader over the real /proc.
func New() *Reader {
	return &Reader{Root: "/proc"}
}

func (r *Reader) pidPath(pid uint32, parts ...string) string {
	elems := append([]string{r.Root, strconv.FormatUint(uint64(pid), 10)}, parts...)
	return filepath.Join(elems...)
}

// Pids enumerates every numeric entry under Root, ascending.
func (r *Reader) Pids() []uint32 {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		return nil
	}
	var pids []uint32
	for _, entry := range entries {
		pid, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		pids = append(pids, uint32(pid))
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Exists reports whether /proc/<pid> is present.
func (r *Reader) Exists(pid uint32) bool {
	_, err := os.Stat(r.pidPath(pid))
	return err == nil
}

// StatJiffies returns utime and stime (stat fields 14 and 15) for pid.
func (r *Reader) StatJiffies(pid uint32) (utime, stime uint64, ok bool) {
	data, err := os.ReadFile(r.pidPath(pid, "stat"))
	if err != nil {
		return 0, 0, false
	}
	// comm may contain spaces and parens; everything of interest follows
	// the last ")".
	s := string(data)
	end := strings.LastIndex(s, ")")
	if end < 0 {
		return 0, 0, false
	}
	rest := strings.Fields(s[end+1:])
	// rest[0]=state ... rest[11]=utime, rest[12]=stime
	if len(rest) < 13 {
		return 0, 0, false
	}
	utime, err = strconv.ParseUint(rest[11], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	stime, err = strconv.ParseUint(rest[12], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return utime, stime, true
}

// TotalJiffies sums every column of the aggregate "cpu" line in /proc/stat.
func (r *Reader) TotalJiffies() (uint64, bool) {
	data, err := os.ReadFile(filepath.Join(r.Root, "stat"))
	if err != nil {
		return 0, false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "cpu" {
		return 0, false
	}
	var total uint64
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, false
		}
		total += v
	}
	return total, true
}

func (r *Reader) statusValue(pid uint32, key string) (uint64, bool) {
	data, err := os.ReadFile(r.pidPath(pid, "status"))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, key) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// RssKB returns VmRSS from /proc/<pid>/status, in kB.
func (r *Reader) RssKB(pid uint32) (uint64, bool) { return r.statusValue(pid, "VmRSS:") }

// VszKB returns VmSize from /proc/<pid>/status, in kB.
func (r *Reader) VszKB(pid uint32) (uint64, bool) { return r.statusValue(pid, "VmSize:") }

// SwapKB returns VmSwap from /proc/<pid>/status, in kB.
func (r *Reader) SwapKB(pid uint32) (uint64, bool) { return r.statusValue(pid, "VmSwap:") }

// Comm returns the trimmed short program name.
func (r *Reader) Comm(pid uint32) (string, bool) {
	data, err := os.ReadFile(r.pidPath(pid, "comm"))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// Cmdline joins the NUL-separated argv with single spaces, dropping empty
// tokens.
func (r *Reader) Cmdline(pid uint32) (string, bool) {
	data, err := os.ReadFile(r.pidPath(pid, "cmdline"))
	if err != nil {
		return "", false
	}
	var tokens []string
	for _, tok := range strings.Split(string(data), "\x00") {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return strings.Join(tokens, " "), true
}

// Environ joins the NUL-separated KEY=VALUE items with newlines.
func (r *Reader) Environ(pid uint32) (string, bool) {
	data, err := os.ReadFile(r.pidPath(pid, "environ"))
	if err != nil {
		return "", false
	}
	var items []string
	for _, item := range strings.Split(string(data), "\x00") {
		if item != "" {
			items = append(items, item)
		}
	}
	return strings.Join(items, "\n"), true
}

// UID returns the owner of /proc/<pid>.
func (r *Reader) UID(pid uint32) (uint32, bool) {
	info, err := os.Stat(r.pidPath(pid))
	if err != nil {
		return 0, false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Uid, true
}

// FdMap resolves every numeric entry of /proc/<pid>/fd via readlink.
// Pseudo targets such as "[eventpoll]" are kept verbatim.
func (r *Reader) FdMap(pid uint32) map[int32]string {
	dir := r.pidPath(pid, "fd")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	fds := make(map[int32]string, len(entries))
	for _, entry := range entries {
		fd, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		fds[int32(fd)] = target
	}
	return fds
}

// Tids enumerates the thread ids under /proc/<pid>/task, ascending.
func (r *Reader) Tids(pid uint32) []uint32 {
	entries, err := os.ReadDir(r.pidPath(pid, "task"))
	if err != nil {
		return nil
	}
	var tids []uint32
	for _, entry := range entries {
		tid, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		tids = append(tids, uint32(tid))
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	return tids
}

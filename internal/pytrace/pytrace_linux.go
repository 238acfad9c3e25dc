//go:build linux

package pytrace

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/baikal/fuzmon/internal/model"
	"github.com/baikal/fuzmon/internal/symbolize"
)

const (
	maxThreads   = 256
	maxPyFrames  = 128
	maxStringLen = 4096
)

// Capture reads the Python stacks of every interpreter thread in pid,
// keyed by OS thread id. The interpreter keeps running; reads go through
// process_vm_readv against a consistent-enough snapshot. Any structural
// surprise aborts the capture with an error, which callers downgrade to a
// warning.
func Capture(pid uint32, res *symbolize.Resolver) (map[uint32][]model.Frame, error) {
	mp, mod, major, minor, err := findInterpreter(res)
	if err != nil {
		return nil, err
	}
	off, err := offsetsFor(major, minor)
	if err != nil {
		return nil, err
	}

	runtimeAddr, ok := mod.Symbol("_PyRuntime", mp)
	if !ok {
		return nil, fmt.Errorf("%s: no _PyRuntime symbol", mp.Path)
	}

	mem := remoteMem{pid: pid}
	interp, err := mem.readPtr(runtimeAddr + off.interpretersHead)
	if err != nil {
		return nil, fmt.Errorf("read interpreter list: %w", err)
	}

	stacks := make(map[uint32][]model.Frame)
	for interp != 0 {
		if err := captureInterp(mem, interp, off, stacks); err != nil {
			return nil, err
		}
		next, err := mem.readPtr(interp + off.interpNext)
		if err != nil {
			break
		}
		interp = next
	}
	if len(stacks) == 0 {
		return nil, fmt.Errorf("pid %d: no interpreter threads found", pid)
	}
	return stacks, nil
}

// findInterpreter locates the mapping that carries the CPython runtime:
// libpythonX.Y.so when present, otherwise the pythonX.Y binary itself
// (static builds).
func findInterpreter(res *symbolize.Resolver) (symbolize.Mapping, *symbolize.Module, int, int, error) {
	var fallback *symbolize.Mapping
	var fbMajor, fbMinor int
	for _, mp := range res.Mappings() {
		major, minor, ok := versionFromPath(mp.Path)
		if !ok {
			continue
		}
		if strings.Contains(mp.Path, "libpython") {
			if mod, ok := res.ModuleAt(mp); ok {
				return mp, mod, major, minor, nil
			}
			continue
		}
		if fallback == nil {
			m := mp
			fallback = &m
			fbMajor, fbMinor = major, minor
		}
	}
	if fallback != nil {
		if mod, ok := res.ModuleAt(*fallback); ok {
			return *fallback, mod, fbMajor, fbMinor, nil
		}
	}
	return symbolize.Mapping{}, nil, 0, 0, fmt.Errorf("no python interpreter mapping found")
}

func captureInterp(mem remoteMem, interp uint64, off offsets, stacks map[uint32][]model.Frame) error {
	thread, err := mem.readPtr(interp + off.threadsHead)
	if err != nil {
		return fmt.Errorf("read thread list: %w", err)
	}
	for i := 0; thread != 0 && i < maxThreads; i++ {
		tid, err := threadTID(mem, thread, off)
		if err == nil {
			if frames := captureThread(mem, thread, off); len(frames) > 0 {
				stacks[tid] = frames
			}
		}
		thread, err = mem.readPtr(thread + off.threadNext)
		if err != nil {
			break
		}
	}
	return nil
}

func threadTID(mem remoteMem, thread uint64, off offsets) (uint32, error) {
	field := off.nativeThreadID
	if field == 0 {
		// Pre-3.9 thread states only carry the pthread id; it does not
		// match kernel TIDs, so such threads merge as extra entries.
		field = off.threadID
	}
	raw, err := mem.readPtr(thread + field)
	if err != nil {
		return 0, err
	}
	return uint32(raw), nil
}

// captureThread walks one thread's frame chain, innermost first.
func captureThread(mem remoteMem, thread uint64, off offsets) []model.Frame {
	frame, err := mem.readPtr(thread + off.threadFrame)
	if err != nil || frame == 0 {
		return nil
	}
	if off.useCFrame {
		frame, err = mem.readPtr(frame + off.cframeCurrent)
		if err != nil || frame == 0 {
			return nil
		}
	}

	var frames []model.Frame
	for i := 0; frame != 0 && i < maxPyFrames; i++ {
		code, err := mem.readPtr(frame + off.frameCode)
		if err != nil || code == 0 {
			break
		}
		f := model.Frame{
			Func: readStringField(mem, code+off.codeName, off),
			File: readStringField(mem, code+off.codeFilename, off),
		}
		if lineno, err := mem.readU32(code + off.codeFirstLineno); err == nil {
			f.Line = int32(lineno)
		}
		if f.Func != "" || f.File != "" {
			frames = append(frames, f)
		}
		frame, err = mem.readPtr(frame + off.frameBack)
		if err != nil {
			break
		}
	}
	return frames
}

// readStringField dereferences a PyObject* slot and decodes the unicode
// object behind it. Only compact ASCII and compact one-byte strings are
// decoded; anything else (legacy, UCS-2/4) yields "".
func readStringField(mem remoteMem, slot uint64, off offsets) string {
	obj, err := mem.readPtr(slot)
	if err != nil || obj == 0 {
		return ""
	}
	length, err := mem.readPtr(obj + 0x10) // PyASCIIObject.length
	if err != nil || length == 0 || length > maxStringLen {
		return ""
	}
	state, err := mem.readU32(obj + off.strState)
	if err != nil {
		return ""
	}
	const (
		asciiBit   = 1 << 6
		compactBit = 1 << 5
	)
	if state&compactBit == 0 {
		return ""
	}
	// kind occupies bits 2-4; 1 is PyUnicode_1BYTE_KIND.
	if (state>>2)&0x7 != 1 {
		return ""
	}
	dataOff := off.strCompactData
	if state&asciiBit != 0 {
		dataOff = off.strASCIIData
	}
	buf := make([]byte, length)
	if err := mem.readAt(obj+dataOff, buf); err != nil {
		return ""
	}
	return string(buf)
}

// remoteMem reads the target's address space via process_vm_readv. No
// attach is needed; partial reads are errors because every struct read is
// small and contiguous.
type remoteMem struct {
	pid uint32
}

func (m remoteMem) readAt(addr uint64, buf []byte) error {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(int(m.pid), local, remote, 0)
	if err != nil {
		return fmt.Errorf("read %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("read %#x: short read %d/%d", addr, n, len(buf))
	}
	return nil
}

func (m remoteMem) readPtr(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := m.readAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m remoteMem) readU32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := m.readAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Package pytrace captures Python-level stacks from a live interpreter
// without stopping it, by reading the CPython runtime structures out of
// process memory. Struct layouts shift between interpreter versions, so
// every field offset is looked up in a per-version table; an unknown
// version is a capture failure, never a crash.
package pytrace

import (
	"fmt"
	"regexp"
	"strconv"
)

// offsets carries the field offsets of the CPython structs a capture has to
// traverse, for one interpreter minor version. All values are byte offsets
// on x86_64.
type offsets struct {
	// _PyRuntimeState.interpreters.head
	interpretersHead uint64

	// PyInterpreterState
	threadsHead uint64 // first PyThreadState (threads.head / tstate_head)
	interpNext  uint64

	// PyThreadState
	threadNext     uint64
	threadFrame    uint64 // PyFrameObject* (<=3.10) or _PyCFrame* (3.11+)
	threadID       uint64 // pthread id
	nativeThreadID uint64 // OS tid; 0 when the field does not exist

	// cframe indirection (3.11+): _PyCFrame.current_frame
	cframeCurrent uint64

	// frame object (PyFrameObject or _PyInterpreterFrame)
	frameBack uint64
	frameCode uint64

	// PyCodeObject
	codeFilename    uint64
	codeName        uint64
	codeFirstLineno uint64

	// PyASCIIObject: state byte and payload offsets for compact strings
	strState       uint64
	strASCIIData   uint64
	strCompactData uint64

	// useCFrame selects the 3.11+ frame representation.
	useCFrame bool
}

// offsetTable maps "major.minor" to the struct layout of that release line.
// Layouts are stable within a minor version for the fields used here.
var offsetTable = map[string]offsets{
	"3.8": {
		interpretersHead: 0x20,
		threadsHead:      0x10,
		interpNext:       0x08,
		threadNext:       0x10,
		threadFrame:      0x18,
		threadID:         0xb0,
		frameBack:        0x18,
		frameCode:        0x20,
		codeFilename:     0x68,
		codeName:         0x70,
		codeFirstLineno:  0x24,
		strState:         0x20,
		strASCIIData:     0x30,
		strCompactData:   0x48,
	},
	"3.9": {
		interpretersHead: 0x20,
		threadsHead:      0x10,
		interpNext:       0x08,
		threadNext:       0x10,
		threadFrame:      0x18,
		threadID:         0xb0,
		nativeThreadID:   0x148,
		frameBack:        0x18,
		frameCode:        0x20,
		codeFilename:     0x68,
		codeName:         0x70,
		codeFirstLineno:  0x24,
		strState:         0x20,
		strASCIIData:     0x30,
		strCompactData:   0x48,
	},
	"3.10": {
		interpretersHead: 0x20,
		threadsHead:      0x10,
		interpNext:       0x08,
		threadNext:       0x10,
		threadFrame:      0x18,
		threadID:         0xb8,
		nativeThreadID:   0x150,
		frameBack:        0x18,
		frameCode:        0x28,
		codeFilename:     0x68,
		codeName:         0x70,
		codeFirstLineno:  0x28,
		strState:         0x20,
		strASCIIData:     0x30,
		strCompactData:   0x48,
	},
	"3.11": {
		interpretersHead: 0x28,
		threadsHead:      0x20,
		interpNext:       0x08,
		threadNext:       0x10,
		threadFrame:      0x38, // cframe pointer
		threadID:         0x98,
		nativeThreadID:   0xa0,
		cframeCurrent:    0x08,
		frameBack:        0x30, // previous
		frameCode:        0x20, // f_code
		codeFilename:     0x70,
		codeName:         0x78,
		codeFirstLineno:  0x48,
		strState:         0x20,
		strASCIIData:     0x30,
		strCompactData:   0x48,
		useCFrame:        true,
	},
	"3.12": {
		interpretersHead: 0x30,
		threadsHead:      0x48,
		interpNext:       0x08,
		threadNext:       0x10,
		threadFrame:      0x40, // cframe pointer
		threadID:         0xa8,
		nativeThreadID:   0xb0,
		cframeCurrent:    0x00,
		frameBack:        0x08, // previous
		frameCode:        0x00, // f_executable
		codeFilename:     0x80,
		codeName:         0x88,
		codeFirstLineno:  0x50,
		strState:         0x20,
		strASCIIData:     0x28,
		strCompactData:   0x38,
		useCFrame:        true,
	},
}

// offsetsFor resolves the layout for one interpreter version.
func offsetsFor(major, minor int) (offsets, error) {
	key := fmt.Sprintf("%d.%d", major, minor)
	off, ok := offsetTable[key]
	if !ok {
		return offsets{}, fmt.Errorf("unsupported python version %s", key)
	}
	return off, nil
}

var versionRe = regexp.MustCompile(`python(\d)\.(\d{1,2})`)

// versionFromPath extracts "3.11" style versions out of interpreter or
// libpython paths.
func versionFromPath(path string) (major, minor int, ok bool) {
	m := versionRe.FindStringSubmatch(path)
	if m == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, true
}

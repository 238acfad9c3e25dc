//go:build linux && amd64

// Package unwind captures native stack traces of stopped threads with
// ptrace. The walker assumes the x86_64 frame-pointer ABI: targets compiled
// with -fomit-frame-pointer produce short or empty chains, which is
// accepted.
package unwind

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/baikal/fuzmon/internal/model"
	"github.com/baikal/fuzmon/internal/procfs"
	"github.com/baikal/fuzmon/internal/symbolize"
)

const (
	// maxFrames bounds the frame-pointer walk.
	maxFrames = 32

	// stopWait bounds the wait for the tracee to enter ptrace-stop. An
	// unbounded wait would stall the whole sampler on a wedged tracee.
	stopWait     = 500 * time.Millisecond
	stopWaitStep = 10 * time.Millisecond
)

// Unwinder attaches to each thread of a process in turn and walks its
// frame-pointer chain.
type Unwinder struct {
	proc   *procfs.Reader
	logger *zap.Logger
}

// New creates an Unwinder reading thread lists below the reader's root.
func New(proc *procfs.Reader, logger *zap.Logger) *Unwinder {
	return &Unwinder{proc: proc, logger: logger}
}

// CaptureProcess samples every thread of pid, ascending by TID. A thread
// that cannot be attached still yields a ThreadInfo with a nil stacktrace;
// one bad thread never stops the others.
func (u *Unwinder) CaptureProcess(pid uint32, res *symbolize.Resolver) []model.ThreadInfo {
	var threads []model.ThreadInfo
	for _, tid := range u.proc.Tids(pid) {
		frames, err := u.captureThread(int(tid), res)
		if err != nil {
			u.logger.Debug("thread capture failed",
				zap.Uint32("pid", pid), zap.Uint32("tid", tid), zap.Error(err))
			threads = append(threads, model.ThreadInfo{TID: tid})
			continue
		}
		threads = append(threads, model.ThreadInfo{TID: tid, Stacktrace: frames})
	}
	return threads
}

// captureThread attaches to one TID, walks its stack, and detaches.
// ptrace requests must come from the thread that attached, so the OS
// thread is locked for the duration.
func (u *Unwinder) captureThread(tid int, res *symbolize.Resolver) ([]model.Frame, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.PtraceAttach(tid); err != nil {
		return nil, fmt.Errorf("attach %d: %w", tid, err)
	}
	defer func() {
		if err := unix.PtraceDetach(tid); err != nil {
			u.logger.Warn("ptrace detach failed", zap.Int("tid", tid), zap.Error(err))
		}
	}()

	if err := waitForStop(tid); err != nil {
		return nil, err
	}

	addrs, err := stackAddrs(tid)
	if err != nil {
		return nil, err
	}

	var frames []model.Frame
	for _, addr := range addrs {
		frames = append(frames, res.Resolve(addr)...)
	}
	return frames, nil
}

// waitForStop polls until the tracee reports the attach stop, bounded by
// stopWait.
func waitForStop(tid int) error {
	deadline := time.Now().Add(stopWait)
	for {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(tid, &status, unix.WNOHANG|unix.WALL, nil)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("wait %d: %w", tid, err)
		}
		if wpid == tid && status.Stopped() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wait %d: tracee did not stop", tid)
		}
		time.Sleep(stopWaitStep)
	}
}

// stackAddrs reads RIP plus the saved return addresses along the RBP chain.
// A failed read mid-walk returns the partial chain.
func stackAddrs(tid int) ([]uint64, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, fmt.Errorf("getregs %d: %w", tid, err)
	}

	addrs := []uint64{regs.Rip}
	rbp := regs.Rbp
	for i := 0; i < maxFrames; i++ {
		if rbp == 0 {
			break
		}
		retAddr, err := peekWord(tid, rbp+8)
		if err != nil {
			break
		}
		addrs = append(addrs, retAddr)
		next, err := peekWord(tid, rbp)
		if err != nil || next == 0 {
			break
		}
		rbp = next
	}
	return addrs, nil
}

func peekWord(tid int, addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := unix.PtracePeekData(tid, uintptr(addr), buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short peek at %#x", addr)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

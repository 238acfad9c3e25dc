//go:build linux && !amd64

package unwind

import (
	"go.uber.org/zap"

	"github.com/baikal/fuzmon/internal/model"
	"github.com/baikal/fuzmon/internal/procfs"
	"github.com/baikal/fuzmon/internal/symbolize"
)

// The frame-pointer walker assumes the x86_64 ABI. On other architectures
// sampling still runs, but native stacks are not captured.

type Unwinder struct {
	proc   *procfs.Reader
	logger *zap.Logger
}

func New(proc *procfs.Reader, logger *zap.Logger) *Unwinder {
	return &Unwinder{proc: proc, logger: logger}
}

func (u *Unwinder) CaptureProcess(pid uint32, res *symbolize.Resolver) []model.ThreadInfo {
	return nil
}

// Package sampler drives the monitoring loop: it enumerates processes,
// steps each PID through usage calculation, fd diffing, and stack capture,
// and hands the assembled log entries to the sink. The loop runs on a
// single thread; parallel ptrace attaches against one task group behave
// badly and the per-tick cost is dominated by /proc reads.
package sampler

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/baikal/fuzmon/internal/fdtrack"
	"github.com/baikal/fuzmon/internal/model"
	"github.com/baikal/fuzmon/internal/procfs"
	"github.com/baikal/fuzmon/internal/pytrace"
	"github.com/baikal/fuzmon/internal/symbolize"
	"github.com/baikal/fuzmon/internal/unwind"
)

// Sink receives every assembled log entry. Implementations must not block
// indefinitely; a write failure is the sink's problem to log.
type Sink interface {
	Write(entry *model.LogEntry)
}

// Options fixes the sampler behavior for one run.
type Options struct {
	// Interval between ticks. The sleep is subdivided into 100 ms quanta
	// so SIGINT is honored promptly.
	Interval time.Duration

	// TargetPID pins sampling to one process. 0 samples everything.
	TargetPID uint32

	// TargetUID filters the full enumeration by process owner.
	TargetUID *uint32

	// IgnorePatterns drop processes whose comm matches.
	IgnorePatterns []*regexp.Regexp

	// RecordCPUPercentThreshold suppresses entries for idle processes.
	RecordCPUPercentThreshold float64

	// StacktraceCPUPercentThreshold gates the expensive ptrace capture:
	// stacks are taken when cpu_percent >= threshold.
	StacktraceCPUPercentThreshold float64

	Verbose bool
}

// processState is the persistent per-PID state. Created on first
// observation, destroyed when the PID leaves the enumeration.
type processState struct {
	prevProcJiffies  uint64
	prevTotalJiffies uint64
	fds              map[int32]string
	pending          []fdtrack.Event
	metadataWritten  bool
}

// Sampler owns all per-PID state. Only the signal handler, which flips the
// terminate flag, and the spawned-child waiter, which records the child's
// exit, run outside the sampling thread.
type Sampler struct {
	opts   Options
	proc   *procfs.Reader
	sink   Sink
	logger *zap.Logger

	states  map[uint32]*processState
	numCPUs int
	term    atomic.Bool

	child     *exec.Cmd
	childDone atomic.Bool
	childWait chan struct{}

	// capture and now are swapped out by tests.
	capture func(pid uint32, python bool) []model.ThreadInfo
	now     func() time.Time
	stdout  io.Writer
}

// New builds a Sampler. The module cache lives for the sampler's lifetime
// so symbol data is parsed once per (path, mtime).
func New(proc *procfs.Reader, sink Sink, opts Options, logger *zap.Logger) *Sampler {
	s := &Sampler{
		opts:    opts,
		proc:    proc,
		sink:    sink,
		logger:  logger,
		states:  make(map[uint32]*processState),
		numCPUs: runtime.NumCPU(),
		now:     time.Now,
		stdout:  os.Stdout,
	}

	cache := symbolize.NewCache(logger)
	unwinder := unwind.New(proc, logger)
	s.capture = func(pid uint32, python bool) []model.ThreadInfo {
		resolver, err := cache.ResolverFor(proc.Root, pid)
		if err != nil {
			logger.Debug("maps snapshot failed", zap.Uint32("pid", pid), zap.Error(err))
			return nil
		}
		threads := unwinder.CaptureProcess(pid, resolver)
		if python {
			pyStacks, err := pytrace.Capture(pid, resolver)
			if err != nil {
				logger.Warn("python trace failed", zap.Uint32("pid", pid), zap.Error(err))
			} else {
				threads = mergePython(threads, pyStacks)
			}
		}
		return dropEmptyThreads(threads)
	}
	return s
}

// Spawn starts the command to monitor and pins the sampler to its PID.
func (s *Sampler) Spawn(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", argv[0], err)
	}
	s.child = cmd
	s.childWait = make(chan struct{})
	s.opts.TargetPID = uint32(cmd.Process.Pid)
	s.logger.Info("spawned command",
		zap.String("command", argv[0]), zap.Uint32("pid", s.opts.TargetPID))
	go func() {
		_ = cmd.Wait()
		s.childDone.Store(true)
		close(s.childWait)
	}()
	return nil
}

// TargetPID returns the effective target, including a spawned child's PID.
func (s *Sampler) TargetPID() uint32 { return s.opts.TargetPID }

// Terminate asks the loop to stop. Safe to call from a signal handler
// goroutine; the loop notices after each iteration and inside every sleep
// quantum. An iteration already in progress is not interrupted between PIDs.
func (s *Sampler) Terminate() { s.term.Store(true) }

// Run executes the sampling loop until the target goes away, a spawned
// child is reaped, or Terminate is called. On termination one final
// iteration flushes pending fd events before any spawned child is awaited.
func (s *Sampler) Run() {
	for {
		if pid := s.opts.TargetPID; pid != 0 && s.child == nil && !s.proc.Exists(pid) {
			fmt.Fprintf(s.stdout, "Process %d (%s) disappeared, exiting\n", pid, s.comm(pid))
			break
		}
		s.iterate()
		if s.child != nil && s.childDone.Load() {
			break
		}
		if s.child == nil && s.opts.TargetPID != 0 && !s.proc.Exists(s.opts.TargetPID) {
			break
		}
		if s.term.Load() {
			break
		}
		if !s.sleep(s.opts.Interval) {
			break
		}
	}
	if s.term.Load() {
		s.iterate()
	}
	if s.child != nil {
		<-s.childWait
	}
}

// sleep waits for d in 100 ms quanta, returning false once termination is
// requested.
func (s *Sampler) sleep(d time.Duration) bool {
	for elapsed := time.Duration(0); elapsed < d; {
		if s.term.Load() {
			return false
		}
		step := 100 * time.Millisecond
		if remaining := d - elapsed; remaining < step {
			step = remaining
		}
		time.Sleep(step)
		elapsed += step
	}
	return !s.term.Load()
}

// iterate processes one tick: enumerate, prune departed PIDs, then step
// every live PID. Errors never cross PID boundaries.
func (s *Sampler) iterate() {
	pids := s.collectPids()
	if s.opts.Verbose {
		fmt.Fprintf(s.stdout, "Found %d PIDs\n", len(pids))
	}
	live := make(map[uint32]struct{}, len(pids))
	for _, pid := range pids {
		live[pid] = struct{}{}
	}
	s.prune(live)
	for _, pid := range pids {
		s.processPid(pid)
	}
}

func (s *Sampler) collectPids() []uint32 {
	if pid := s.opts.TargetPID; pid != 0 {
		if s.proc.Exists(pid) {
			return []uint32{pid}
		}
		return nil
	}
	pids := s.proc.Pids()
	if s.opts.TargetUID == nil {
		return pids
	}
	filtered := pids[:0]
	for _, pid := range pids {
		if uid, ok := s.proc.UID(pid); ok && uid == *s.opts.TargetUID {
			filtered = append(filtered, pid)
		}
	}
	return filtered
}

// prune destroys state for departed PIDs, draining tracked descriptors
// into synthetic close events in a final entry.
func (s *Sampler) prune(live map[uint32]struct{}) {
	var departed []uint32
	for pid := range s.states {
		if _, ok := live[pid]; !ok {
			departed = append(departed, pid)
		}
	}
	sort.Slice(departed, func(i, j int) bool { return departed[i] < departed[j] })

	for _, pid := range departed {
		state := s.states[pid]
		delete(s.states, pid)

		events := fdtrack.Expand(state.pending)
		events = append(events, fdtrack.CloseAll(state.fds)...)
		if len(events) > 0 {
			s.sink.Write(&model.LogEntry{
				Timestamp:   s.timestamp(),
				PID:         pid,
				ProcessName: s.comm(pid),
				Memory:      model.MemoryInfo{},
				FdEvents:    events,
			})
		}
		s.logger.Info("process disappeared", zap.Uint32("pid", pid))
	}
}

// processPid steps one PID through the tick. The first observation seeds
// the CPU deltas and the fd baseline and emits nothing; entries begin with
// the second observation, when a CPU delta exists.
func (s *Sampler) processPid(pid uint32) {
	state, ok := s.states[pid]
	if !ok {
		state = &processState{}
		s.states[pid] = state
		s.logger.Info("new process", zap.Uint32("pid", pid))
	}

	cpu, active := s.usage(pid, state)
	if active && s.shouldSkip(pid, cpu) {
		return
	}

	fds := s.proc.FdMap(pid)
	if events := fdtrack.Diff(state.fds, fds); len(events) > 0 {
		state.pending = append(state.pending, events...)
	}
	state.fds = fds
	if !active {
		return
	}

	entry := s.buildEntry(pid, state, cpu)
	if s.opts.Verbose {
		rss := entry.Memory.RssKB
		if !(cpu == 0 && rss < 100*1024) {
			fmt.Fprintf(s.stdout, "PID %5d: %5.1f%% CPU, %8d KB RSS\n", pid, cpu, rss)
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(s.stdout, string(data))
		}
	}
	s.sink.Write(entry)
}

// usage computes the CPU percentage from two consecutive jiffy snapshots,
// normalized by the CPU count. The first call for a PID seeds the deltas
// and reports inactive.
func (s *Sampler) usage(pid uint32, state *processState) (float64, bool) {
	utime, stime, ok := s.proc.StatJiffies(pid)
	if !ok {
		return 0, false
	}
	total, ok := s.proc.TotalJiffies()
	if !ok {
		return 0, false
	}
	procTotal := utime + stime

	if state.prevTotalJiffies == 0 {
		state.prevProcJiffies = procTotal
		state.prevTotalJiffies = total
		return 0, false
	}

	deltaProc := procTotal - state.prevProcJiffies
	deltaTotal := total - state.prevTotalJiffies
	state.prevProcJiffies = procTotal
	state.prevTotalJiffies = total
	return procfs.CPUPercent(deltaProc, deltaTotal, s.numCPUs), true
}

// shouldSkip applies the ignore patterns and the record threshold. A
// pinned target is never skipped.
func (s *Sampler) shouldSkip(pid uint32, cpu float64) bool {
	if s.opts.TargetPID != 0 {
		return false
	}
	if comm, ok := s.proc.Comm(pid); ok {
		for _, re := range s.opts.IgnorePatterns {
			if re.MatchString(comm) {
				return true
			}
		}
	}
	return cpu < s.opts.RecordCPUPercentThreshold
}

func (s *Sampler) buildEntry(pid uint32, state *processState, cpu float64) *model.LogEntry {
	name := s.comm(pid)
	rss, _ := s.proc.RssKB(pid)
	vsz, _ := s.proc.VszKB(pid)
	swap, _ := s.proc.SwapKB(pid)

	entry := &model.LogEntry{
		Timestamp:      s.timestamp(),
		PID:            pid,
		ProcessName:    name,
		CPUTimePercent: cpu,
		Memory:         model.MemoryInfo{RssKB: rss, VszKB: vsz, SwapKB: swap},
	}

	if len(state.pending) > 0 {
		entry.FdEvents = fdtrack.Expand(state.pending)
		state.pending = nil
	}

	if !state.metadataWritten {
		entry.Cmdline, _ = s.proc.Cmdline(pid)
		entry.Env, _ = s.proc.Environ(pid)
		state.metadataWritten = true
	}

	if cpu >= s.opts.StacktraceCPUPercentThreshold {
		entry.Threads = s.capture(pid, strings.HasPrefix(name, "python"))
	}
	return entry
}

func (s *Sampler) comm(pid uint32) string {
	if name, ok := s.proc.Comm(pid); ok {
		return name
	}
	return "?"
}

func (s *Sampler) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// mergePython attaches Python stacks to their OS threads. Thread ids seen
// only by the Python unwinder (unreachable at ptrace time) become entries
// of their own with no native stack.
func mergePython(threads []model.ThreadInfo, pyStacks map[uint32][]model.Frame) []model.ThreadInfo {
	for i := range threads {
		if frames, ok := pyStacks[threads[i].TID]; ok {
			threads[i].PythonStacktrace = frames
			delete(pyStacks, threads[i].TID)
		}
	}
	var leftover []uint32
	for tid := range pyStacks {
		leftover = append(leftover, tid)
	}
	sort.Slice(leftover, func(i, j int) bool { return leftover[i] < leftover[j] })
	for _, tid := range leftover {
		threads = append(threads, model.ThreadInfo{TID: tid, PythonStacktrace: pyStacks[tid]})
	}
	return threads
}

// dropEmptyThreads removes threads that yielded neither stack.
func dropEmptyThreads(threads []model.ThreadInfo) []model.ThreadInfo {
	kept := threads[:0]
	for _, t := range threads {
		if t.Stacktrace != nil || t.PythonStacktrace != nil {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

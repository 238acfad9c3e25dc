package sampler

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baikal/fuzmon/internal/model"
	"github.com/baikal/fuzmon/internal/procfs"
)

// --- fake procfs fixture ---------------------------------------------------

type fakeSink struct {
	entries []*model.LogEntry
}

func (f *fakeSink) Write(entry *model.LogEntry) { f.entries = append(f.entries, entry) }

type fixture struct {
	t    *testing.T
	root string
	sink *fakeSink
	s    *Sampler

	captured []uint32
	python   []bool
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{t: t, root: root, sink: &fakeSink{}}

	f.s = New(&procfs.Reader{Root: root}, f.sink, opts, zap.NewNop())
	f.s.numCPUs = 1
	f.s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	f.s.stdout = os.Stderr
	f.s.capture = func(pid uint32, python bool) []model.ThreadInfo {
		f.captured = append(f.captured, pid)
		f.python = append(f.python, python)
		return []model.ThreadInfo{{TID: pid, Stacktrace: []model.Frame{{Func: "main"}}}}
	}
	return f
}

func (f *fixture) pidDir(pid uint32) string {
	return filepath.Join(f.root, strconv.FormatUint(uint64(pid), 10))
}

// setProcess writes the stat/status/comm/cmdline/environ files for a PID.
func (f *fixture) setProcess(pid uint32, comm string, utime, stime uint64) {
	f.t.Helper()
	dir := f.pidDir(pid)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	stat := fmt.Sprintf(
		"%d (%s) S 1 %d %d 0 -1 0 0 0 0 0 %d %d 0 0 20 0 1 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0",
		pid, comm, pid, pid, utime, stime)
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
	status := "Name:\t" + comm + "\nVmSize:\t2000 kB\nVmRSS:\t1000 kB\nVmSwap:\t0 kB\n"
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte("/bin/"+comm+"\x00--flag\x00"), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "environ"), []byte("HOME=/root\x00"), 0o644))
}

// setTotal writes the aggregate cpu line of /proc/stat.
func (f *fixture) setTotal(jiffies uint64) {
	f.t.Helper()
	content := fmt.Sprintf("cpu  %d 0 0 0 0 0 0 0 0 0\n", jiffies)
	require.NoError(f.t, os.WriteFile(filepath.Join(f.root, "stat"), []byte(content), 0o644))
}

// setFds rebuilds /proc/<pid>/fd from the given map.
func (f *fixture) setFds(pid uint32, fds map[int32]string) {
	f.t.Helper()
	dir := filepath.Join(f.pidDir(pid), "fd")
	require.NoError(f.t, os.RemoveAll(dir))
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	for fd, target := range fds {
		require.NoError(f.t, os.Symlink(target, filepath.Join(dir, strconv.Itoa(int(fd)))))
	}
}

func (f *fixture) removeProcess(pid uint32) {
	f.t.Helper()
	require.NoError(f.t, os.RemoveAll(f.pidDir(pid)))
}

// --- tests -----------------------------------------------------------------

func TestFirstObservationEmitsNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.setProcess(100, "worker", 100, 0)
	f.setTotal(1000)

	f.s.iterate()
	assert.Empty(t, f.sink.entries)

	// Second snapshot: deltaProc=50, deltaTotal=100, 1 CPU -> 50%.
	f.setProcess(100, "worker", 140, 10)
	f.setTotal(1100)
	f.s.iterate()

	require.Len(t, f.sink.entries, 1)
	entry := f.sink.entries[0]
	assert.Equal(t, uint32(100), entry.PID)
	assert.Equal(t, "worker", entry.ProcessName)
	assert.InDelta(t, 50.0, entry.CPUTimePercent, 1e-9)
	assert.Equal(t, uint64(1000), entry.Memory.RssKB)
	assert.Equal(t, uint64(2000), entry.Memory.VszKB)
	assert.Equal(t, "2025-06-01T12:00:00Z", entry.Timestamp)
}

func TestCPUNormalizedByCPUCount(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.numCPUs = 2
	f.setProcess(100, "worker", 100, 0)
	f.setTotal(1000)
	f.s.iterate()

	f.setProcess(100, "worker", 150, 0)
	f.setTotal(1100)
	f.s.iterate()

	require.Len(t, f.sink.entries, 1)
	assert.InDelta(t, 100.0, f.sink.entries[0].CPUTimePercent, 1e-9)
}

func TestMetadataWrittenOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.setProcess(7, "daemon", 0, 0)
	f.setTotal(1000)
	f.s.iterate()

	for i := uint64(1); i <= 2; i++ {
		f.setProcess(7, "daemon", 10*i, 0)
		f.setTotal(1000 + 100*i)
		f.s.iterate()
	}

	require.Len(t, f.sink.entries, 2)
	assert.Equal(t, "/bin/daemon --flag", f.sink.entries[0].Cmdline)
	assert.Equal(t, "HOME=/root", f.sink.entries[0].Env)
	assert.Empty(t, f.sink.entries[1].Cmdline)
	assert.Empty(t, f.sink.entries[1].Env)
}

func TestFdReplaceIsCloseThenOpen(t *testing.T) {
	f := newFixture(t, Options{})
	f.setProcess(9, "app", 0, 0)
	f.setFds(9, map[int32]string{5: "/data/a"})
	f.setTotal(1000)
	f.s.iterate()

	f.setProcess(9, "app", 10, 0)
	f.setFds(9, map[int32]string{5: "/data/b"})
	f.setTotal(1100)
	f.s.iterate()

	require.Len(t, f.sink.entries, 1)
	events := f.sink.entries[0].FdEvents
	// The baseline open from the first observation is flushed with the
	// first entry, followed by the replace expanded close-then-open.
	require.Len(t, events, 3)
	assert.Equal(t, model.FdLogEvent{Fd: 5, Event: "open", Path: "/data/a"}, events[0])
	assert.Equal(t, model.FdLogEvent{Fd: 5, Event: "close", Path: "/data/a"}, events[1])
	assert.Equal(t, model.FdLogEvent{Fd: 5, Event: "open", Path: "/data/b"}, events[2])
}

func TestFdEventsDrainedOnlyOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.setProcess(9, "app", 0, 0)
	f.setFds(9, map[int32]string{1: "/dev/null"})
	f.setTotal(1000)
	f.s.iterate()

	f.setProcess(9, "app", 10, 0)
	f.setTotal(1100)
	f.s.iterate()
	f.setProcess(9, "app", 20, 0)
	f.setTotal(1200)
	f.s.iterate()

	require.Len(t, f.sink.entries, 2)
	assert.Len(t, f.sink.entries[0].FdEvents, 1)
	assert.Empty(t, f.sink.entries[1].FdEvents)
}

func TestDisappearedPidEmitsFinalCloses(t *testing.T) {
	f := newFixture(t, Options{})
	f.setProcess(42, "ghost", 0, 0)
	f.setFds(42, map[int32]string{3: "/tmp/held"})
	f.setTotal(1000)
	f.s.iterate()

	f.removeProcess(42)
	f.setTotal(1100)
	f.s.iterate()

	require.Len(t, f.sink.entries, 1)
	entry := f.sink.entries[0]
	assert.Equal(t, uint32(42), entry.PID)
	assert.Equal(t, "?", entry.ProcessName)
	assert.Zero(t, entry.CPUTimePercent)
	assert.Zero(t, entry.Memory.RssKB)
	assert.Empty(t, entry.Threads)
	// The never-flushed baseline open drains together with the
	// synthetic close.
	require.Len(t, entry.FdEvents, 2)
	assert.Equal(t, model.FdLogEvent{Fd: 3, Event: "open", Path: "/tmp/held"}, entry.FdEvents[0])
	assert.Equal(t, model.FdLogEvent{Fd: 3, Event: "close", Path: "/tmp/held"}, entry.FdEvents[1])

	// State is destroyed: reappearing means starting over.
	assert.Empty(t, f.s.states)
}

func TestIgnorePatternSkips(t *testing.T) {
	f := newFixture(t, Options{IgnorePatterns: compile(t, "^kworker")})
	f.setProcess(5, "kworker/0:1", 0, 0)
	f.setProcess(6, "app", 0, 0)
	f.setTotal(1000)
	f.s.iterate()

	f.setProcess(5, "kworker/0:1", 10, 0)
	f.setProcess(6, "app", 10, 0)
	f.setTotal(1100)
	f.s.iterate()

	require.Len(t, f.sink.entries, 1)
	assert.Equal(t, uint32(6), f.sink.entries[0].PID)
}

func TestRecordThresholdSkipsIdleProcesses(t *testing.T) {
	f := newFixture(t, Options{RecordCPUPercentThreshold: 20})
	f.setProcess(5, "lazy", 0, 0)
	f.setTotal(1000)
	f.s.iterate()

	// 10% < 20% threshold.
	f.setProcess(5, "lazy", 10, 0)
	f.setTotal(1100)
	f.s.iterate()
	assert.Empty(t, f.sink.entries)

	// 50% clears it.
	f.setProcess(5, "lazy", 60, 0)
	f.setTotal(1200)
	f.s.iterate()
	require.Len(t, f.sink.entries, 1)
}

func TestPinnedTargetNeverSkipped(t *testing.T) {
	f := newFixture(t, Options{
		TargetPID:                 5,
		IgnorePatterns:            compile(t, ".*"),
		RecordCPUPercentThreshold: 1000,
	})
	f.setProcess(5, "pinned", 0, 0)
	f.setTotal(1000)
	f.s.iterate()

	f.setProcess(5, "pinned", 1, 0)
	f.setTotal(1100)
	f.s.iterate()
	require.Len(t, f.sink.entries, 1)
}

func TestStacktraceGate(t *testing.T) {
	f := newFixture(t, Options{StacktraceCPUPercentThreshold: 25})
	f.setProcess(5, "busy", 0, 0)
	f.setProcess(6, "idle", 0, 0)
	f.setTotal(1000)
	f.s.iterate()

	// busy: 50%, idle: 10%.
	f.setProcess(5, "busy", 50, 0)
	f.setProcess(6, "idle", 10, 0)
	f.setTotal(1100)
	f.s.iterate()

	require.Len(t, f.sink.entries, 2)
	assert.Equal(t, []uint32{5}, f.captured)
	for _, entry := range f.sink.entries {
		if entry.PID == 5 {
			assert.NotEmpty(t, entry.Threads)
		} else {
			assert.Empty(t, entry.Threads)
		}
	}
}

func TestPythonDetectionByComm(t *testing.T) {
	f := newFixture(t, Options{StacktraceCPUPercentThreshold: 0})
	f.setProcess(5, "python3", 0, 0)
	f.setTotal(1000)
	f.s.iterate()

	f.setProcess(5, "python3", 10, 0)
	f.setTotal(1100)
	f.s.iterate()

	require.Equal(t, []uint32{5}, f.captured)
	require.Equal(t, []bool{true}, f.python)
}

func TestTargetUIDFilter(t *testing.T) {
	// Every fake pid dir is owned by the test uid, so filtering by that
	// uid keeps them and filtering by another drops them.
	uid := uint32(os.Getuid())
	f := newFixture(t, Options{TargetUID: &uid})
	f.setProcess(5, "mine", 0, 0)
	f.setTotal(1000)
	f.s.iterate()
	assert.Contains(t, f.s.states, uint32(5))

	other := uid + 1
	f2 := newFixture(t, Options{TargetUID: &other})
	f2.setProcess(5, "mine", 0, 0)
	f2.setTotal(1000)
	f2.s.iterate()
	assert.Empty(t, f2.s.states)
}

func TestMergePython(t *testing.T) {
	threads := []model.ThreadInfo{
		{TID: 10, Stacktrace: []model.Frame{{Func: "native"}}},
		{TID: 11},
	}
	py := map[uint32][]model.Frame{
		10: {{Func: "foo"}},
		99: {{Func: "orphan"}},
	}
	merged := mergePython(threads, py)
	require.Len(t, merged, 3)
	assert.Equal(t, "foo", merged[0].PythonStacktrace[0].Func)
	assert.Equal(t, "native", merged[0].Stacktrace[0].Func)
	assert.Nil(t, merged[1].PythonStacktrace)
	assert.Equal(t, uint32(99), merged[2].TID)
	assert.Nil(t, merged[2].Stacktrace)
}

func TestDropEmptyThreads(t *testing.T) {
	threads := []model.ThreadInfo{
		{TID: 1},
		{TID: 2, Stacktrace: []model.Frame{{Func: "f"}}},
		{TID: 3, PythonStacktrace: []model.Frame{{Func: "g"}}},
	}
	kept := dropEmptyThreads(threads)
	require.Len(t, kept, 2)
	assert.Equal(t, uint32(2), kept[0].TID)
	assert.Equal(t, uint32(3), kept[1].TID)

	assert.Nil(t, dropEmptyThreads([]model.ThreadInfo{{TID: 1}}))
}

func compile(t *testing.T, patterns ...string) []*regexp.Regexp {
	t.Helper()
	var res []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		require.NoError(t, err)
		res = append(res, re)
	}
	return res
}

package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baikal/fuzmon/internal/config"
	"github.com/baikal/fuzmon/internal/model"
)

func entryAt(pid uint32, ts string, cpu float64, rss uint64) model.LogEntry {
	return model.LogEntry{
		Timestamp:      ts,
		PID:            pid,
		ProcessName:    "worker",
		CPUTimePercent: cpu,
		Memory:         model.MemoryInfo{RssKB: rss},
	}
}

func TestCalcStats(t *testing.T) {
	entries := []model.LogEntry{
		entryAt(10, "2025-06-01T12:00:10Z", 80, 2048),
		entryAt(10, "2025-06-01T12:00:00Z", 40, 1024),
	}
	entries[1].Cmdline = "/usr/bin/worker --fast"

	s, ok := calcStats("some/path/10.jsonl", entries)
	require.True(t, ok)
	assert.Equal(t, uint32(10), s.PID)
	assert.Equal(t, "/usr/bin/worker --fast", s.Cmd)
	assert.Equal(t, int64(10), s.RuntimeSec)
	// 40% over the 10 s window integrates to 4 CPU-seconds.
	assert.InDelta(t, 4.0, s.CPUSec, 1e-9)
	assert.InDelta(t, 40.0, s.AvgCPU, 1e-9)
	assert.Equal(t, uint64(2048), s.PeakRssKB)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), s.Start)
}

func TestCalcStatsEmpty(t *testing.T) {
	_, ok := calcStats("p", nil)
	assert.False(t, ok)
}

func TestRankCPUTreatsNoiseAsIdle(t *testing.T) {
	stats := []Stats{
		{PID: 1, AvgCPU: 0.05, PeakRssKB: 100},
		{PID: 2, AvgCPU: 0.08, PeakRssKB: 900},
		{PID: 3, AvgCPU: 50, PeakRssKB: 10},
	}
	ranked := rankCPU(stats)
	assert.Equal(t, uint32(3), ranked[0].PID)
	// Both idle PIDs collapse to zero CPU; RSS breaks the tie.
	assert.Equal(t, uint32(2), ranked[1].PID)
	assert.Equal(t, uint32(1), ranked[2].PID)
}

func TestRenderSVG(t *testing.T) {
	entries := []model.LogEntry{
		entryAt(1, "2025-06-01T12:00:00Z", 10, 1024),
		entryAt(1, "2025-06-01T12:00:10Z", 90, 4096),
	}
	svg := renderSVG([]series{entrySeries(entries, fieldCPU, "")}, fieldCPU, "CPU usage (%)")
	assert.Contains(t, svg, "<svg")
	assert.Contains(t, svg, "polyline")
	assert.Contains(t, svg, "CPU %")

	rss := renderSVG([]series{entrySeries(entries, fieldRSS, "")}, fieldRSS, "RSS")
	assert.Contains(t, rss, "RSS MB")

	assert.Empty(t, renderSVG(nil, fieldCPU, "empty"))
}

func TestChromeTraceMergesStableFrames(t *testing.T) {
	stack := []model.Frame{{Func: "worker_loop"}, {Func: "main"}}
	e1 := entryAt(10, "2025-06-01T12:00:00Z", 50, 0)
	e1.Threads = []model.ThreadInfo{{TID: 100, Stacktrace: stack}}
	e2 := entryAt(10, "2025-06-01T12:00:01Z", 50, 0)
	e2.Threads = []model.ThreadInfo{{TID: 100, Stacktrace: stack}}

	events := chromeTrace([]model.LogEntry{e1, e2})
	// Two depths, each merged across both samples into one span.
	require.Len(t, events, 2)
	names := []string{events[0].Name, events[1].Name}
	assert.Contains(t, names, "worker_loop")
	assert.Contains(t, names, "main")
	for _, ev := range events {
		assert.Equal(t, "X", ev.Ph)
		assert.Equal(t, uint32(10), ev.PID)
		assert.Equal(t, uint32(100<<1), ev.TID)
		assert.Equal(t, int64(time.Second/time.Microsecond), ev.Dur)
	}
}

func TestChromeTraceSplitsPythonTid(t *testing.T) {
	e := entryAt(10, "2025-06-01T12:00:00Z", 50, 0)
	e.Threads = []model.ThreadInfo{{
		TID:              100,
		Stacktrace:       []model.Frame{{Func: "native"}},
		PythonStacktrace: []model.Frame{{Func: "py"}},
	}}
	events := chromeTrace([]model.LogEntry{e})
	require.Len(t, events, 2)
	tids := map[uint32]string{events[0].TID: events[0].Name, events[1].TID: events[1].Name}
	assert.Equal(t, "native", tids[100<<1])
	assert.Equal(t, "py", tids[100<<1|1])
}

func TestBuildProfile(t *testing.T) {
	e := entryAt(10, "2025-06-01T12:00:00Z", 50, 0)
	e.Threads = []model.ThreadInfo{{
		TID: 100,
		Stacktrace: []model.Frame{
			{Addr: model.Uint64(0x1000), Func: "target_function", File: "main.c", Line: 3},
			{Addr: model.Uint64(0x2000), Func: "main", File: "main.c", Line: 9},
		},
	}}
	p := buildProfile([]model.LogEntry{e, e})
	require.NotNil(t, p)
	assert.Len(t, p.Sample, 2)
	assert.Len(t, p.Function, 2)
	assert.Len(t, p.Location, 2)
	require.NoError(t, p.CheckValid())

	assert.Nil(t, buildProfile(nil))
}

func TestGenerateSingleFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "10.jsonl")
	entries := []model.LogEntry{
		entryAt(10, "2025-06-01T12:00:00Z", 40, 1024),
		entryAt(10, "2025-06-01T12:00:10Z", 80, 2048),
	}
	entries[0].Cmdline = "/usr/bin/worker"
	writeJSONL(t, logPath, entries)

	outDir := filepath.Join(dir, "out")
	r := NewRenderer(config.ReportConfig{TopCPU: 10, TopRSS: 10}, outDir, zap.NewNop())
	require.NoError(t, r.Generate(logPath))

	index, err := os.ReadFile(filepath.Join(outDir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "Report for PID 10")
	assert.Contains(t, string(index), "/usr/bin/worker")

	_, err = os.Stat(filepath.Join(outDir, "10_cpu.svg"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "10_rss.svg"))
	assert.NoError(t, err)
}

func TestGenerateDirectory(t *testing.T) {
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs", "20250601")
	require.NoError(t, os.MkdirAll(logs, 0o755))

	hot := []model.LogEntry{
		entryAt(10, "2025-06-01T12:00:00Z", 90, 1024),
		entryAt(10, "2025-06-01T12:00:10Z", 90, 1024),
	}
	hot[1].Threads = []model.ThreadInfo{{TID: 10, Stacktrace: []model.Frame{{Func: "spin"}}}}
	cold := []model.LogEntry{
		entryAt(20, "2025-06-01T12:00:00Z", 0, 90000),
		entryAt(20, "2025-06-01T12:00:10Z", 0, 90000),
	}
	writeJSONL(t, filepath.Join(logs, "10.jsonl"), hot)
	writeJSONL(t, filepath.Join(logs, "20.jsonl"), cold)

	outDir := filepath.Join(dir, "out")
	r := NewRenderer(config.ReportConfig{TopCPU: 10, TopRSS: 10}, outDir, zap.NewNop())
	require.NoError(t, r.Generate(filepath.Join(dir, "logs")))

	index, err := os.ReadFile(filepath.Join(outDir, "index.html"))
	require.NoError(t, err)
	// Hot PID first, both linked.
	assert.Contains(t, string(index), `href="10.html"`)
	assert.Contains(t, string(index), `href="20.html"`)

	_, err = os.Stat(filepath.Join(outDir, "top_cpu.svg"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "10_trace.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "10_profile.pb.gz"))
	assert.NoError(t, err)
}

func writeJSONL(t *testing.T, path string, entries []model.LogEntry) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()
	enc := json.NewEncoder(file)
	for i := range entries {
		require.NoError(t, enc.Encode(&entries[i]))
	}
}

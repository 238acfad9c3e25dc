// Package report renders recorded logs into a static HTML report:
// per-PID pages with CPU/RSS time-series graphs, a Chrome-trace view of the
// sampled stacks, a pprof profile, and an index with top-N tables.
package report

import (
	"sort"
	"time"

	"github.com/baikal/fuzmon/internal/logfile"
	"github.com/baikal/fuzmon/internal/model"
)

// Stats summarizes one PID's log stream.
type Stats struct {
	PID        uint32
	Cmd        string
	Env        string
	Start      time.Time
	End        time.Time
	RuntimeSec int64
	CPUSec     float64
	AvgCPU     float64
	PeakRssKB  uint64
	Path       string
}

// sortEntries orders entries by timestamp. RFC3339 with a fixed Z offset
// sorts correctly as a string.
func sortEntries(entries []model.LogEntry) []*model.LogEntry {
	sorted := make([]*model.LogEntry, len(entries))
	for i := range entries {
		sorted[i] = &entries[i]
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
	return sorted
}

// calcStats integrates a log stream into summary figures. CPU seconds come
// from integrating cpu_time_percent over the inter-entry gaps.
func calcStats(path string, entries []model.LogEntry) (Stats, bool) {
	if len(entries) == 0 {
		return Stats{}, false
	}
	sorted := sortEntries(entries)
	first, last := sorted[0], sorted[len(sorted)-1]

	start, err := time.Parse(time.RFC3339, first.Timestamp)
	if err != nil {
		return Stats{}, false
	}
	end, err := time.Parse(time.RFC3339, last.Timestamp)
	if err != nil {
		return Stats{}, false
	}

	s := Stats{
		PID:        first.PID,
		Cmd:        first.Cmdline,
		Env:        first.Env,
		Start:      start,
		End:        end,
		RuntimeSec: int64(end.Sub(start).Seconds()),
		Path:       path,
	}
	if s.Cmd == "" {
		s.Cmd = "(unknown)"
	}

	for i := 0; i+1 < len(sorted); i++ {
		ta, errA := time.Parse(time.RFC3339, sorted[i].Timestamp)
		tb, errB := time.Parse(time.RFC3339, sorted[i+1].Timestamp)
		if errA != nil || errB != nil {
			continue
		}
		dt := tb.Sub(ta).Seconds()
		s.CPUSec += sorted[i].CPUTimePercent * dt / 100
	}
	for _, e := range sorted {
		if e.Memory.RssKB > s.PeakRssKB {
			s.PeakRssKB = e.Memory.RssKB
		}
	}
	if s.RuntimeSec > 0 {
		s.AvgCPU = s.CPUSec * 100 / float64(s.RuntimeSec)
	}
	return s, true
}

// rankCPU orders stats hottest-first. Averages at or below 0.1% are
// treated as zero so the RSS tiebreak decides between idle processes.
func rankCPU(stats []Stats) []Stats {
	ranked := append([]Stats(nil), stats...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].AvgCPU, ranked[j].AvgCPU
		if a <= 0.1 {
			a = 0
		}
		if b <= 0.1 {
			b = 0
		}
		if a != b {
			return a > b
		}
		return ranked[i].PeakRssKB > ranked[j].PeakRssKB
	})
	return ranked
}

// rankRSS orders stats by peak RSS, largest first.
func rankRSS(stats []Stats) []Stats {
	ranked := append([]Stats(nil), stats...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].PeakRssKB > ranked[j].PeakRssKB
	})
	return ranked
}

func topN(stats []Stats, n int) []Stats {
	if len(stats) > n {
		return stats[:n]
	}
	return stats
}

// Summarize computes per-PID stats for a log file or directory tree,
// hottest first. Unreadable files are skipped.
func Summarize(input string) ([]Stats, error) {
	files, err := logfile.CollectFiles(input)
	if err != nil {
		return nil, err
	}
	var stats []Stats
	for _, file := range files {
		entries, err := logfile.ReadFile(file)
		if err != nil {
			continue
		}
		if s, ok := calcStats(file, entries); ok {
			stats = append(stats, s)
		}
	}
	return rankCPU(stats), nil
}

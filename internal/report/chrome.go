package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/baikal/fuzmon/internal/model"
)

// Chrome-trace ("X" complete events) emitter. Consecutive samples that see
// the same function at the same stack depth merge into one span; native and
// Python stacks of a thread go to separate trace tids (tid<<1 and
// tid<<1|1) so both flame views stay readable side by side.

type traceEvent struct {
	Name string         `json:"name"`
	Ph   string         `json:"ph"`
	PID  uint32         `json:"pid"`
	TID  uint32         `json:"tid"`
	Ts   int64          `json:"ts"`
	Dur  int64          `json:"dur"`
	Args traceEventArgs `json:"args"`
}

type traceEventArgs struct {
	Addr *uint64 `json:"addr"`
	File string  `json:"file"`
	Line int32   `json:"line"`
}

type traceDoc struct {
	TraceEvents []traceEvent `json:"traceEvents"`
}

type spanKey struct {
	tid   uint32
	depth int
}

type openSpan struct {
	name  string
	args  traceEventArgs
	start int64
	pid   uint32
}

type traceBuilder struct {
	active map[spanKey]*openSpan
	events []traceEvent
}

func frameName(f model.Frame) string {
	if f.Func != "" {
		return f.Func
	}
	if f.Addr != nil {
		return fmt.Sprintf("%#x", *f.Addr)
	}
	return "?"
}

func (b *traceBuilder) flush(key spanKey, ts int64) {
	span, ok := b.active[key]
	if !ok {
		return
	}
	delete(b.active, key)
	dur := ts - span.start
	if dur <= 0 {
		dur = 1
	}
	b.events = append(b.events, traceEvent{
		Name: span.name, Ph: "X", PID: span.pid, TID: key.tid,
		Ts: span.start, Dur: dur, Args: span.args,
	})
}

// handleFrames folds one sampled stack into the running spans for a trace
// tid: spans deeper than the new stack close, unchanged frames extend, and
// changed frames close and reopen.
func (b *traceBuilder) handleFrames(tid uint32, frames []model.Frame, pid uint32, ts int64) {
	if len(frames) == 0 {
		return
	}
	for depth := len(frames); ; depth++ {
		if _, ok := b.active[spanKey{tid, depth}]; !ok {
			break
		}
		b.flush(spanKey{tid, depth}, ts)
	}
	for depth, frame := range frames {
		key := spanKey{tid, depth}
		name := frameName(frame)
		args := traceEventArgs{Addr: frame.Addr, File: frame.File, Line: frame.Line}
		if span, ok := b.active[key]; ok {
			if span.name == name {
				span.args = args
				continue
			}
			b.flush(key, ts)
		}
		b.active[key] = &openSpan{name: name, args: args, start: ts, pid: pid}
	}
}

// chromeTrace converts a sorted log stream into trace events. Returns nil
// when no entry carries stacks.
func chromeTrace(entries []model.LogEntry) []traceEvent {
	sorted := sortEntries(entries)
	b := &traceBuilder{active: make(map[spanKey]*openSpan)}

	var lastTs int64
	for _, e := range sorted {
		if len(e.Threads) == 0 {
			continue
		}
		t, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			continue
		}
		ts := t.UnixMicro()
		lastTs = ts

		for _, thread := range e.Threads {
			if thread.Stacktrace != nil {
				b.handleFrames(thread.TID<<1, thread.Stacktrace, e.PID, ts)
			}
			if thread.PythonStacktrace != nil {
				b.handleFrames(thread.TID<<1|1, thread.PythonStacktrace, e.PID, ts)
			}
		}
	}

	var openKeys []spanKey
	for key := range b.active {
		openKeys = append(openKeys, key)
	}
	sort.Slice(openKeys, func(i, j int) bool {
		if openKeys[i].tid != openKeys[j].tid {
			return openKeys[i].tid < openKeys[j].tid
		}
		return openKeys[i].depth < openKeys[j].depth
	})
	for _, key := range openKeys {
		b.flush(key, lastTs)
	}
	return b.events
}

// renderChromeTrace serializes the trace document, or nil when empty.
func renderChromeTrace(entries []model.LogEntry) ([]byte, error) {
	events := chromeTrace(entries)
	if len(events) == 0 {
		return nil, nil
	}
	return json.Marshal(traceDoc{TraceEvents: events})
}

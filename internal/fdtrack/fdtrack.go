// Package fdtrack diffs successive file-descriptor tables into open/close
// transitions. FD state changes are inferred by polling /proc/<pid>/fd, not
// by syscall interception, so a descriptor that is opened and closed between
// two polls is invisible.
package fdtrack

import (
	"sort"

	"github.com/baikal/fuzmon/internal/model"
)

// Event is one raw fd transition. An empty OldPath means the fd was not
// present before (open); an empty NewPath means it is gone (close); both set
// with different paths means the fd was replaced.
type Event struct {
	Fd      int32
	OldPath string
	NewPath string
}

// Diff compares the previous and current fd tables and returns one event per
// changed fd, ordered by ascending fd so output is stable across runs.
func Diff(prev, cur map[int32]string) []Event {
	seen := make(map[int32]struct{}, len(prev)+len(cur))
	var fds []int32
	for fd := range prev {
		seen[fd] = struct{}{}
		fds = append(fds, fd)
	}
	for fd := range cur {
		if _, ok := seen[fd]; !ok {
			fds = append(fds, fd)
		}
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })

	var events []Event
	for _, fd := range fds {
		oldPath, hadOld := prev[fd]
		newPath, hasNew := cur[fd]
		switch {
		case hadOld && !hasNew:
			events = append(events, Event{Fd: fd, OldPath: oldPath})
		case !hadOld && hasNew:
			events = append(events, Event{Fd: fd, NewPath: newPath})
		case oldPath != newPath:
			events = append(events, Event{Fd: fd, OldPath: oldPath, NewPath: newPath})
		}
	}
	return events
}

// Expand turns raw events into log events: a replace becomes a close
// followed by an open on the same fd, in that order.
func Expand(events []Event) []model.FdLogEvent {
	var out []model.FdLogEvent
	for _, ev := range events {
		if ev.OldPath != "" {
			out = append(out, model.FdLogEvent{Fd: ev.Fd, Event: "close", Path: ev.OldPath})
		}
		if ev.NewPath != "" {
			out = append(out, model.FdLogEvent{Fd: ev.Fd, Event: "open", Path: ev.NewPath})
		}
	}
	return out
}

// CloseAll drains a final fd table into synthetic close events, used when a
// PID disappears while descriptors are still tracked.
func CloseAll(fds map[int32]string) []model.FdLogEvent {
	keys := make([]int32, 0, len(fds))
	for fd := range fds {
		keys = append(keys, fd)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []model.FdLogEvent
	for _, fd := range keys {
		out = append(out, model.FdLogEvent{Fd: fd, Event: "close", Path: fds[fd]})
	}
	return out
}

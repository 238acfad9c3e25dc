package report

import (
	"os"

	"github.com/google/pprof/profile"

	"github.com/baikal/fuzmon/internal/model"
)

// buildProfile folds the native stack samples of a log stream into a pprof
// profile, one count per sampled thread stack. Returns nil when the stream
// carries no stacks.
func buildProfile(entries []model.LogEntry) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
	}

	locs := make(map[string]*profile.Location)
	funcs := make(map[string]*profile.Function)

	locationFor := func(f model.Frame) *profile.Location {
		name := frameName(f)
		key := name + "\x00" + f.File
		if loc, ok := locs[key]; ok {
			return loc
		}
		fn, ok := funcs[key]
		if !ok {
			fn = &profile.Function{
				ID:       uint64(len(p.Function) + 1),
				Name:     name,
				Filename: f.File,
			}
			funcs[key] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{ID: uint64(len(p.Location) + 1)}
		if f.Addr != nil {
			loc.Address = *f.Addr
		}
		loc.Line = []profile.Line{{Function: fn, Line: int64(f.Line)}}
		locs[key] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, entry := range entries {
		for _, thread := range entry.Threads {
			if len(thread.Stacktrace) == 0 {
				continue
			}
			sample := &profile.Sample{Value: []int64{1}}
			for _, f := range thread.Stacktrace {
				sample.Location = append(sample.Location, locationFor(f))
			}
			p.Sample = append(p.Sample, sample)
		}
	}
	if len(p.Sample) == 0 {
		return nil
	}
	return p
}

// writeProfile persists a profile as gzip-compressed protobuf, the format
// `go tool pprof` consumes directly.
func writeProfile(p *profile.Profile, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return p.Write(file)
}

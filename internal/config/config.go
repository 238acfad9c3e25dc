// Package config loads the fuzmon TOML configuration, applies defaults, and
// merges command-line overrides on top.
package config

import (
	"fmt"
	"os/user"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// FilterConfig selects which processes the sampler records.
type FilterConfig struct {
	TargetUser        string   `toml:"target_user"`
	IgnoreProcessName []string `toml:"ignore_process_name"`
}

// OutputConfig controls where and how log entries are persisted.
type OutputConfig struct {
	Format   string `toml:"format"`
	Path     string `toml:"path"`
	Compress *bool  `toml:"compress"`
}

// MonitorConfig tunes the sampling loop.
type MonitorConfig struct {
	IntervalSec                       uint64   `toml:"interval_sec"`
	RecordCPUTimePercentThreshold     float64  `toml:"record_cpu_time_percent_threshold"`
	StacktraceCPUTimePercentThreshold *float64 `toml:"stacktrace_cpu_time_percent_threshold"`
}

// ReportConfig tunes the HTML report renderer.
type ReportConfig struct {
	TopCPU int `toml:"top_cpu"`
	TopRSS int `toml:"top_rss"`
}

// Config is the full configuration file.
type Config struct {
	Filter  FilterConfig  `toml:"filter"`
	Output  OutputConfig  `toml:"output"`
	Monitor MonitorConfig `toml:"monitor"`
	Report  ReportConfig  `toml:"report"`
}

// Default returns an empty configuration; Finalize fills in the defaults.
func Default() *Config {
	return &Config{}
}

// Load reads and strictly parses the TOML file at path. Keys that do not map
// to a known field are fatal.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("failed to parse %s: unknown field %q", path, undecoded[0].String())
	}
	return &cfg, nil
}

// MergeFlags overlays command-line values on top of the file configuration.
// Empty flag values leave the file values alone.
func (c *Config) MergeFlags(targetUser, output string) {
	if targetUser != "" {
		c.Filter.TargetUser = targetUser
	}
	if output != "" {
		c.Output.Path = output
	}
}

// Finalize normalizes format aliases and applies the documented defaults.
// Call after Load and MergeFlags.
func (c *Config) Finalize() {
	switch c.Output.Format {
	case "":
		c.Output.Format = "jsonl.zst"
	case "json":
		c.Output.Format = "jsonl"
	case "json.zst":
		c.Output.Format = "jsonl.zst"
	case "msgpack":
		c.Output.Format = "msgpacks"
	case "msgpack.zst":
		c.Output.Format = "msgpacks.zst"
	}
	if c.Output.Path == "" {
		c.Output.Path = "/tmp/fuzmon"
	}
	if c.Output.Compress == nil {
		compress := strings.HasSuffix(c.Output.Format, ".zst")
		c.Output.Compress = &compress
	}
	if c.Monitor.StacktraceCPUTimePercentThreshold == nil {
		threshold := 1.0
		c.Monitor.StacktraceCPUTimePercentThreshold = &threshold
	}
	if c.Report.TopCPU == 0 {
		c.Report.TopCPU = 10
	}
	if c.Report.TopRSS == 0 {
		c.Report.TopRSS = 10
	}
}

// CompileIgnores compiles filter.ignore_process_name into regexes. Patterns
// that fail to compile are dropped with a warning.
func (c *Config) CompileIgnores(logger *zap.Logger) []*regexp.Regexp {
	var patterns []*regexp.Regexp
	for _, p := range c.Filter.IgnoreProcessName {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn("dropping bad ignore pattern", zap.String("pattern", p), zap.Error(err))
			continue
		}
		patterns = append(patterns, re)
	}
	return patterns
}

// UIDForUser resolves a user name to its numeric uid.
func UIDForUser(name string) (uint32, bool) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, false
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(uid), true
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fuzmon.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[filter]
target_user = "myname"
ignore_process_name = ["^kworker", "systemd.*"]

[output]
format = "json"
path = "/var/log/fuzmon/"
compress = true

[monitor]
interval_sec = 60
record_cpu_time_percent_threshold = 0.5
stacktrace_cpu_time_percent_threshold = 2.0

[report]
top_cpu = 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "myname", cfg.Filter.TargetUser)
	assert.Len(t, cfg.Filter.IgnoreProcessName, 2)
	assert.Equal(t, "/var/log/fuzmon/", cfg.Output.Path)
	assert.Equal(t, uint64(60), cfg.Monitor.IntervalSec)
	assert.Equal(t, 0.5, cfg.Monitor.RecordCPUTimePercentThreshold)
	require.NotNil(t, cfg.Monitor.StacktraceCPUTimePercentThreshold)
	assert.Equal(t, 2.0, *cfg.Monitor.StacktraceCPUTimePercentThreshold)

	cfg.Finalize()
	// "json" is an alias for "jsonl".
	assert.Equal(t, "jsonl", cfg.Output.Format)
	assert.Equal(t, 5, cfg.Report.TopCPU)
	assert.Equal(t, 10, cfg.Report.TopRSS)
}

func TestUnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, "[output]\nfoo = 1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
	assert.Contains(t, err.Error(), "foo")
}

func TestBadTypeRejected(t *testing.T) {
	path := writeConfig(t, "[filter]\nignore_process_name = false\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ignore_process_name")
}

func TestMissingFileRejected(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	cfg.Finalize()
	assert.Equal(t, "jsonl.zst", cfg.Output.Format)
	assert.Equal(t, "/tmp/fuzmon", cfg.Output.Path)
	require.NotNil(t, cfg.Output.Compress)
	assert.True(t, *cfg.Output.Compress)
	assert.Equal(t, 0.0, cfg.Monitor.RecordCPUTimePercentThreshold)
	require.NotNil(t, cfg.Monitor.StacktraceCPUTimePercentThreshold)
	assert.Equal(t, 1.0, *cfg.Monitor.StacktraceCPUTimePercentThreshold)
	assert.Equal(t, 10, cfg.Report.TopCPU)
	assert.Equal(t, 10, cfg.Report.TopRSS)
}

func TestCompressDefaultFollowsFormat(t *testing.T) {
	cfg := Default()
	cfg.Output.Format = "msgpacks"
	cfg.Finalize()
	assert.False(t, *cfg.Output.Compress)

	cfg = Default()
	cfg.Output.Format = "msgpack.zst"
	cfg.Finalize()
	assert.Equal(t, "msgpacks.zst", cfg.Output.Format)
	assert.True(t, *cfg.Output.Compress)
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "[filter]\ntarget_user = \"hoge\"\n[output]\npath = \"/tmp/a\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.MergeFlags("foo", "/tmp/b")
	assert.Equal(t, "foo", cfg.Filter.TargetUser)
	assert.Equal(t, "/tmp/b", cfg.Output.Path)

	cfg.MergeFlags("", "")
	assert.Equal(t, "foo", cfg.Filter.TargetUser)
	assert.Equal(t, "/tmp/b", cfg.Output.Path)
}

func TestCompileIgnoresDropsBadPatterns(t *testing.T) {
	cfg := &Config{Filter: FilterConfig{IgnoreProcessName: []string{"^good$", "bad["}}}
	patterns := cfg.CompileIgnores(zap.NewNop())
	require.Len(t, patterns, 1)
	assert.True(t, patterns[0].MatchString("good"))
}

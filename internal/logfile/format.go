// Package logfile persists and reads the per-PID log streams. Entries are
// appended under <dir>/<YYYYMMDD-UTC>/<pid>.<ext> as JSON lines or a named
// MsgPack stream, each optionally wrapped in zstd frames. One append is one
// zstd frame; concatenated frames decode as a single stream.
package logfile

import "strings"

// Format describes the on-disk encoding of a log stream.
type Format struct {
	MsgPack  bool
	Compress bool
}

// ParseFormat interprets a normalized config format string ("jsonl",
// "jsonl.zst", "msgpacks", "msgpacks.zst") plus the effective compress
// switch.
func ParseFormat(format string, compress bool) Format {
	return Format{
		MsgPack:  strings.HasPrefix(format, "msgpacks"),
		Compress: compress,
	}
}

// Ext returns the file extension for the format, e.g. "jsonl.zst".
func (f Format) Ext() string {
	ext := "jsonl"
	if f.MsgPack {
		ext = "msgpacks"
	}
	if f.Compress {
		ext += ".zst"
	}
	return ext
}

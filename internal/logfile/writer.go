package logfile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/baikal/fuzmon/internal/model"
)

// Writer is the sampler's sink. Write failures are logged, never fatal: a
// full disk must not stop the sampling loop.
type Writer struct {
	dir    string
	format Format
	logger *zap.Logger

	// now is swapped out by tests to pin the date directory.
	now func() time.Time
}

// NewWriter creates a sink appending below dir.
func NewWriter(dir string, format Format, logger *zap.Logger) *Writer {
	return &Writer{dir: dir, format: format, logger: logger, now: time.Now}
}

// Write appends one entry to <dir>/<YYYYMMDD>/<pid>.<ext>.
func (w *Writer) Write(entry *model.LogEntry) {
	date := w.now().UTC().Format("20060102")
	dir := filepath.Join(w.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Warn("failed to create log directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.%s", entry.PID, w.format.Ext()))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Warn("failed to open log file", zap.String("path", path), zap.Error(err))
		return
	}
	defer file.Close()

	if err := encodeEntry(file, entry, w.format); err != nil {
		w.logger.Warn("failed to write log entry", zap.String("path", path), zap.Error(err))
	}
}

func encodeEntry(file io.Writer, entry *model.LogEntry, format Format) error {
	if !format.Compress {
		return encodePlain(file, entry, format.MsgPack)
	}
	enc, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd init: %w", err)
	}
	if err := encodePlain(enc, entry, format.MsgPack); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func encodePlain(w io.Writer, entry *model.LogEntry, useMsgPack bool) error {
	if useMsgPack {
		data, err := msgpack.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode msgpack: %w", err)
		}
		_, err = w.Write(data)
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n"))
	return err
}

package logfile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/baikal/fuzmon/internal/model"
)

// ReadFile parses one log file, transparently decompressing ".zst" and
// picking the codec from the inner extension. MsgPack streams terminate at
// the first unexpected EOF, which is how an append-structured stream ends.
func ReadFile(path string) ([]model.LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	name := path
	var reader io.Reader = file
	if strings.HasSuffix(name, ".zst") {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		defer dec.Close()
		reader = dec
		name = strings.TrimSuffix(name, ".zst")
	}

	if strings.HasSuffix(name, ".msgpacks") {
		return readMsgPack(reader)
	}
	return readJSONL(reader)
}

func readMsgPack(r io.Reader) ([]model.LogEntry, error) {
	dec := msgpack.NewDecoder(r)
	var entries []model.LogEntry
	for {
		var entry model.LogEntry
		err := dec.Decode(&entry)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode msgpack: %w", err)
		}
		entries = append(entries, entry)
	}
}

func readJSONL(r io.Reader) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			var entry model.LogEntry
			if uerr := json.Unmarshal([]byte(trimmed), &entry); uerr != nil {
				return nil, fmt.Errorf("decode json: %w", uerr)
			}
			entries = append(entries, entry)
		}
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// CollectFiles lists every regular file below path recursively; path may
// also be a single file. Results are sorted for stable output.
func CollectFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Dump prints each file path followed by its parsed entries, the debug
// surface behind the "dump" subcommand. Unreadable files are reported and
// skipped.
func Dump(path string, out, errOut io.Writer) error {
	files, err := CollectFiles(path)
	if err != nil {
		return err
	}
	for _, file := range files {
		fmt.Fprintln(out, file)
		entries, err := ReadFile(file)
		if err != nil {
			fmt.Fprintf(errOut, "failed to read %s: %v\n", file, err)
			continue
		}
		for i := range entries {
			data, err := json.Marshal(&entries[i])
			if err != nil {
				fmt.Fprintf(errOut, "failed to render entry: %v\n", err)
				continue
			}
			fmt.Fprintln(out, string(data))
		}
	}
	return nil
}

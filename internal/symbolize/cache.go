package symbolize

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrPseudoMapping marks maps entries such as "[vdso]" or "[heap]" that
// have no backing file.
var ErrPseudoMapping = errors.New("pseudo mapping")

type cacheEntry struct {
	mtime time.Time
	mod   *Module
	err   error
}

// Cache holds parsed modules keyed by path, invalidated when the file's
// modification time changes. Rejections (non-ELF, unparsable) are sticky
// for the observed mtime so a hot loop does not re-read bad files. The
// cache is confined to the sampler thread; no locking.
type Cache struct {
	logger  *zap.Logger
	entries map[string]*cacheEntry
}

// NewCache creates an empty module cache.
func NewCache(logger *zap.Logger) *Cache {
	return &Cache{logger: logger, entries: make(map[string]*cacheEntry)}
}

// Module returns the parsed module for path, loading or reloading as
// needed.
func (c *Cache) Module(path string) (*Module, error) {
	if strings.HasPrefix(path, "[") {
		return nil, fmt.Errorf("%s: %w", path, ErrPseudoMapping)
	}
	info, err := os.Stat(path)
	if err != nil {
		// The file may be gone already; nothing worth caching.
		return nil, err
	}
	mtime := info.ModTime()

	if entry, ok := c.entries[path]; ok {
		if entry.mtime.Equal(mtime) {
			return entry.mod, entry.err
		}
		c.logger.Warn("mmaped file mtime changed, reloading", zap.String("path", path))
		delete(c.entries, path)
	}

	entry := &cacheEntry{mtime: mtime}
	if !info.Mode().IsRegular() {
		entry.err = fmt.Errorf("%s: not a regular file", path)
	} else {
		entry.mod, entry.err = loadModule(path, mtime)
	}
	if entry.err != nil && !errors.Is(entry.err, ErrNotELF) {
		c.logger.Warn("failed to load module", zap.String("path", path), zap.Error(entry.err))
	}
	c.entries[path] = entry
	return entry.mod, entry.err
}

// Len reports the number of cached paths, including sticky rejections.
func (c *Cache) Len() int { return len(c.entries) }

// Package scripts loads and caches the PowerShell scripts run on remote hosts.
package scripts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Script names referenced by the collector.
const (
	Hardware            = "hardware"
	Disks               = "disks"
	SoftwareFull        = "software_full"
	SoftwareIncremental = "software_incremental"
	Roles               = "roles"
)

// Required lists every script the collector needs.
var Required = []string{Hardware, Disks, SoftwareFull, SoftwareIncremental, Roles}

// ErrNotFound is returned when a script is absent from the library directory.
var ErrNotFound = errors.New("script not found")

// Library is a name to text cache over a script directory. Entries are never
// evicted.
type Library struct {
	dir    string
	ext    string
	logger zerolog.Logger

	mu      sync.RWMutex
	scripts map[string]string
}

// NewLibrary creates a library reading files with ext from dir.
func NewLibrary(dir, ext string, logger zerolog.Logger) *Library {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Library{
		dir:     dir,
		ext:     ext,
		logger:  logger,
		scripts: make(map[string]string),
	}
}

// Get returns the text of a script, reading and caching it on first use.
func (l *Library) Get(name string) (string, error) {
	l.mu.RLock()
	text, ok := l.scripts[name]
	l.mu.RUnlock()
	if ok {
		return text, nil
	}

	text, err := l.load(name)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	l.scripts[name] = text
	l.mu.Unlock()

	return text, nil
}

func (l *Library) load(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	data, err := os.ReadFile(filepath.Join(l.dir, name+l.ext))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("failed to read script %s: %w", name, err)
	}

	return string(data), nil
}

// Preload reads every script with the library extension. Failures are logged
// per script and skipped. It returns the number of scripts cached.
func (l *Library) Preload() int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.logger.Error().Err(err).Str("dir", l.dir).Msg("Failed to list script directory")
		return 0
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != l.ext {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), l.ext)
		if _, err := l.Get(name); err != nil {
			l.logger.Error().Err(err).Str("script", name).Msg("Failed to preload script")
			continue
		}
		loaded++
	}

	l.logger.Info().Int("count", loaded).Str("dir", l.dir).Msg("Scripts preloaded")
	return loaded
}

// Missing returns the required scripts that cannot be loaded.
func (l *Library) Missing() []string {
	var missing []string
	for _, name := range Required {
		if _, err := l.Get(name); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// Names returns the cached script names.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.scripts))
	for name := range l.scripts {
		names = append(names, name)
	}
	return names
}

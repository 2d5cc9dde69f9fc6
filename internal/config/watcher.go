package config

import (
	"context"
	"crypto/sha256"
	"os"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

// Watcher polls a config file and publishes each new valid version. An
// invalid edit is logged and the last good config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Root)

	current  atomic.Pointer[Root]
	lastHash [sha256.Size]byte
	version  atomic.Int64
}

// NewWatcher loads and validates the initial config. The initial load must
// succeed.
func NewWatcher(path string, interval time.Duration, onChange func(Root)) (*Watcher, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Watcher{path: path, interval: interval, onChange: onChange}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	w.current.Store(&c)
	w.lastHash = sha256.Sum256(b)
	w.version.Store(1)
	return w, nil
}

// Current returns the config in effect
func (w *Watcher) Current() Root { return *w.current.Load() }

// Version counts accepted configs, starting at 1
func (w *Watcher) Version() int64 { return w.version.Load() }

// Check re-reads the file once. It reports whether a new config was
// accepted.
func (w *Watcher) Check() bool {
	b, err := os.ReadFile(w.path)
	if err != nil {
		observ.Log("config_read_failed", map[string]any{"path": w.path, "error": err.Error()})
		return false
	}
	h := sha256.Sum256(b)
	if h == w.lastHash {
		return false
	}
	w.lastHash = h

	c, err := Load(w.path)
	if err == nil {
		err = c.Validate()
	}
	if err != nil {
		observ.IncCounter("config_rejected_total", nil)
		observ.Log("config_rejected", map[string]any{"path": w.path, "error": err.Error()})
		return false
	}

	w.current.Store(&c)
	v := w.version.Add(1)
	observ.IncCounter("config_reloads_total", nil)
	observ.Log("config_reloaded", map[string]any{"path": w.path, "version": v})
	if w.onChange != nil {
		w.onChange(c)
	}
	return true
}

// Run polls until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Check()
		}
	}
}

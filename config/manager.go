package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the write bursts editors and configmap
// updates produce into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Manager owns the active Config for a running router process. Get is a
// lock-free atomic load; Reload swaps in a validated replacement and
// tells subscribers, who are expected to rebuild their routing state
// around the new pointer rather than mutate anything in place.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]
	reloads atomic.Uint64

	mu   sync.Mutex
	subs []func(*Config)

	watcher *fsnotify.Watcher
}

// NewManager loads path and returns a Manager serving that config.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the active configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Reloads reports how many successful reloads have been applied since
// construction.
func (m *Manager) Reloads() uint64 {
	return m.reloads.Load()
}

// OnChange registers a callback invoked with each successfully reloaded
// config.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Reload re-reads the file and swaps the new config in. A file that
// fails to parse or validate leaves the current config untouched.
func (m *Manager) Reload() error {
	next, err := LoadFromFile(m.path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", m.path, err)
	}

	prev := m.current.Swap(next)
	m.reloads.Add(1)
	m.logRoutingChanges(prev, next)

	m.mu.Lock()
	subs := make([]func(*Config), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return nil
}

// logRoutingChanges names the routing-relevant settings that moved, so
// an operator can tell from the log what a reload actually retuned.
func (m *Manager) logRoutingChanges(prev, next *Config) {
	if prev == nil {
		return
	}
	var changed []string
	if prev.Routing.WindowSeconds != next.Routing.WindowSeconds {
		changed = append(changed, "window_seconds")
	}
	if prev.Routing.HighPriorityReserveFraction != next.Routing.HighPriorityReserveFraction {
		changed = append(changed, "high_priority_reserve_fraction")
	}
	if prev.Routing.SessionTTLSeconds != next.Routing.SessionTTLSeconds {
		changed = append(changed, "session_ttl_seconds")
	}
	if prev.Routing.EMAAlpha != next.Routing.EMAAlpha {
		changed = append(changed, "ema_alpha")
	}
	if prev.CircuitBreaker != next.CircuitBreaker {
		changed = append(changed, "circuit_breaker")
	}
	if prev.Exhaustion != next.Exhaustion {
		changed = append(changed, "exhaustion")
	}
	if len(prev.Providers) != len(next.Providers) {
		changed = append(changed, "providers")
	}
	if prev.SharedStoreURL != next.SharedStoreURL {
		changed = append(changed, "shared_store_url")
	}

	if len(changed) == 0 {
		m.logger.Info("config reloaded, no routing settings changed")
		return
	}
	m.logger.Info("config reloaded", "changed", changed)
}

// Watch reloads the config whenever the file changes, until ctx is
// cancelled. Rapid successive writes are debounced.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, func() {
					if err := m.Reload(); err != nil {
						m.logger.Error("config reload failed, keeping current", "error", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if Watch was started.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

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

// Manager handles configuration loading and hot-reload.
// It uses atomic pointer swaps to ensure thread-safe config updates.
type Manager struct {
	config   atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu       sync.Mutex
	onChange []func(*Config)
}

// NewManager creates a new configuration manager.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.config.Store(cfg)

	return m, nil
}

// NewStaticManager wraps a fixed configuration without file backing.
func NewStaticManager(cfg *Config, logger *slog.Logger) *Manager {
	m := &Manager{logger: logger}
	m.config.Store(cfg)
	return m
}

// Get returns the current configuration.
// Safe to call concurrently from multiple goroutines.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// FileBacked reports whether a configuration file backs this manager.
// Static managers cannot Reload or Watch.
func (m *Manager) FileBacked() bool {
	return m.path != ""
}

// OnChange registers a callback invoked after each successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Reload re-reads the configuration file and swaps it in atomically.
// Exposed for the operator-facing reload endpoint.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("no config file to reload")
	}

	newCfg, err := LoadFromFile(m.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	m.config.Store(newCfg)
	m.logger.Info("configuration reloaded")

	m.mu.Lock()
	callbacks := make([]func(*Config), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(newCfg)
	}
	return nil
}

// Watch starts watching the configuration file for changes.
// It debounces rapid changes and reloads configuration atomically.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return fmt.Errorf("no config file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						m.logger.Error("failed to reload config, keeping current", "error", err)
					}
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

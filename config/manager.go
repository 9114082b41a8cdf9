package config

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/c360/entitystream/errors"
)

// Update represents a configuration change notification
type Update struct {
	Section string      // changed top-level section, e.g. "log"
	Config  *SafeConfig // full latest configuration
}

// Manager reloads configuration on demand and notifies subscribers of changed sections.
// Only settings that components read at use time, such as the log level, take effect
// without a restart.
type Manager struct {
	loader      *Loader
	config      *SafeConfig
	subscribers map[string][]chan Update
	mu          sync.RWMutex
	logger      *slog.Logger

	wg      sync.WaitGroup
	stopped atomic.Bool
	reloads atomic.Int64
}

// NewManager creates a manager over an already loaded config. loader is reused for reloads.
func NewManager(cfg *Config, loader *Loader, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "nil config")
	}
	if loader == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "nil loader")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		loader:      loader,
		config:      NewSafeConfig(cfg),
		subscribers: make(map[string][]chan Update),
		logger:      logger.With("component", "config_manager"),
	}, nil
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to changes of sections matching pattern ("log", "gateway", "*").
// The channel receives the current config immediately.
func (cm *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)

	cm.mu.Lock()
	cm.subscribers[pattern] = append(cm.subscribers[pattern], ch)
	cm.mu.Unlock()

	select {
	case ch <- Update{Section: pattern, Config: cm.config}:
	default:
	}
	return ch
}

// Reload re-reads every layer. An invalid result is rejected and the current config kept.
func (cm *Manager) Reload() ([]string, error) {
	if cm.stopped.Load() {
		return nil, errors.WrapInvalid(errors.ErrClosed, "Manager", "Reload", "check state")
	}

	next, err := cm.loader.Load()
	if err != nil {
		return nil, err
	}

	prev := cm.config.Get()
	changed := changedSections(prev, next)
	if len(changed) == 0 {
		cm.logger.Debug("Configuration reloaded, nothing changed")
		return nil, nil
	}
	if err := cm.config.Update(next); err != nil {
		return nil, err
	}
	cm.reloads.Add(1)

	cm.logger.Info("Configuration reloaded", "changed", changed)
	for _, section := range changed {
		cm.notify(section)
	}
	return changed, nil
}

// Watch reloads on every trigger until ctx is done or Stop is called
func (cm *Manager) Watch(ctx context.Context, trigger <-chan struct{}) {
	cm.wg.Add(1)
	defer cm.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-trigger:
			if !ok || cm.stopped.Load() {
				return
			}
			if _, err := cm.Reload(); err != nil {
				cm.logger.Error("Configuration reload rejected", "error", err)
			}
		}
	}
}

// Reloads returns how many reloads changed the configuration
func (cm *Manager) Reloads() int64 {
	return cm.reloads.Load()
}

// Stop closes every subscriber channel after Watch returns
func (cm *Manager) Stop(timeout time.Duration) error {
	if !cm.stopped.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		cm.logger.Warn("Config manager shutdown timeout", "timeout", timeout)
	}

	cm.mu.Lock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
	cm.mu.Unlock()
	return nil
}

func (cm *Manager) notify(section string) {
	update := Update{Section: section, Config: cm.config}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for pattern, channels := range cm.subscribers {
		if !matchesPattern(section, pattern) {
			continue
		}
		for _, ch := range channels {
			if cm.stopped.Load() {
				return
			}
			select {
			case ch <- update:
			default:
				// subscriber still holds an undelivered update with the same SafeConfig
			}
		}
	}
}

// matchesPattern checks if a section matches a subscription pattern
func matchesPattern(section, pattern string) bool {
	if pattern == section || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(section, prefix)
	}
	return false
}

// changedSections lists the top-level sections that differ
func changedSections(a, b *Config) []string {
	var out []string
	add := func(name string, x, y any) {
		if !cmp.Equal(x, y) {
			out = append(out, name)
		}
	}
	add("version", a.Version, b.Version)
	add("bus", a.Bus, b.Bus)
	add("codec", a.Codec, b.Codec)
	add("dispatch", a.Dispatch, b.Dispatch)
	add("status", a.Status, b.Status)
	add("gateway", a.Gateway, b.Gateway)
	add("metrics", a.Metrics, b.Metrics)
	add("log", a.Log, b.Log)
	return out
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// BudgetRegistry serves budget levels to the service layer and hot-reloads
// them from a YAML file when it changes. Lookups during a reload see either
// the old or the new full set, never a partial one.
type BudgetRegistry struct {
	mu      sync.RWMutex
	levels  map[string]BudgetLevel
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	logger  *zap.Logger
}

// NewBudgetRegistry seeds the registry with the statically loaded levels.
func NewBudgetRegistry(levels map[string]BudgetLevel, logger *zap.Logger) *BudgetRegistry {
	cp := make(map[string]BudgetLevel, len(levels))
	for k, v := range levels {
		cp[strings.ToUpper(k)] = v
	}
	return &BudgetRegistry{
		levels: cp,
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// Level returns the budget level for name (case-insensitive).
func (r *BudgetRegistry) Level(name string) (BudgetLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lvl, ok := r.levels[strings.ToUpper(name)]
	return lvl, ok
}

// Watch starts reloading levels whenever file changes. Returns an error only
// for watcher setup failures; reload errors are logged and the previous set
// stays in effect.
func (r *BudgetRegistry) Watch(file string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops direct watches.
	if err := w.Add(filepath.Dir(file)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", file, err)
	}
	r.watcher = w

	go func() {
		target := filepath.Clean(file)
		for {
			select {
			case <-r.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.reload(file); err != nil {
					r.logger.Warn("Budget reload failed, keeping previous levels",
						zap.String("file", file),
						zap.Error(err),
					)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Budget watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (r *BudgetRegistry) reload(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var raw map[string]BudgetLevel
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse budget levels: %w", err)
	}
	next := make(map[string]BudgetLevel, len(raw))
	for name, lvl := range raw {
		if lvl.MaxSearchCount <= 0 || lvl.MaxConductCount <= 0 {
			return fmt.Errorf("budget level %s has non-positive ceilings", name)
		}
		next[strings.ToUpper(name)] = lvl
	}

	r.mu.Lock()
	r.levels = next
	r.mu.Unlock()

	r.logger.Info("Budget levels reloaded",
		zap.String("file", file),
		zap.Int("levels", len(next)),
	)
	return nil
}

// Close stops the watcher goroutine.
func (r *BudgetRegistry) Close() error {
	close(r.stopCh)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

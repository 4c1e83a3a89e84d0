package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/onpoc/quartznet/internal/logging"
)

// Manager owns one TOML config file, republishing a fresh Config to
// subscribers whenever the file changes in a way that actually alters
// the hot-reloadable fields. Store DSN and InstanceID changes are
// detected and rejected (old value kept, warning logged) per SPEC_FULL
// §1.3.
type Manager struct {
	path string
	log  logging.Logger

	mu  sync.RWMutex
	cur Config

	subsMu sync.Mutex
	subs   []chan Config
}

// NewManager loads path once (erroring if it cannot be parsed) and
// returns a Manager ready to Watch.
func NewManager(path string, log logging.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, log: log, cur: cfg}, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Subscribe returns a channel that receives every successfully applied
// config update. The channel is buffered; a slow subscriber drops its
// oldest pending update rather than blocking the watcher.
func (m *Manager) Subscribe(buffer int) chan Config {
	ch := make(chan Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) publish(cfg Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// Watch blocks, reloading the config file on every write/create/rename
// event and publishing it to subscribers whenever the hot-reloadable
// fields change, until ctx is cancelled. Store backend/DSN and
// InstanceID are compared against the running value; a live attempt to
// change either is rejected with a warning log and the old value is
// kept.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		next, err := Load(m.path)
		if err != nil {
			m.log.Warn("config reload failed", logging.String("path", m.path), logging.Err(err))
			return
		}

		m.mu.Lock()
		cur := m.cur
		if next.Store != cur.Store {
			m.log.Warn("rejecting live store backend/DSN change; restart required",
				logging.String("path", m.path))
			next.Store = cur.Store
		}
		if next.InstanceID != cur.InstanceID {
			m.log.Warn("rejecting live instance_id change; restart required",
				logging.String("path", m.path))
			next.InstanceID = cur.InstanceID
		}
		changed := next.hot() != cur.hot()
		m.cur = next
		m.mu.Unlock()

		if changed {
			m.log.Debug("config reloaded", logging.String("path", m.path))
			m.publish(next)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
			timerMu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				m.log.Warn("config watch error", logging.Err(err), logging.String("dir", dir))
			}
		}
	}
}

package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Settings is the immutable decision-time view of the config. A snapshot is
// built once per load and swapped atomically, so an in-flight decision keeps
// the values it started with.
type Settings struct {
	SecurityTTL       time.Duration
	ClassificationTTL time.Duration
	InfoValueTTL      time.Duration

	SecurityScoped       bool
	ClassificationScoped bool
	InfoValueScoped      bool

	ParticipationEnabled bool
	ParticipationWindow  time.Duration
	GroupThreshold       float64
	DMThreshold          float64

	OverrideOnDirectMention bool
	OverrideOnHighValueInfo bool
	AllowOnAmbiguous        bool

	MemoryCapacity int
	RetrievalLimit int
	ContextSize    int
}

// BuildSettings derives a Settings snapshot from cfg.
func BuildSettings(cfg *Config) (*Settings, error) {
	window, err := time.ParseDuration(cfg.Decision.Participation.Window)
	if err != nil {
		return nil, fmt.Errorf("parse participation window: %w", err)
	}
	return &Settings{
		SecurityTTL:             time.Duration(cfg.Decision.Cache.SecurityTTL) * time.Second,
		ClassificationTTL:       time.Duration(cfg.Decision.Cache.ClassificationTTL) * time.Second,
		InfoValueTTL:            time.Duration(cfg.Decision.Cache.InfoValueTTL) * time.Second,
		SecurityScoped:          cfg.Decision.Cache.SecurityScoped,
		ClassificationScoped:    cfg.Decision.Cache.ClassificationScoped,
		InfoValueScoped:         cfg.Decision.Cache.InfoValueScoped,
		ParticipationEnabled:    cfg.Decision.Participation.Enabled,
		ParticipationWindow:     window,
		GroupThreshold:          cfg.Decision.Participation.GroupThreshold,
		DMThreshold:             cfg.Decision.Participation.DMThreshold,
		OverrideOnDirectMention: cfg.Decision.Override.OnDirectMention,
		OverrideOnHighValueInfo: cfg.Decision.Override.OnHighValueInfo,
		AllowOnAmbiguous:        cfg.Decision.Security.AllowOnAmbiguous,
		MemoryCapacity:          cfg.Memory.Capacity,
		RetrievalLimit:          cfg.Memory.RetrievalLimit,
		ContextSize:             cfg.Gateway.ContextSize,
	}, nil
}

// SettingsStore holds the current Settings snapshot and optionally watches
// the config file for changes.
type SettingsStore struct {
	current atomic.Pointer[Settings]
	path    string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	onSwap []func(*Settings)
}

func NewSettingsStore(initial *Settings, path string) *SettingsStore {
	s := &SettingsStore{path: path}
	s.current.Store(initial)
	return s
}

// Snapshot returns the current settings. Callers hold the returned pointer
// for the duration of one decision.
func (s *SettingsStore) Snapshot() *Settings {
	return s.current.Load()
}

// Subscribe registers fn to run after every swap. Subscribers propagate
// reloaded values into components that copied them at construction time.
func (s *SettingsStore) Subscribe(fn func(*Settings)) {
	s.mu.Lock()
	s.onSwap = append(s.onSwap, fn)
	s.mu.Unlock()
}

// Swap replaces the current snapshot and notifies subscribers.
func (s *SettingsStore) Swap(next *Settings) {
	s.current.Store(next)
	s.mu.Lock()
	subs := append([]func(*Settings){}, s.onSwap...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
}

// Watch reloads and swaps settings whenever the config file changes. It
// returns after the watcher is registered; call Close to stop it.
func (s *SettingsStore) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace the file rather than write in place.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfigFrom(s.path)
				if err != nil {
					log.Warn().Err(err).Msg("config reload failed, keeping current settings")
					continue
				}
				next, err := BuildSettings(cfg)
				if err != nil {
					log.Warn().Err(err).Msg("config reload produced invalid settings")
					continue
				}
				s.Swap(next)
				log.Info().Msg("settings reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}

func (s *SettingsStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

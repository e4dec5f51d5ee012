// Package config provides configuration management for keysynth.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

var ErrInvalidConfig = errors.New("invalid config")

// Backend names accepted in the backend setting.
const (
	BackendAuto    = "auto"
	BackendX11     = "x11"
	BackendWayland = "wayland"
	BackendRemote  = "remote"
)

// Persist modes for the remote permission grant.
const (
	PersistNone      = "none"
	PersistTransient = "transient"
	PersistPermanent = "permanent"
)

// Config represents the application configuration
type Config struct {
	// Backend is one of auto, x11, wayland or remote
	Backend string        `toml:"backend"`
	Pacing  PacingConfig  `toml:"pacing"`
	X11     X11Config     `toml:"x11"`
	Wayland WaylandConfig `toml:"wayland"`
	Remote  RemoteConfig  `toml:"remote"`
	API     APIConfig     `toml:"api"`
	Tray    TrayConfig    `toml:"tray"`
}

type PacingConfig struct {
	// Delay is the pause before repeating the same key
	Delay time.Duration `toml:"delay"`
	// OperationTimeout bounds every single dispatcher call
	OperationTimeout time.Duration `toml:"operation_timeout"`
}

type X11Config struct {
	// Display overrides $DISPLAY
	Display string `toml:"display"`
}

type WaylandConfig struct {
	// Display overrides $WAYLAND_DISPLAY
	Display string `toml:"display"`
}

type RemoteConfig struct {
	AppName          string        `toml:"app_name"`
	EstablishTimeout time.Duration `toml:"establish_timeout"`
	// Persist is none, transient or permanent
	Persist      string `toml:"persist"`
	RestoreToken string `toml:"restore_token,omitempty"`
}

// APIConfig controls the local control server
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	// Token is an optional bearer token for API requests
	Token string `toml:"token,omitempty"`
}

type TrayConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns a new Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendAuto,
		Pacing: PacingConfig{
			Delay:            12 * time.Millisecond,
			OperationTimeout: 5 * time.Second,
		},
		Remote: RemoteConfig{
			AppName:          "keysynth",
			EstablishTimeout: 2 * time.Minute,
			Persist:          PersistTransient,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:18081",
		},
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAuto, BackendX11, BackendWayland, BackendRemote:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.Pacing.Delay < 0 {
		return fmt.Errorf("%w: negative pacing delay", ErrInvalidConfig)
	}
	if c.Pacing.OperationTimeout <= 0 {
		return fmt.Errorf("%w: operation timeout must be positive", ErrInvalidConfig)
	}
	if c.Remote.EstablishTimeout <= 0 {
		return fmt.Errorf("%w: establish timeout must be positive", ErrInvalidConfig)
	}
	switch c.Remote.Persist {
	case PersistNone, PersistTransient, PersistPermanent:
	default:
		return fmt.Errorf("%w: unknown persist mode %q", ErrInvalidConfig, c.Remote.Persist)
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("%w: api enabled without a listen address", ErrInvalidConfig)
	}
	return nil
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	callbacks  []func(*Config)
}

// NewManager creates a manager for the file in the user's config directory
func NewManager() (*Manager, error) {
	configPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewManagerAt(configPath), nil
}

// NewManagerAt creates a manager for the file at configPath
func NewManagerAt(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		config:     DefaultConfig(),
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/keysynth/config.toml
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "keysynth", "config.toml"), nil
}

// Path returns the file the manager reads and writes
func (m *Manager) Path() string { return m.configPath }

// Load reads the configuration from disk. A missing file keeps the
// defaults; an invalid one leaves the current configuration untouched.
func (m *Manager) Load() error {
	cfg := DefaultConfig()
	_, err := toml.DecodeFile(m.configPath, cfg)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, m.configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	callbacks := append([]func(*Config){}, m.callbacks...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg.clone())
	}
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.Lock()
	var buf bytes.Buffer
	err := toml.NewEncoder(&buf).Encode(m.config)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return err
	}
	log.Printf("Config: Saving configuration to %s (%d bytes)", m.configPath, buf.Len())
	return os.WriteFile(m.configPath, buf.Bytes(), 0600)
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.clone()
}

// Set replaces the configuration and notifies the callbacks
func (m *Manager) Set(config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = config.clone()
	callbacks := append([]func(*Config){}, m.callbacks...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(config.clone())
	}
	return nil
}

// Update applies fn to a copy of the configuration, stores and saves it
func (m *Manager) Update(fn func(*Config)) error {
	cfg := m.Get()
	fn(cfg)
	if err := m.Set(cfg); err != nil {
		return err
	}
	return m.Save()
}

// RegisterChangeCallback registers a function to be called when config changes
func (m *Manager) RegisterChangeCallback(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Watch reloads the file whenever it changes until ctx ends. The directory
// is watched so editors that replace the file are followed.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Printf("Config: Watching %s", m.configPath)

	name := filepath.Clean(m.configPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.Load(); err != nil {
				log.Printf("Config: Reload failed, keeping previous settings: %v", err)
				continue
			}
			log.Println("Config: Reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Config: Watch error: %v", err)
		}
	}
}

func (c *Config) clone() *Config {
	cp := *c
	return &cp
}

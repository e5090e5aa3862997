package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileDefaults is the YAML shape of a pool-defaults file for embedding
// services that want credential/pool-size rotation without a restart —
// the same shape as the teacher's defaults block, scoped to one backend
// instead of a multi-tenant map.
type FileDefaults struct {
	Host                   string        `yaml:"host"`
	Port                   int           `yaml:"port"`
	User                   string        `yaml:"user"`
	Password               string        `yaml:"password"`
	Database               string        `yaml:"database"`
	MaxConnections         int           `yaml:"max_connections"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	MaxLifetime            time.Duration `yaml:"max_lifetime"`
	AcquireTimeout         time.Duration `yaml:"acquire_timeout"`
	StatementCacheSize     int           `yaml:"statement_cache_size"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// LoadFile reads a YAML pool-defaults file (with ${VAR} substitution) and
// merges it onto Defaults() into a ConnectionParams.
func LoadFile(path string) (ConnectionParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionParams{}, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	var fd FileDefaults
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return ConnectionParams{}, fmt.Errorf("parsing config file: %w", err)
	}

	p := Defaults()
	if fd.Host != "" {
		p.Host = fd.Host
	}
	if fd.Port != 0 {
		p.Port = fd.Port
	}
	if fd.User != "" {
		p.User = fd.User
	}
	if fd.Password != "" {
		p.Password = fd.Password
	}
	if fd.Database != "" {
		p.Database = fd.Database
	}
	if fd.MaxConnections != 0 {
		p.MaxConnections = fd.MaxConnections
	}
	if fd.IdleTimeout != 0 {
		p.IdleTimeout = fd.IdleTimeout
	}
	if fd.MaxLifetime != 0 {
		p.MaxLifetime = fd.MaxLifetime
	}
	if fd.AcquireTimeout != 0 {
		p.AcquireTimeout = fd.AcquireTimeout
	}
	if fd.StatementCacheSize != 0 {
		p.StatementCacheSize = fd.StatementCacheSize
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Watcher watches a pool-defaults YAML file for changes and invokes a
// callback with the reloaded ConnectionParams, debounced the same way as
// the teacher's config.Watcher.
type Watcher struct {
	path     string
	callback func(ConnectionParams)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path, calling cb on every debounced reload.
func NewWatcher(path string, cb func(ConnectionParams)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	cw := &Watcher{path: path, callback: cb, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	p, err := LoadFile(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "path", cw.path, "err", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(p)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}

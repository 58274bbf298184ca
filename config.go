package watchdog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const debounceDelay = 500 * time.Millisecond

// Config is the operator-editable settings file. Key names are kept stable
// so existing settings.json files keep loading.
type Config struct {
	Name      string   `yaml:"name" json:"name"`
	App       string   `yaml:"app" json:"app"`
	Arguments []string `yaml:"arguments" json:"arguments"`
	Ports     []int    `yaml:"ports" json:"ports"`
	PingTime  int      `yaml:"ping_time" json:"ping_time"`
	Wait      int      `yaml:"wait" json:"wait"`
	Reboot    int      `yaml:"reboot" json:"reboot"`
	Autostart bool     `yaml:"autostart" json:"autostart"`
	EnvFiles  []string `yaml:"env_files,omitempty" json:"env_files,omitempty"`
}

// DefaultConfig returns the settings written when no file exists yet.
func DefaultConfig() Config {
	return Config{
		Name:      "default",
		App:       "",
		Arguments: []string{},
		Ports:     []int{8000, 8005},
		PingTime:  30,
		Wait:      60,
		Reboot:    4,
		Autostart: false,
	}
}

// ListenPort is the UDP port the heartbeat listener binds.
func (c Config) ListenPort() int {
	if len(c.Ports) == 0 {
		return 0
	}
	return c.Ports[0]
}

// SecondaryPort is carried in the settings file but never bound.
func (c Config) SecondaryPort() int {
	if len(c.Ports) < 2 {
		return 0
	}
	return c.Ports[1]
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.PingTime) * time.Second
}

func (c Config) StartupGrace() time.Duration {
	return time.Duration(c.Wait) * time.Second
}

func (c Config) Validate() error {
	switch {
	case c.PingTime <= 0:
		return fmt.Errorf("%w: ping_time must be positive, got %d", ErrInvalidConfig, c.PingTime)
	case c.Wait < 0:
		return fmt.Errorf("%w: wait must not be negative, got %d", ErrInvalidConfig, c.Wait)
	case c.Reboot < 0:
		return fmt.Errorf("%w: reboot must not be negative, got %d", ErrInvalidConfig, c.Reboot)
	case len(c.Ports) == 0:
		return fmt.Errorf("%w: ports must list the heartbeat port", ErrInvalidConfig)
	case c.Ports[0] < 1 || c.Ports[0] > 65535:
		return fmt.Errorf("%w: heartbeat port must be in 1-65535, got %d", ErrInvalidConfig, c.Ports[0])
	}
	return nil
}

// ChildEnv returns the environment for the supervised process: the
// watchdog's own environment followed by every variable from EnvFiles.
// Unreadable files are logged and skipped.
func (c Config) ChildEnv() []string {
	env := os.Environ()
	for _, path := range c.EnvFiles {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			slog.Warn("Failed to read env file", slog.String("file", path), slog.String("err", err.Error()))
			continue
		}
		for k, v := range vars {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func (c Config) clone() Config {
	c.Arguments = append([]string{}, c.Arguments...)
	c.Ports = append([]int(nil), c.Ports...)
	if c.EnvFiles != nil {
		c.EnvFiles = append([]string(nil), c.EnvFiles...)
	}
	return c
}

// ConfigStore holds the current settings snapshot and the file it came from.
type ConfigStore struct {
	path     string
	activity ActivityLog

	mu  sync.RWMutex
	cfg Config
}

// LoadConfigStore reads the settings file at path. A missing file is not an
// error: defaults are synthesized and written back immediately.
func LoadConfigStore(path string, activity ActivityLog) (*ConfigStore, error) {
	s := &ConfigStore{path: path, activity: activity}
	cfg, err := readConfig(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		activity.Add("Settings file not found, using default settings")
		s.cfg = DefaultConfig()
		if err := s.Save(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.cfg = cfg
	activity.Add("Settings file loaded")
	return s, nil
}

// Snapshot returns a copy of the current settings.
func (s *ConfigStore) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Update replaces the current settings and persists them.
func (s *ConfigStore) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg.clone()
	s.mu.Unlock()
	return s.Save()
}

// Save writes the current settings, as YAML for .yaml/.yml paths and as
// indented JSON otherwise.
func (s *ConfigStore) Save() error {
	cfg := s.Snapshot()
	var (
		data []byte
		err  error
	)
	if isYAML(s.path) {
		data, err = yaml.Marshal(&cfg)
	} else {
		data, err = json.MarshalIndent(&cfg, "", "    ")
	}
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating settings dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// Reload rereads the settings file. An unreadable or invalid file leaves the
// current snapshot in place.
func (s *ConfigStore) Reload() error {
	cfg, err := readConfig(s.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Watch reloads the settings whenever the file is written, until ctx is done.
func (s *ConfigStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolving settings path: %w", err)
	}
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching settings dir: %w", err)
	}
	slog.Info("Watching settings file", slog.String("file", abs))

	timer := time.NewTimer(debounceDelay)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(debounceDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Watcher error", slog.String("err", err.Error()))
		case <-timer.C:
			if err := s.Reload(); err != nil {
				slog.Warn("Settings reload rejected, keeping previous settings", slog.String("file", abs), slog.String("err", err.Error()))
				continue
			}
			s.activity.Add("Settings file loaded")
		case <-ctx.Done():
			return nil
		}
	}
}

func readConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")) // Remove UTF-8 BOM if present
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if cfg.Arguments == nil {
		cfg.Arguments = []string{}
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

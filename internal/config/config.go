package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath overrides the config file location.
const EnvPath = "AGENDA_CONFIG"

const (
	NotifierDesktop = "desktop"
	NotifierLog     = "log"
)

const (
	defaultTimezone    = "UTC"
	defaultPoll        = "@every 5m"
	defaultScanSlack   = time.Hour
	defaultNowGrace    = 15 * time.Minute
	defaultCallTimeout = 10 * time.Second
	defaultRetries     = 1
	defaultListDays    = 14
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone all event times are normalised to.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataDir holds agenda.db. CacheDir holds notify.log and the ICS
	// download cache.
	DataDir  string `yaml:"data_dir" json:"data_dir"`
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Poll is the cron schedule of the reminder poll cycle
	// (e.g. "@every 5m" or "*/5 * * * *").
	Poll string `yaml:"poll" json:"poll"`

	// ScanSlack widens each cycle's scan window into the past.
	ScanSlack time.Duration `yaml:"scan_slack" json:"scan_slack"`
	// NowGrace bounds how long after its start a short occurrence still
	// gets its "now" reminder.
	NowGrace time.Duration `yaml:"now_grace" json:"now_grace"`
	// CallTimeout bounds each notification and sent-record write.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
	// Retries is the number of extra attempts after a failed call.
	Retries int `yaml:"retries" json:"retries"`

	// Notifier is "desktop" (freedesktop D-Bus) or "log".
	Notifier string `yaml:"notifier" json:"notifier"`

	// ListDays is the default look-ahead of `agenda list`.
	ListDays int `yaml:"list_days" json:"list_days"`

	// Listen, when set, starts the HTTP API in daemon mode.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{Retries: defaultRetries}
	c.Normalize()
	return c
}

// DefaultPath is $AGENDA_CONFIG or <user config dir>/agenda/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "agenda", "config.yaml")
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.DataDir == "" {
		c.DataDir = userDir(os.Getenv("XDG_DATA_HOME"), ".local/share")
	}
	if c.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = userDir("", ".cache")
		} else {
			dir = filepath.Join(dir, "agenda")
		}
		c.CacheDir = dir
	}
	if c.Poll == "" {
		c.Poll = defaultPoll
	}
	if c.NowGrace <= 0 {
		c.NowGrace = defaultNowGrace
	}
	if c.ScanSlack < c.NowGrace {
		c.ScanSlack = max(defaultScanSlack, c.NowGrace)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	switch c.Notifier {
	case NotifierDesktop, NotifierLog:
	default:
		c.Notifier = NotifierDesktop
	}
	if c.ListDays <= 0 {
		c.ListDays = defaultListDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func userDir(xdg, fallback string) string {
	if xdg != "" {
		return filepath.Join(xdg, "agenda")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, fallback, "agenda")
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) DBPath() string      { return filepath.Join(c.DataDir, "agenda.db") }
func (c *Config) LogPath() string     { return filepath.Join(c.CacheDir, "notify.log") }
func (c *Config) ICSCacheDir() string { return filepath.Join(c.CacheDir, "ics") }

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := Config{Retries: defaultRetries}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".agenda-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

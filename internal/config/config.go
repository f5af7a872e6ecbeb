package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/revsync/internal/logging"
	"github.com/dmitrijs2005/revsync/internal/remote"
)

// Config holds runtime settings for the revsync client.
type Config struct {
	URL       string
	GitURL    string
	Username  string
	Password  string
	AuthType  string
	VerifySSL bool

	GitRoot  string
	DBPath   string
	LogFile  string
	LogLevel string

	SyncInterval   time.Duration
	OfflineBackoff time.Duration
	HTTPTimeout    time.Duration

	FetchMissingRefs bool
	StatusAddr       string
	EventBuffer      int
}

// LoadDefaults populates c with sensible defaults. Local state lives under
// the user's home directory.
func (c *Config) LoadDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".revsync")

	c.AuthType = remote.AuthBasic
	c.VerifySSL = true
	c.GitRoot = filepath.Join(base, "git")
	c.DBPath = filepath.Join(base, "cache.db")
	c.LogFile = filepath.Join(base, "revsync.log")
	c.LogLevel = "info"
	c.SyncInterval = 60 * time.Second
	c.OfflineBackoff = 30 * time.Second
	c.HTTPTimeout = 30 * time.Second
	c.StatusAddr = "127.0.0.1:50061"
	c.EventBuffer = 256
}

// Validate rejects configurations the client cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.AuthType != remote.AuthBasic && c.AuthType != remote.AuthDigest {
		errs = append(errs, fmt.Errorf("unknown auth type %q", c.AuthType))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync interval must be positive"))
	}
	if c.OfflineBackoff <= 0 {
		errs = append(errs, errors.New("offline backoff must be positive"))
	}
	if c.EventBuffer < 0 {
		errs = append(errs, errors.New("event buffer must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from the file at path (if any) and the flags set on the command line.
// Later sources take precedence over earlier ones.
func LoadConfig(path string, flags *Flags) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if path != "" {
		if err := parseFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if flags != nil {
		flags.apply(cfg)
	}
	return cfg, nil
}

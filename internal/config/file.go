package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts either a string like "30s" or integer nanoseconds.
type Duration struct {
	time.Duration
}

func parseDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case string:
		return time.ParseDuration(x)
	case float64:
		return time.Duration(x), nil
	case int:
		return time.Duration(x), nil
	}
	return 0, fmt.Errorf("invalid duration %v", v)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	dur, err := parseDuration(v)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	dur, err := parseDuration(v)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// FileConfig is the on-disk form of Config. Absent keys leave the current
// values untouched.
type FileConfig struct {
	URL              *string   `json:"url" yaml:"url"`
	GitURL           *string   `json:"git_url" yaml:"git_url"`
	Username         *string   `json:"username" yaml:"username"`
	Password         *string   `json:"password" yaml:"password"`
	AuthType         *string   `json:"auth_type" yaml:"auth_type"`
	VerifySSL        *bool     `json:"verify_ssl" yaml:"verify_ssl"`
	GitRoot          *string   `json:"git_root" yaml:"git_root"`
	DBPath           *string   `json:"db_path" yaml:"db_path"`
	LogFile          *string   `json:"log_file" yaml:"log_file"`
	LogLevel         *string   `json:"log_level" yaml:"log_level"`
	SyncInterval     *Duration `json:"sync_interval" yaml:"sync_interval"`
	OfflineBackoff   *Duration `json:"offline_backoff" yaml:"offline_backoff"`
	HTTPTimeout      *Duration `json:"http_timeout" yaml:"http_timeout"`
	FetchMissingRefs *bool     `json:"fetch_missing_refs" yaml:"fetch_missing_refs"`
	StatusAddr       *string   `json:"status_addr" yaml:"status_addr"`
	EventBuffer      *int      `json:"event_buffer" yaml:"event_buffer"`
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *Duration) {
	if src != nil {
		*dst = src.Duration
	}
}

func (fc *FileConfig) apply(cfg *Config) {
	set(&cfg.URL, fc.URL)
	set(&cfg.GitURL, fc.GitURL)
	set(&cfg.Username, fc.Username)
	set(&cfg.Password, fc.Password)
	set(&cfg.AuthType, fc.AuthType)
	set(&cfg.VerifySSL, fc.VerifySSL)
	set(&cfg.GitRoot, fc.GitRoot)
	set(&cfg.DBPath, fc.DBPath)
	set(&cfg.LogFile, fc.LogFile)
	set(&cfg.LogLevel, fc.LogLevel)
	setDuration(&cfg.SyncInterval, fc.SyncInterval)
	setDuration(&cfg.OfflineBackoff, fc.OfflineBackoff)
	setDuration(&cfg.HTTPTimeout, fc.HTTPTimeout)
	set(&cfg.FetchMissingRefs, fc.FetchMissingRefs)
	set(&cfg.StatusAddr, fc.StatusAddr)
	set(&cfg.EventBuffer, fc.EventBuffer)
}

// parseFile overlays cfg with the file at path. The format follows the
// extension: .yaml/.yml is YAML, anything else JSON.
func parseFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	fc.apply(cfg)
	return nil
}

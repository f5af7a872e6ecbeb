package config

import (
	"github.com/spf13/pflag"
)

// Flags binds Config fields to command-line flags. Only flags the user
// actually set override values from defaults and the config file.
type Flags struct {
	fs     *pflag.FlagSet
	values Config
}

type binding struct {
	name  string
	apply func(dst, src *Config)
}

var bindings = []binding{
	{"url", func(d, s *Config) { d.URL = s.URL }},
	{"git-url", func(d, s *Config) { d.GitURL = s.GitURL }},
	{"username", func(d, s *Config) { d.Username = s.Username }},
	{"auth-type", func(d, s *Config) { d.AuthType = s.AuthType }},
	{"verify-ssl", func(d, s *Config) { d.VerifySSL = s.VerifySSL }},
	{"git-root", func(d, s *Config) { d.GitRoot = s.GitRoot }},
	{"db", func(d, s *Config) { d.DBPath = s.DBPath }},
	{"log-file", func(d, s *Config) { d.LogFile = s.LogFile }},
	{"log-level", func(d, s *Config) { d.LogLevel = s.LogLevel }},
	{"sync-interval", func(d, s *Config) { d.SyncInterval = s.SyncInterval }},
	{"offline-backoff", func(d, s *Config) { d.OfflineBackoff = s.OfflineBackoff }},
	{"http-timeout", func(d, s *Config) { d.HTTPTimeout = s.HTTPTimeout }},
	{"fetch-missing-refs", func(d, s *Config) { d.FetchMissingRefs = s.FetchMissingRefs }},
	{"status-addr", func(d, s *Config) { d.StatusAddr = s.StatusAddr }},
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	f.values.LoadDefaults()
	v := &f.values

	fs.StringVar(&v.URL, "url", v.URL, "base URL of the review server")
	fs.StringVar(&v.GitURL, "git-url", v.GitURL, "base URL for anonymous git fetches")
	fs.StringVarP(&v.Username, "username", "u", v.Username, "account name on the review server")
	fs.StringVar(&v.AuthType, "auth-type", v.AuthType, "HTTP authentication: basic or digest")
	fs.BoolVar(&v.VerifySSL, "verify-ssl", v.VerifySSL, "verify the server's TLS certificate")
	fs.StringVar(&v.GitRoot, "git-root", v.GitRoot, "directory holding the git working copies")
	fs.StringVar(&v.DBPath, "db", v.DBPath, "path of the local cache database")
	fs.StringVar(&v.LogFile, "log-file", v.LogFile, "path of the log file")
	fs.StringVar(&v.LogLevel, "log-level", v.LogLevel, "log level: debug, info, warn or error")
	fs.DurationVar(&v.SyncInterval, "sync-interval", v.SyncInterval, "period of the subscribed-project sync")
	fs.DurationVar(&v.OfflineBackoff, "offline-backoff", v.OfflineBackoff, "wait between attempts while offline")
	fs.DurationVar(&v.HTTPTimeout, "http-timeout", v.HTTPTimeout, "timeout of a single HTTP request")
	fs.BoolVar(&v.FetchMissingRefs, "fetch-missing-refs", v.FetchMissingRefs, "check every repository for missing refs at startup")
	fs.StringVar(&v.StatusAddr, "status-addr", v.StatusAddr, "listen address of the gRPC status endpoint")
	return f
}

func (f *Flags) apply(cfg *Config) {
	for _, b := range bindings {
		if f.fs.Changed(b.name) {
			b.apply(cfg, &f.values)
		}
	}
}

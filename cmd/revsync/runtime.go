package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/revsync/internal/cli"
	"github.com/dmitrijs2005/revsync/internal/config"
	"github.com/dmitrijs2005/revsync/internal/gitrepo"
	"github.com/dmitrijs2005/revsync/internal/logging"
	"github.com/dmitrijs2005/revsync/internal/remote"
	"github.com/dmitrijs2005/revsync/internal/store"
	"github.com/dmitrijs2005/revsync/internal/sync"
	"go.uber.org/multierr"
)

// runtime is the wired client: cache, remote, working copies and engine.
type runtime struct {
	cfg    *config.Config
	log    logging.Logger
	cache  *store.Store
	engine *sync.Engine

	closers []io.Closer
}

func loadConfig(promptPassword bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile, flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Password == "" && cfg.Username != "" && promptPassword {
		pw, err := cli.GetPassword(os.Stderr, fmt.Sprintf("Password for %s: ", cfg.Username))
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		cfg.Password = string(pw)
	}
	return cfg, nil
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	for _, dir := range []string{filepath.Dir(cfg.DBPath), filepath.Dir(cfg.LogFile), cfg.GitRoot} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log, logFile := logging.NewFileLogger(logging.FileOptions{Path: cfg.LogFile, Level: level})
	rt := &runtime{cfg: cfg, log: log, closers: []io.Closer{logFile}}

	rt.cache, err = store.Open(ctx, cfg.DBPath)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, rt.cache)

	rc, err := remote.New(remote.Options{
		URL:           cfg.URL,
		Username:      cfg.Username,
		Password:      cfg.Password,
		AuthType:      cfg.AuthType,
		VerifySSL:     cfg.VerifySSL,
		Timeout:       cfg.HTTPTimeout,
		RetryAttempts: 3,
	}, log)
	if err != nil {
		rt.Close()
		return nil, err
	}

	gitURL := cfg.GitURL
	if gitURL == "" {
		gitURL = cfg.URL
	}
	repos := gitrepo.NewManager(cfg.GitRoot, gitURL, log)

	rt.engine = sync.New(sync.Options{
		URL:              cfg.URL,
		GitURL:           gitURL,
		Username:         cfg.Username,
		Password:         cfg.Password,
		FetchMissingRefs: cfg.FetchMissingRefs,
		SyncInterval:     cfg.SyncInterval,
		OfflineBackoff:   cfg.OfflineBackoff,
		EventBuffer:      cfg.EventBuffer,
	}, rc, rt.cache, sync.GitManager(repos), log)
	return rt, nil
}

func (rt *runtime) Close() error {
	var err error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, rt.closers[i].Close())
	}
	return err
}

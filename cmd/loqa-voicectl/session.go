package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-voices/internal/bus"
	"github.com/loqalabs/loqa-voices/internal/catalog"
	"github.com/loqalabs/loqa-voices/internal/config"
	"github.com/loqalabs/loqa-voices/internal/eventstore"
	"github.com/loqalabs/loqa-voices/internal/fetch"
	"github.com/loqalabs/loqa-voices/internal/snapshot"
)

var errFailed = errors.New("operation failed")

type options struct {
	configPath string
	verbose    bool
}

func globalOptions() options {
	return options{configPath: configPath, verbose: verbose}
}

// session holds one cache wired like the daemon's, minus the servers.
type session struct {
	cfg    config.Config
	cache  *catalog.Cache
	events *eventstore.Store
	bus    *bus.Client
}

func openSession(ctx context.Context, opts options) (*session, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	s := &session{cfg: cfg}
	if cfg.Bus.Enabled && !cfg.Bus.Embedded {
		client, err := bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			return nil, err
		}
		s.bus = client
	}

	events, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		s.close()
		return nil, err
	}
	s.events = events

	path := cfg.Snapshot.Path
	if path == "" {
		if path, err = snapshot.ResolvePath(cfg.Snapshot.AppName); err != nil {
			s.close()
			return nil, err
		}
	}
	fetcher, err := fetch.New(cfg.Source, s.bus)
	if err != nil {
		s.close()
		return nil, err
	}
	s.cache = catalog.New(ctx, fetcher, snapshot.NewStore(path), events, logger)
	return s, nil
}

func (s *session) close() {
	if s.cache != nil {
		s.cache.Close()
	}
	if s.events != nil {
		_ = s.events.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
}

// loaded opens a session and loads the snapshot into it.
func loaded(ctx context.Context, opts options) (*session, error) {
	s, err := openSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !<-s.cache.Load(ctx) {
		s.close()
		return nil, fmt.Errorf("%w: no usable voice snapshot", errFailed)
	}
	return s, nil
}

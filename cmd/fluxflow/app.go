package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fluxflowhq/fluxflow/internal/config"
	"github.com/fluxflowhq/fluxflow/internal/logging"
	"github.com/fluxflowhq/fluxflow/internal/probe"
	"github.com/fluxflowhq/fluxflow/internal/spool"
	"github.com/fluxflowhq/fluxflow/internal/store"
	"github.com/fluxflowhq/fluxflow/internal/targets"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg       config.Config
	cfgExists bool
	logger    *logrus.Logger
	stderr    io.Writer
}

func (a *app) setup(cmd *cobra.Command) error {
	a.stderr = cmd.ErrOrStderr()

	cfg, err := config.Load(cmd.Context(), a.configPath)
	switch {
	case err == nil:
		a.cfgExists = true
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	default:
		return err
	}
	a.cfg = cfg

	level, format := a.cfg.Log.Level, a.cfg.Log.Format
	if a.logLevel != "" {
		level = a.logLevel
	}
	if a.logFormat != "" {
		format = a.logFormat
	}
	logger, err := logging.NewWithOutput(a.stderr, level, format)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	a.logger = logger
	if !a.cfgExists {
		logger.WithField("path", a.configPath).Debug("config file not found, using defaults")
	}
	return nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, a.cfg.Store, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	return st, nil
}

func (a *app) openSpool() (*spool.Spool, error) {
	capBytes, err := config.ParseSize(a.cfg.Spool.DiskBytesCap, 0)
	if err != nil {
		return nil, fmt.Errorf("parse spool.disk_bytes_cap: %w", err)
	}
	sp, err := spool.Open(a.cfg.Spool.Dir, capBytes)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	return sp, nil
}

func (a *app) catalog(ctx context.Context) (targets.Catalog, error) {
	tc := a.cfg.Targets
	if tc.File == "" {
		return targets.Default(), nil
	}
	var verifier *targets.Verifier
	if tc.PublicKey != "" {
		v, err := targets.NewVerifier(tc.PublicKey)
		if err != nil {
			return targets.Catalog{}, err
		}
		verifier = v
	}
	cat, err := targets.Load(ctx, tc.File, tc.Signature, verifier)
	if err != nil {
		return targets.Catalog{}, err
	}
	a.logger.WithFields(logrus.Fields{"file": tc.File, "signed": verifier != nil}).Info("loaded target catalog")
	return cat, nil
}

func (a *app) probeDeps() probe.Dependencies {
	return probe.Dependencies{Logger: a.logger}
}

// suite builds the probe suite. The returned cleanup closes any offline
// geolocation databases.
func (a *app) suite(ctx context.Context) (*probe.Suite, func(), error) {
	cat, err := a.catalog(ctx)
	if err != nil {
		return nil, nil, err
	}

	var opts []probe.Option
	cleanup := func() {}
	if a.cfg.Geo.CityDB != "" || a.cfg.Geo.ASNDB != "" {
		mm, err := probe.OpenMaxMind(a.cfg.Geo.CityDB, a.cfg.Geo.ASNDB)
		if err != nil {
			a.logger.WithError(err).Warn("offline geolocation disabled")
		} else {
			opts = append(opts, probe.WithMaxMind(mm))
			cleanup = func() {
				if err := mm.Close(); err != nil {
					a.logger.WithError(err).Warn("close geoip databases")
				}
			}
		}
	}
	return probe.NewSuite(cat, a.probeDeps(), opts...), cleanup, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

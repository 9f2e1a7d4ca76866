package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fluxflowhq/fluxflow/internal/backfill"
	"github.com/fluxflowhq/fluxflow/internal/certs"
	"github.com/fluxflowhq/fluxflow/internal/config"
	"github.com/fluxflowhq/fluxflow/internal/events"
	"github.com/fluxflowhq/fluxflow/internal/health"
	"github.com/fluxflowhq/fluxflow/internal/metrics"
	"github.com/fluxflowhq/fluxflow/internal/probe"
	"github.com/fluxflowhq/fluxflow/internal/runner"
	"github.com/fluxflowhq/fluxflow/internal/scheduler"
	"github.com/fluxflowhq/fluxflow/internal/server"
	"github.com/fluxflowhq/fluxflow/internal/worker"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const (
	shutdownTimeout   = 5 * time.Second
	certExpiryWarning = 14 * 24 * time.Hour
)

func newServeCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, live events and scheduled runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := a.logger
	st, err := a.openStore(runCtx)
	if err != nil {
		return err
	}
	defer st.Close()

	sp, err := a.openSpool()
	if err != nil {
		return err
	}

	suite, cleanup, err := a.suite(runCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	metricsStore := metrics.NewStore()
	checker := health.NewChecker(metricsStore, st, sp.MaxBytes())
	settings := config.NewSettings(a.configPath, a.cfg)

	r := runner.New(suite, st,
		runner.WithSpool(sp),
		runner.WithMetrics(metricsStore),
		runner.WithLogger(logger),
		runner.WithStoreObserver(checker.ObserveStore),
	)

	hub := server.NewHub(logger)
	logEvents := events.NewChannelSink(256)
	pool := worker.NewPool(r.Run,
		worker.WithSink(events.NewMulti(hub, logEvents)),
		worker.WithLogger(logger),
	)

	sched := scheduler.New(pool,
		scheduler.WithSelection(settings.Selection),
		scheduler.WithLogger(logger),
	)
	sched.Update(a.cfg.Schedules)

	replay := backfill.New(sp, st,
		backfill.WithRate(a.cfg.Spool.ReplayPerSec, 0),
		backfill.WithMetrics(metricsStore),
		backfill.WithLogger(logger),
		backfill.WithStoreObserver(checker.ObserveStore),
	)

	deps := probe.Dependencies{Logger: logger}
	srv := server.New(server.Config{
		Addr:       a.cfg.Server.Addr,
		AdminToken: a.cfg.Server.AdminToken,
	}, server.Dependencies{
		Logger:   logger,
		Store:    st,
		Runs:     pool,
		Settings: settings,
		Hub:      hub,
		Metrics:  metricsStore.Handler(),
		Health:   checker,
		SystemDNS: func(ctx context.Context) string {
			return probe.DiscoverSystemDNS(ctx, deps)
		},
	})

	if a.cfg.Server.TLSCert != "" {
		tlsConfig, err := certs.LoadServerTLSConfig(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey, a.cfg.Server.ClientCA)
		if err != nil {
			return err
		}
		if expiry, err := certs.CertExpiry(a.cfg.Server.TLSCert); err == nil {
			log := logger.WithField("not_after", expiry.Format(time.RFC3339))
			if time.Until(expiry) < certExpiryWarning {
				log.Warn("server certificate expires soon")
			} else {
				log.Debug("server certificate loaded")
			}
		}
		srv.Server.TLSConfig = tlsConfig
	}

	grp, groupCtx := errgroup.WithContext(runCtx)

	wg := pool.Start(groupCtx)
	grp.Go(func() error {
		<-groupCtx.Done()
		wg.Wait()
		logEvents.Close()
		return nil
	})

	grp.Go(func() error {
		logs := logSink(logger)
		for ev := range logEvents.Events() {
			logs.Record(ev)
		}
		if n := logEvents.Dropped(); n > 0 {
			logger.WithField("dropped", n).Debug("run log events dropped")
		}
		return nil
	})

	grp.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	grp.Go(func() error {
		sched.Start(groupCtx)
		return nil
	})

	grp.Go(func() error {
		return replay.Run(groupCtx)
	})

	if a.cfgExists {
		grp.Go(func() error {
			return config.Watch(groupCtx, a.configPath, logger, func(cfg config.Config) {
				settings.Replace(cfg)
				sched.Update(cfg.Schedules)
				if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
					logger.SetLevel(level)
				}
			})
		})
	}

	grp.Go(func() error {
		return listen(groupCtx, srv.Server, logger)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	logger.Info("fluxflow stopped")
	return nil
}

func listen(ctx context.Context, srv *http.Server, logger logrus.FieldLogger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr": srv.Addr,
			"tls":  srv.TLSConfig != nil,
		}).Info("api listening")
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// logSink mirrors terminal run events into the structured log.
func logSink(logger logrus.FieldLogger) events.Sink {
	return events.SinkFunc(func(ev types.Event) {
		log := logger.WithField("run_id", ev.RunID)
		switch ev.Type {
		case types.EventOutput:
			log.WithField("line", ev.Text).Debug("run output")
		case types.EventFatal:
			log.WithField("kind", ev.Kind).Warn(ev.Text)
		case types.EventCompleted:
			if ev.Result != nil {
				log.WithFields(logrus.Fields{
					"download_mbps": ev.Result.DownloadMbps,
					"upload_mbps":   ev.Result.UploadMbps,
					"ping_ms":       ev.Result.PingMs,
					"loss_pct":      ev.Result.PacketLossPct,
				}).Info("run result")
			}
		}
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"handbookcore/internal/catalog"
	"handbookcore/internal/config"
	"handbookcore/internal/core"
	"handbookcore/internal/kv"
	"handbookcore/internal/logging"
	"handbookcore/internal/overlay"
	"handbookcore/internal/persistence"
)

// app holds everything one CLI invocation opens.
type app struct {
	cfg     *config.Config
	svc     *core.Service
	store   *overlay.Store
	backend kv.Backend
	logger  *zap.Logger
	expvar  *core.ExpvarMetricsRecorder
	prom    *prometheus.Registry
	stderr  io.Writer
}

// loadDotEnv reads .env from the working directory when present.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func openApp(ctx context.Context, configPath string, trace bool, stderr io.Writer) (*app, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logOpts := cfg.LoggingOptions()
	logOpts.Output = stderr
	zl, err := logging.New(logOpts)
	if err != nil {
		return nil, err
	}
	log := logging.Sugar(zl)

	cat, err := openCatalog(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := kv.Open(ctx, cfg.KVOptions())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	adapter := persistence.NewAdapter(backend,
		persistence.WithKey(cfg.Storage.Key),
		persistence.WithLogger(log),
	)
	storeOpts := []overlay.Option{overlay.WithLogger(log)}
	if cfg.Storage.AsyncWrites > 0 {
		storeOpts = append(storeOpts, overlay.WithAsyncWrites(cfg.Storage.AsyncWrites))
	}
	store, err := overlay.New(ctx, adapter, storeOpts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: store, backend: backend, logger: zl, stderr: stderr}
	svcOpts := []core.Option{core.WithLogger(log)}
	switch cfg.Metrics.Exporter {
	case config.MetricsExpvar:
		a.expvar = core.NewExpvarMetricsRecorder("")
		svcOpts = append(svcOpts, core.WithMetricsRecorder(a.expvar))
	case config.MetricsPrometheus:
		a.prom = prometheus.NewRegistry()
		svcOpts = append(svcOpts, core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(a.prom)))
	}
	if trace {
		svcOpts = append(svcOpts, core.WithTracer(core.NewJSONTracer(stderr)))
	}
	svc, err := core.NewService(cat, store, svcOpts...)
	if err != nil {
		_ = store.Close()
		_ = backend.Close()
		return nil, err
	}
	a.svc = svc
	log.Debug("handbook opened", "driver", backend.Driver(), "key", adapter.Key(), "catalog", cat.Len(), "local", store.Len())
	return a, nil
}

func openCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.Path != "" {
		return catalog.LoadFile(cfg.Catalog.Path)
	}
	return catalog.Builtin()
}

// Close drains pending writes, reports metrics and releases the backend.
func (a *app) Close() error {
	err := errors.Join(a.store.Close(), a.backend.Close())
	if dumpErr := a.dumpMetrics(); dumpErr != nil {
		err = errors.Join(err, dumpErr)
	}
	_ = a.logger.Sync()
	return err
}

func (a *app) dumpMetrics() error {
	switch {
	case a.expvar != nil:
		snap := a.expvar.Snapshot()
		a.logger.Info("handbook metrics", zap.Any("operations", snap.Operations), zap.Any("changes", snap.Changes))
	case a.prom != nil:
		families, err := a.prom.Gather()
		if err != nil {
			return err
		}
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(a.stderr, mf); err != nil {
				return err
			}
		}
	}
	return nil
}

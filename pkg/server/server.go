// Package server assembles a reshard process from its server configuration:
// the governance repository, the schedulers and their checkpointing, the
// job runtime and API, and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/block/reshard/pkg/algorithm"
	"github.com/block/reshard/pkg/config"
	"github.com/block/reshard/pkg/dbconn"
	"github.com/block/reshard/pkg/job"
	"github.com/block/reshard/pkg/metrics"
	"github.com/block/reshard/pkg/prepare"
	"github.com/block/reshard/pkg/repository"
	"github.com/block/reshard/pkg/scheduler"
	"github.com/block/reshard/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewLogger builds the process logger from the logging configuration.
func NewLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, fmt.Errorf("invalid logging level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Server is every long lived component of a process.
type Server struct {
	Config     *config.ServerConfig
	Governance *repository.Governance
	Registry   *scheduler.Registry
	Persist    *scheduler.PersistService
	Contexts   *job.ContextManager
	Executor   *worker.Executor
	Runtime    *worker.LocalRuntime
	Worker     *worker.Worker
	API        *worker.JobAPI
	// CutoverReady receives an event per job that is ready for cutover.
	CutoverReady <-chan worker.CutoverReadyEvent

	Metrics *prometheus.Registry
	logger  *slog.Logger
}

// ServerOptions replaces components, for tests.
type ServerOptions struct {
	Algorithms *algorithm.Registry
	Preparer   worker.Preparer
	DBConfig   *dbconn.DBConfig
}

// New opens the repository and wires the components. Nothing runs until
// Run is called.
func New(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger, opts *ServerOptions) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts == nil {
		opts = &ServerOptions{}
	}
	if opts.Algorithms == nil {
		opts.Algorithms = algorithm.NewDefaultRegistry()
	}
	if opts.DBConfig == nil {
		opts.DBConfig = dbconn.NewDBConfig()
	}
	kv, err := repository.Open(ctx, cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("could not open repository: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink, err := metrics.NewPrometheusSink(reg)
	if err != nil {
		return nil, errors.Join(err, kv.Close())
	}

	s := &Server{Config: cfg, Governance: repository.NewGovernance(kv), Metrics: reg, logger: logger}
	preparer := prepare.NewPreparer(opts.DBConfig, logger)
	if opts.Preparer == nil {
		opts.Preparer = preparer
	}
	s.Persist = scheduler.NewPersistService(s.Governance, cfg.Scaling.PersistInterval, logger)
	s.Persist.SetSink(sink)
	s.Registry = scheduler.NewRegistry(scheduler.RegistryConfig{
		Store:           s.Governance,
		Cleaner:         preparer,
		PersistInterval: cfg.Scaling.PersistInterval,
		StatusInterval:  cfg.Scaling.StatusInterval,
		OnProgress:      s.Persist.TriggerPersist,
		Sink:            sink,
		Logger:          logger,
	})
	s.Contexts = job.NewContextManager(opts.Algorithms, opts.DBConfig, logger)
	s.Executor = worker.NewExecutor(worker.ExecutorConfig{
		Governance: s.Governance,
		Registry:   s.Registry,
		Persist:    s.Persist,
		Contexts:   s.Contexts,
		Preparer:   opts.Preparer,
		DBConfig:   opts.DBConfig,
		Sink:       sink,
		Logger:     logger,
	})
	s.Runtime = worker.NewLocalRuntime(s.Executor, s.Governance, logger)
	s.Worker = worker.NewWorker(s.Governance, s.Runtime, logger)
	events := make(chan worker.CutoverReadyEvent, 16)
	s.CutoverReady = events
	s.API = worker.NewJobAPI(worker.JobAPIConfig{
		Governance: s.Governance,
		Runtime:    s.Runtime,
		Registry:   s.Registry,
		Algorithms: opts.Algorithms,
		DBConfig:   opts.DBConfig,
		Events:     events,
		Logger:     logger,
	})
	return s, nil
}

// Run resumes the incomplete jobs, then runs the background loops and
// handles topology changes until ctx is done. Every job is stopped and
// checkpointed before it returns.
func (s *Server) Run(ctx context.Context, changes <-chan worker.TopologyChangeEvent) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.Runtime.Resume(ctx); err != nil {
		s.logger.Error("some jobs could not be resumed", "error", err)
	}
	var wg sync.WaitGroup
	loops := []func(context.Context){
		s.Registry.Run,
		s.Persist.Run,
		func(ctx context.Context) { s.API.RunFinishedChecker(ctx, s.Config.Scaling.FinishedCheckInterval) },
	}
	if changes != nil {
		loops = append(loops, func(ctx context.Context) { s.Worker.Run(ctx, changes) })
	}
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}

	var httpErr error
	if s.Config.Metrics.Address != "" {
		httpErr = s.serveMetrics(ctx)
		cancel()
	} else {
		<-ctx.Done()
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	s.Registry.Close(shutdownCtx)
	s.Persist.Flush(shutdownCtx)
	return httpErr
}

func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.Config.Metrics.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving metrics", "address", s.Config.Metrics.Address)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Close releases the algorithm contexts and the repository.
func (s *Server) Close() error {
	return errors.Join(s.Contexts.Close(), s.Governance.Close())
}

// Package service assembles the extraction engine behind one facade:
// synchronous conversion, async task submission, status lookup, raster
// detection, health, cleanup, and coordinated shutdown. Transport layers
// sit on top of this package and stay free of wiring concerns.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relialabs/doctext/internal/breaker"
	"github.com/relialabs/doctext/internal/broker"
	"github.com/relialabs/doctext/internal/cleanup"
	"github.com/relialabs/doctext/internal/config"
	"github.com/relialabs/doctext/internal/extract"
	"github.com/relialabs/doctext/internal/health"
	"github.com/relialabs/doctext/internal/observability"
	"github.com/relialabs/doctext/internal/ocr"
	"github.com/relialabs/doctext/internal/task"
)

// ErrFileTooLarge indicates the upload exceeds the configured limit.
var ErrFileTooLarge = errors.New("file exceeds maximum size")

// ErrShuttingDown indicates the service no longer accepts work.
var ErrShuttingDown = errors.New("service is shutting down")

// ErrOCRDisabled indicates raster detection was requested with OCR off.
var ErrOCRDisabled = errors.New("ocr is disabled")

// Service is the extraction engine facade.
type Service struct {
	cfg      *config.Config
	logger   *observability.Logger
	router   *extract.Router
	breakers *breaker.Registry
	mgr      *broker.Manager
	queue    task.Queue
	store    task.Store
	pool     *task.Pool
	cleaner  *cleanup.Manager
	health   *health.Aggregator
	enricher *ocr.Enricher

	closed    atomic.Bool
	runCancel context.CancelFunc
}

// New wires the full engine against a real Redis broker. Nothing
// connects until Start.
func New(cfg *config.Config, logger *observability.Logger) *Service {
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, logger)

	var enricher *ocr.Enricher
	if cfg.OCR.Enabled {
		enricher = ocr.NewEnricher(ocr.Config{
			MinWidth:  cfg.OCR.MinImageWidth,
			MinHeight: cfg.OCR.MinImageHeight,
			MaxWidth:  cfg.OCR.MaxImageWidth,
			MaxHeight: cfg.OCR.MaxImageHeight,
			TempDir:   cfg.Extraction.TempDir,
		}, ocr.NewPDFImageSource(logger), ocr.NewTesseractEngine(), breakers.Get("ocr"), logger)
	}

	router := extract.NewRouter(extract.RouterConfig{
		StrategyTimeout: cfg.Extraction.StrategyTimeout,
	}, breakers, enricherOrNil(enricher), logger)

	mgr := broker.NewManager(broker.Config{
		Addr:                cfg.Broker.Addr,
		Password:            cfg.Broker.Password,
		DB:                  cfg.Broker.DB,
		PoolSize:            cfg.Broker.PoolSize,
		DialTimeout:         cfg.Broker.DialTimeout,
		ReadTimeout:         cfg.Broker.ReadTimeout,
		MaxRetries:          cfg.Broker.MaxRetries,
		InitialRetryDelay:   cfg.Broker.InitialRetryDelay,
		MaxRetryDelay:       cfg.Broker.MaxRetryDelay,
		BackoffMultiplier:   cfg.Broker.BackoffMultiplier,
		HealthCheckInterval: cfg.Broker.HealthCheckInterval,
	}, logger)

	queue := task.NewRedisQueue(mgr, cfg.Tasks.QueueKey)
	store := task.NewRedisStore(mgr, cfg.Tasks.ResultTTL)
	pool := task.NewPool(task.PoolConfig{
		Workers:     cfg.Tasks.Workers,
		TaskTimeout: cfg.Tasks.TaskTimeout,
		PollTimeout: time.Second,
	}, queue, store, router, logger)

	cleaner := cleanup.NewManager(cleanup.Config{
		Dir:           cfg.Extraction.TempDir,
		MaxAge:        cfg.Cleanup.MaxAge,
		SweepInterval: cfg.Cleanup.SweepInterval,
		MaxDirBytes:   cfg.Cleanup.MaxDirSizeMB * 1024 * 1024,
	}, logger)

	agg := health.NewAggregator(health.Config{
		TempDir:             cfg.Extraction.TempDir,
		PollInterval:        cfg.Health.PollInterval,
		DiskWarnPercent:     cfg.Health.DiskWarnPercent,
		DiskCriticalPercent: cfg.Health.DiskCriticalPercent,
	}, mgr, breakers, pool, logger)

	return assemble(cfg, logger, router, breakers, mgr, queue, store, pool, cleaner, agg, enricher)
}

// assemble finishes construction from parts. Tests build a Service with
// fakes through this path.
func assemble(
	cfg *config.Config,
	logger *observability.Logger,
	router *extract.Router,
	breakers *breaker.Registry,
	mgr *broker.Manager,
	queue task.Queue,
	store task.Store,
	pool *task.Pool,
	cleaner *cleanup.Manager,
	agg *health.Aggregator,
	enricher *ocr.Enricher,
) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logger.WithComponent("service"),
		router:   router,
		breakers: breakers,
		mgr:      mgr,
		queue:    queue,
		store:    store,
		pool:     pool,
		cleaner:  cleaner,
		health:   agg,
		enricher: enricher,
	}
	pool.OnTaskDone(cleaner.Complete)
	return s
}

func enricherOrNil(e *ocr.Enricher) extract.Enricher {
	if e == nil {
		return nil
	}
	return e
}

// Start connects the broker and launches the background loops. A broker
// that is down at start is not fatal: the service comes up degraded and
// the reconnect loop keeps working on it.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCancel = cancel

	if s.mgr != nil {
		if err := s.mgr.Connect(ctx); err != nil {
			s.logger.Error().Err(err).Msg("broker unavailable at startup; continuing degraded")
		}
		s.mgr.Start(runCtx)
	}
	s.pool.Start(runCtx)
	s.cleaner.Start(runCtx)
	s.health.Start(runCtx)

	s.logger.Info().Msg("service started")
	return nil
}

// Convert extracts text synchronously.
func (s *Service) Convert(ctx context.Context, filename string, data []byte, opts extract.Options) (*extract.Result, error) {
	if s.closed.Load() {
		return nil, ErrShuttingDown
	}
	if err := s.validate(filename, data); err != nil {
		return nil, err
	}
	return s.router.Extract(ctx, &extract.Request{Filename: filename, Data: data, Options: opts})
}

// Submit enqueues an async extraction and returns the task id. The
// document is parked in the temp directory for the worker; its file is
// owned by the task until completion.
func (s *Service) Submit(ctx context.Context, filename string, data []byte, opts extract.Options) (string, error) {
	if s.closed.Load() {
		return "", ErrShuttingDown
	}
	if err := s.validate(filename, data); err != nil {
		return "", err
	}

	id := uuid.NewString()
	path := filepath.Join(s.cfg.Extraction.TempDir, id+filepath.Ext(filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("stage document: %w", err)
	}
	s.cleaner.Track(id, path)

	now := time.Now()
	rec := &task.Record{ID: id, State: task.StatePending, Filename: filename, CreatedAt: now, UpdatedAt: now}
	if err := s.store.Put(ctx, rec); err != nil {
		s.cleaner.Complete(id)
		return "", fmt.Errorf("create task record: %w", err)
	}

	msg := &task.Message{
		TaskID:     id,
		FilePath:   path,
		Filename:   filename,
		OCR:        opts.OCR,
		Languages:  opts.Languages,
		EnqueuedAt: now,
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		s.cleaner.Complete(id)
		_ = s.store.Delete(ctx, id)
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	s.logger.Info().Str("task", id).Str("filename", filename).Msg("task submitted")
	return id, nil
}

// TaskStatus returns the record for id, or task.ErrNotFound.
func (s *Service) TaskStatus(ctx context.Context, id string) (*task.Record, error) {
	return s.store.Get(ctx, id)
}

// DetectImages reports the OCR-qualifying raster images of a PDF.
func (s *Service) DetectImages(ctx context.Context, pdf []byte) (*ocr.Report, error) {
	if s.enricher == nil {
		return nil, ErrOCRDisabled
	}
	return s.enricher.Detect(ctx, pdf)
}

// Health returns the latest aggregated health snapshot.
func (s *Service) Health(ctx context.Context) *health.Snapshot {
	return s.health.Last(ctx)
}

// RunCleanup triggers an immediate sweep.
func (s *Service) RunCleanup(ctx context.Context) (cleanup.Stats, error) {
	return s.cleaner.RunNow(ctx)
}

// SupportedFormats lists the formats the router can handle.
func (s *Service) SupportedFormats() []string {
	return s.router.SupportedFormats()
}

// Shutdown drains gracefully: intake closes immediately, in-flight tasks
// get the drain timeout to finish, and whatever is still running gets
// abandoned with its temp file force-deleted and its record discarded.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Dur("drain_timeout", s.cfg.Shutdown.DrainTimeout).Msg("shutdown started")

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.Shutdown.DrainTimeout)
	defer cancel()

	abandoned := s.pool.Drain(drainCtx)
	for _, id := range abandoned {
		s.logger.Warn().Str("task", id).Msg("abandoning task")
		s.cleaner.Complete(id)
		if err := s.store.Delete(context.WithoutCancel(ctx), id); err != nil {
			s.logger.Warn().Err(err).Str("task", id).Msg("failed to discard abandoned record")
		}
	}

	// Staged files of tasks still sitting in the queue are purged too.
	// Their messages survive in the queue; after a restart they fail
	// with a missing-file FAILURE record instead of leaking disk.
	if purged := s.cleaner.Purge(); purged > 0 {
		s.logger.Info().Int("tasks", purged).Msg("purged staged temp files")
	}

	if s.runCancel != nil {
		s.runCancel()
	}
	if s.mgr != nil {
		if err := s.mgr.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("broker close failed")
		}
	}

	s.logger.Info().Int("abandoned", len(abandoned)).Msg("shutdown complete")
	return nil
}

func (s *Service) validate(filename string, data []byte) error {
	if int64(len(data)) > s.cfg.Extraction.MaxFileSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, len(data), s.cfg.Extraction.MaxFileSize)
	}
	if !s.router.Supports(filename) {
		return fmt.Errorf("%w: %q", extract.ErrUnsupportedFormat, extract.FormatForFilename(filename))
	}
	return nil
}

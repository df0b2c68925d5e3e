package main

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/ricesearch/recserve/internal/bus"
	"github.com/ricesearch/recserve/internal/candidates"
	"github.com/ricesearch/recserve/internal/config"
	"github.com/ricesearch/recserve/internal/metrics"
	"github.com/ricesearch/recserve/internal/ml"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/recommend"
)

// pinger is implemented by providers backed by a remote store.
type pinger interface {
	Ping(ctx context.Context) error
}

// app holds the recommendation pipeline shared by serve and bench.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	metrics   *metrics.Metrics
	provider  candidates.Provider
	scorer    ml.Scorer
	bus       bus.Bus
	scheduler *recommend.Scheduler
	service   *recommend.Service
}

// newApp builds and starts the pipeline. On error everything already
// opened is closed again.
func newApp(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: m}

	provider, err := candidates.NewProvider(cfg.Candidates, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create candidate provider: %w", err)
	}
	a.provider = provider
	log.Info("Candidate provider ready", "source", provider.Name(), "count", cfg.Candidates.Count)

	scorer, err := ml.NewScorer(cfg.Model, log)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}
	a.scorer = scorer
	log.Info("Scorer ready", "model", scorer.Name(), "feature_dim", cfg.Model.FeatureDim)

	innerBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	a.bus = bus.NewInstrumentedBus(innerBus, m)

	opts := []recommend.Option{
		recommend.WithLogger(log),
		recommend.WithMetrics(m),
		recommend.WithFeaturizer(ml.NewHashFeaturizer(cfg.Model.FeatureDim)),
	}
	if cfg.Bus.Type != "none" {
		if err := metrics.NewEventSubscriber(m, a.bus).SubscribeToEvents(context.Background()); err != nil {
			_ = a.close()
			return nil, fmt.Errorf("failed to subscribe metrics to events: %w", err)
		}
		opts = append(opts, recommend.WithEvents(a.bus))
		log.Info("Batch events enabled", "bus", cfg.Bus.Type, "event_log", cfg.Bus.EventLog)
	}

	sched, err := recommend.NewScheduler(recommend.Config{
		BatchSize:        cfg.Batch.Size,
		BatchTimeout:     cfg.Batch.Timeout.Std(),
		QueueCapacity:    cfg.Batch.QueueCapacity,
		CandidateWorkers: cfg.Batch.CandidateWorkers,
	}, provider, scorer, opts...)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.scheduler = sched
	sched.Start()
	a.service = recommend.NewService(sched, log)

	log.Info("Scheduler started",
		"batch_size", cfg.Batch.Size,
		"batch_timeout", cfg.Batch.Timeout.Std().String(),
		"queue_capacity", cfg.Batch.QueueCapacity,
	)
	return a, nil
}

// drain stops intake and lets queued requests finish within the
// configured drain timeout.
func (a *app) drain(ctx context.Context) error {
	if a.scheduler == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Batch.DrainTimeout.Std())
	defer cancel()
	return a.scheduler.Close(ctx)
}

// close releases the bus, provider and scorer. Call after drain.
func (a *app) close() error {
	var errs []error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if a.provider != nil {
		if err := a.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider: %w", err))
		}
	}
	if a.scorer != nil {
		if err := a.scorer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close scorer: %w", err))
		}
	}
	return stderrors.Join(errs...)
}

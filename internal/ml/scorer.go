// Package ml provides the scoring models and the feature builder used by the
// batch scheduler.
package ml

import (
	"context"
	"fmt"
	"time"

	"github.com/ricesearch/recserve/internal/config"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

// Scorer scores a flat sequence of feature rows. The result has exactly one
// score per row, in row order.
type Scorer interface {
	Score(ctx context.Context, rows []rec.FeatureRow) ([]float64, error)

	// Name identifies the model in logs and metrics.
	Name() string

	// Close releases resources.
	Close() error
}

// NewScorer builds the scorer selected by cfg.Type and loads its model.
func NewScorer(cfg config.ModelConfig, log *logger.Logger) (Scorer, error) {
	if log == nil {
		log = logger.Default()
	}

	switch cfg.Type {
	case "linear", "":
		ranker := NewLinearRanker(cfg.Path, cfg.FeatureDim, log)
		if err := ranker.Load(); err != nil {
			return nil, err
		}
		return ranker, nil
	case "remote":
		remote, err := NewRemoteScorer(RemoteConfig{
			URL:     cfg.URL,
			Model:   cfg.Name,
			Timeout: cfg.Timeout.Std(),
		}, log)
		if err != nil {
			return nil, err
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("unsupported model type: %s", cfg.Type)
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

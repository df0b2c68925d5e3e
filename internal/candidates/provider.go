// Package candidates provides the candidate sources consulted once per
// request before a batch is scored.
package candidates

import (
	"context"
	"fmt"

	"github.com/ricesearch/recserve/internal/config"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/qdrant"
	"github.com/ricesearch/recserve/internal/rec"
)

// Provider returns the candidate item ids for one user. Implementations
// must be safe for concurrent use.
type Provider interface {
	CandidatesFor(ctx context.Context, user rec.UserContext) ([]string, error)

	// Name identifies the source in logs.
	Name() string

	// Close releases resources.
	Close() error
}

// NewProvider builds the provider selected by cfg.Source.
func NewProvider(cfg config.CandidatesConfig, log *logger.Logger) (Provider, error) {
	if log == nil {
		log = logger.Default()
	}

	switch cfg.Source {
	case "static", "":
		return NewStaticProvider(cfg.Count), nil
	case "redis":
		p, err := NewRedisProvider(RedisConfig{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.KeyPrefix,
			Count:     cfg.Count,
		}, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "qdrant":
		qcfg := qdrant.DefaultClientConfig()
		qcfg.APIKey = cfg.QdrantAPIKey
		qcfg.ItemsCollection = cfg.ItemsCollection
		qcfg.UsersCollection = cfg.UsersCollection
		qcfg, err := qdrant.ParseURL(cfg.QdrantURL, qcfg)
		if err != nil {
			return nil, fmt.Errorf("parsing qdrant url: %w", err)
		}
		client, err := qdrant.NewClient(qcfg)
		if err != nil {
			return nil, err
		}
		return NewQdrantProvider(client, cfg.Count, log), nil
	default:
		return nil, fmt.Errorf("unsupported candidate source: %s", cfg.Source)
	}
}

// dedupe drops repeated ids, keeping first occurrences in order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

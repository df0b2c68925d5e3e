package candidates

import (
	"context"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/qdrant"
	"github.com/ricesearch/recserve/internal/rec"
)

// ItemRecommender is the subset of the Qdrant client used for candidates.
type ItemRecommender interface {
	RecommendItems(ctx context.Context, req qdrant.RecommendRequest) ([]qdrant.ScoredItem, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// QdrantProvider retrieves the nearest items to the user's embedding,
// restricted to items servable on the user's device.
type QdrantProvider struct {
	client ItemRecommender
	count  int
	log    *logger.Logger
}

// NewQdrantProvider creates a provider returning up to count items.
func NewQdrantProvider(client ItemRecommender, count int, log *logger.Logger) *QdrantProvider {
	if count < 1 {
		count = 100
	}
	if log == nil {
		log = logger.Default()
	}
	return &QdrantProvider{
		client: client,
		count:  count,
		log:    log.WithComponent("candidates"),
	}
}

// CandidatesFor implements Provider.
func (p *QdrantProvider) CandidatesFor(ctx context.Context, user rec.UserContext) ([]string, error) {
	hits, err := p.client.RecommendItems(ctx, qdrant.RecommendRequest{
		UserID: user.UserID,
		Limit:  uint64(p.count),
		Device: user.Device,
	})
	if err != nil {
		return nil, errors.CandidateError("vector candidate lookup failed", err).WithDetail("user_id", user.UserID)
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ItemID
	}
	return dedupe(ids), nil
}

// Ping checks that Qdrant is reachable.
func (p *QdrantProvider) Ping(ctx context.Context) error {
	return p.client.HealthCheck(ctx)
}

// Name implements Provider.
func (p *QdrantProvider) Name() string {
	return "qdrant"
}

// Close implements Provider.
func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

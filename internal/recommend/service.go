package recommend

import (
	"context"
	stderrors "errors"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

// Service is the entry point used by transports. It validates a call,
// hands it to the scheduler and waits for the outcome.
type Service struct {
	scheduler *Scheduler
	logger    *logger.Logger
}

// NewService creates a service over a started scheduler.
func NewService(scheduler *Scheduler, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		scheduler: scheduler,
		logger:    log.WithComponent("recommend"),
	}
}

// Recommend returns up to k ranked items for user. It is safe for
// concurrent use. If ctx ends before the batch resolves, the caller gets
// CANCELED (or TIMEOUT for an expired deadline) but the request is still
// scored with the rest of its batch.
func (s *Service) Recommend(ctx context.Context, user rec.UserContext, k int) ([]rec.RankedItem, error) {
	if err := rec.ValidateK(k); err != nil {
		return nil, err
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	user = user.Normalize()

	if err := ctx.Err(); err != nil {
		return nil, waitError(err)
	}

	result, err := s.scheduler.Submit(ctx, user, k)
	if err != nil {
		return nil, err
	}

	items, err := result.Wait(ctx)
	if err != nil && ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
		if result.Resolved() {
			// Resolved while the wait was giving up; settle is about to publish it.
			return result.Wait(context.Background())
		}
		s.scheduler.metrics.RecordAbandoned()
		s.logger.WithContext(ctx).Debug("Caller stopped waiting", "user_id", user.UserID, "error", err)
		return nil, waitError(err)
	}
	return items, err
}

// Ready reports whether new requests are accepted.
func (s *Service) Ready() bool {
	return s.scheduler.Accepting()
}

// Stats returns the scheduler counters.
func (s *Service) Stats() Stats {
	return s.scheduler.Stats()
}

func waitError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.TimeoutError("recommendation")
	}
	return errors.CanceledError(err)
}

package recommend

import (
	"context"
	"time"

	"github.com/ricesearch/recserve/internal/bus"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

// Config bounds batch composition.
type Config struct {
	// BatchSize is the maximum number of requests per scoring call.
	BatchSize int

	// BatchTimeout is the longest a batch waits for more requests after
	// its first request was claimed. Zero takes only what is already queued.
	BatchTimeout time.Duration

	// QueueCapacity bounds the intake queue. Zero means unbounded.
	QueueCapacity int

	// CandidateWorkers bounds concurrent candidate lookups within a batch.
	CandidateWorkers int
}

// DefaultConfig returns the default batching bounds.
func DefaultConfig() Config {
	return Config{
		BatchSize:        64,
		BatchTimeout:     10 * time.Millisecond,
		QueueCapacity:    0,
		CandidateWorkers: 8,
	}
}

// CandidateProvider returns the candidate item ids for one user.
type CandidateProvider interface {
	CandidatesFor(ctx context.Context, user rec.UserContext) ([]string, error)
}

// Scorer scores a flat sequence of feature rows, one score per row in order.
type Scorer interface {
	Score(ctx context.Context, rows []rec.FeatureRow) ([]float64, error)
}

// Featurizer builds one feature row per candidate, in candidate order.
type Featurizer interface {
	Featurize(user rec.UserContext, items []string) []rec.FeatureRow
}

// Recorder receives scheduler measurements.
type Recorder interface {
	RecordBatch(size int, assembly time.Duration)
	RecordScoring(rows int, latency time.Duration, err error)
	RecordOutcome(code string, latency time.Duration)
	RecordQueueDepth(depth int)
	RecordAbandoned()
}

// Publisher receives one event per dispatched batch.
type Publisher interface {
	Publish(ctx context.Context, topic string, event bus.Event) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithMetrics sets the measurement sink.
func WithMetrics(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithEvents publishes a batch event after every dispatched batch.
func WithEvents(p Publisher) Option {
	return func(s *Scheduler) {
		s.events = p
	}
}

// WithFeaturizer sets how candidates are turned into feature rows.
func WithFeaturizer(f Featurizer) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.featurizer = f
		}
	}
}

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type noopRecorder struct{}

func (noopRecorder) RecordBatch(int, time.Duration)          {}
func (noopRecorder) RecordScoring(int, time.Duration, error) {}
func (noopRecorder) RecordOutcome(string, time.Duration)     {}
func (noopRecorder) RecordQueueDepth(int)                    {}
func (noopRecorder) RecordAbandoned()                        {}

// plainFeaturizer emits rows carrying only identity and position.
type plainFeaturizer struct{}

func (plainFeaturizer) Featurize(user rec.UserContext, items []string) []rec.FeatureRow {
	rows := make([]rec.FeatureRow, len(items))
	for i, item := range items {
		rows[i] = rec.FeatureRow{UserID: user.UserID, ItemID: item, Position: i}
	}
	return rows
}

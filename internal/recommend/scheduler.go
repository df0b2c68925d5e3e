// Package recommend coalesces concurrent recommendation requests into
// bounded micro-batches and scores each batch with a single model call.
package recommend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

// batch is an ordered group of claimed requests. Order defines the
// offsets into the batch's score vector.
type batch struct {
	id       uint64
	requests []*pendingRequest
	openedAt time.Time
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	// Batches counts fully assembled batches. A batch still being filled
	// is not included.
	Batches      uint64 `json:"batches"`
	Requests     uint64 `json:"requests"`
	Failed       uint64 `json:"failed"`
	MaxBatchSize int64  `json:"max_batch_size"`
	QueueDepth   int    `json:"queue_depth"`
	Accepting    bool   `json:"accepting"`
}

// Scheduler owns the intake queue. One collector goroutine assembles
// batches and hands them to one dispatcher goroutine, so assembly of the
// next batch overlaps scoring of the current one while scoring calls
// stay serialized.
type Scheduler struct {
	cfg        Config
	provider   CandidateProvider
	scorer     Scorer
	featurizer Featurizer
	metrics    Recorder
	events     Publisher
	logger     *logger.Logger
	now        func() time.Time

	queue   *intakeQueue
	batches chan *batch

	// ctx is passed to provider and scorer calls. It is canceled when a
	// shutdown gives up on draining.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	open    map[uint64]*batch
	started bool
	aborted bool

	stopped   chan struct{}
	publishWg sync.WaitGroup

	seq       atomic.Uint64
	assembled atomic.Uint64
	requests  atomic.Uint64
	failed    atomic.Uint64
	maxBatch  atomic.Int64
}

// NewScheduler creates a scheduler. Call Start before submitting.
func NewScheduler(cfg Config, provider CandidateProvider, scorer Scorer, opts ...Option) (*Scheduler, error) {
	if provider == nil {
		return nil, errors.New(errors.CodeValidation, "candidate provider is required")
	}
	if scorer == nil {
		return nil, errors.New(errors.CodeValidation, "scorer is required")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("batch size must be positive, got %d", cfg.BatchSize))
	}
	if cfg.BatchTimeout < 0 {
		return nil, errors.New(errors.CodeValidation, "batch timeout must not be negative")
	}
	if cfg.CandidateWorkers < 1 {
		cfg.CandidateWorkers = DefaultConfig().CandidateWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		provider:   provider,
		scorer:     scorer,
		featurizer: plainFeaturizer{},
		metrics:    noopRecorder{},
		logger:     logger.Default(),
		now:        time.Now,
		queue:      newIntakeQueue(cfg.QueueCapacity),
		batches:    make(chan *batch),
		ctx:        ctx,
		cancel:     cancel,
		open:       make(map[uint64]*batch),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("scheduler")
	return s, nil
}

// Start launches the collector and dispatcher. It is a no-op when the
// scheduler is already running or has been closed.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.queue.isClosed() {
		return
	}
	s.started = true

	go s.collect()
	go s.dispatchLoop()

	s.logger.Info("Scheduler started",
		"batch_size", s.cfg.BatchSize,
		"batch_timeout", s.cfg.BatchTimeout,
		"queue_capacity", s.cfg.QueueCapacity,
	)
}

// Submit enqueues a request and returns its completion handle. It fails
// fast once the scheduler is closed, or when a bounded queue is full.
// ctx only supplies the request id; it does not bound the request.
func (s *Scheduler) Submit(ctx context.Context, user rec.UserContext, k int) (*Completion[[]rec.RankedItem], error) {
	id := logger.RequestIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
	}

	p := &pendingRequest{
		id:         id,
		user:       user,
		k:          k,
		enqueuedAt: s.now(),
		result:     NewCompletion[[]rec.RankedItem](),
	}
	if err := s.queue.push(p); err != nil {
		s.metrics.RecordOutcome(errors.Code(err), 0)
		return nil, err
	}
	s.metrics.RecordQueueDepth(s.queue.len())
	return p.result, nil
}

// Accepting reports whether Submit still takes new requests.
func (s *Scheduler) Accepting() bool {
	return !s.queue.isClosed()
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Batches:      s.assembled.Load(),
		Requests:     s.requests.Load(),
		Failed:       s.failed.Load(),
		MaxBatchSize: s.maxBatch.Load(),
		QueueDepth:   s.queue.len(),
		Accepting:    s.Accepting(),
	}
}

// Close stops intake and drains queued requests through normal batches.
// If ctx ends first, every request still queued or in flight is failed
// with SERVICE_UNAVAILABLE and the context error is returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.queue.close()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if !started {
		s.abort()
		return nil
	}

	drained := make(chan struct{})
	go func() {
		<-s.stopped
		s.publishWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancel()
		s.logger.Info("Scheduler drained", "batches", s.assembled.Load(), "requests", s.requests.Load())
		return nil
	case <-ctx.Done():
		n := s.abort()
		s.logger.Warn("Scheduler drain interrupted", "failed_requests", n, "error", ctx.Err())
		return fmt.Errorf("draining scheduler: %w", ctx.Err())
	}
}

// abort fails everything still queued or claimed by an open batch.
func (s *Scheduler) abort() int {
	s.mu.Lock()
	s.aborted = true
	var claimed []*pendingRequest
	for _, b := range s.open {
		claimed = append(claimed, b.requests...)
	}
	s.mu.Unlock()

	s.cancel()

	err := errors.ServiceUnavailableError("recommendation scheduler")
	n := 0
	for _, p := range s.queue.drainAll() {
		if s.fail(p, err) {
			n++
		}
	}
	for _, p := range claimed {
		if s.fail(p, err) {
			n++
		}
	}
	return n
}

// collect is the single consumer of the intake queue.
func (s *Scheduler) collect() {
	defer close(s.batches)

	for {
		first, ok := s.waitFirst()
		if !ok {
			return
		}

		b := s.openBatch()
		s.claim(b, first)
		s.assemble(b)

		size := len(b.requests)
		s.metrics.RecordBatch(size, s.now().Sub(b.openedAt))
		s.metrics.RecordQueueDepth(s.queue.len())
		s.observeSize(size)

		s.batches <- b
	}
}

// waitFirst blocks until a request is queued. It returns false once the
// queue is closed and empty.
func (s *Scheduler) waitFirst() (*pendingRequest, bool) {
	for {
		p, closed := s.queue.pop()
		if p != nil {
			return p, true
		}
		if closed {
			return nil, false
		}
		select {
		case <-s.queue.notify:
		case <-s.queue.closedCh:
		}
	}
}

// assemble fills b until it reaches BatchSize or the deadline, anchored at
// the first claim, has passed. Requests already queued at the deadline
// still join while there is room. A closed queue is drained without
// waiting.
func (s *Scheduler) assemble(b *batch) {
	deadline := time.NewTimer(s.cfg.BatchTimeout)
	defer deadline.Stop()

	expired := false
	for len(b.requests) < s.cfg.BatchSize {
		p, closed := s.queue.pop()
		if p != nil {
			s.claim(b, p)
			continue
		}
		if expired || closed {
			return
		}
		select {
		case <-s.queue.notify:
		case <-s.queue.closedCh:
		case <-deadline.C:
			expired = true
		}
	}
}

func (s *Scheduler) openBatch() *batch {
	b := &batch{
		id:       s.seq.Add(1),
		openedAt: s.now(),
		requests: make([]*pendingRequest, 0, min(s.cfg.BatchSize, 64)),
	}
	s.mu.Lock()
	s.open[b.id] = b
	s.mu.Unlock()
	return b
}

// claim adds p to b, or fails it when shutdown has already given up.
func (s *Scheduler) claim(b *batch, p *pendingRequest) {
	s.mu.Lock()
	aborted := s.aborted
	if !aborted {
		b.requests = append(b.requests, p)
	}
	s.mu.Unlock()

	if aborted {
		s.fail(p, errors.ServiceUnavailableError("recommendation scheduler"))
	}
}

func (s *Scheduler) release(b *batch) {
	s.mu.Lock()
	delete(s.open, b.id)
	s.mu.Unlock()
}

func (s *Scheduler) observeSize(size int) {
	s.assembled.Add(1)
	s.requests.Add(uint64(size))
	for {
		cur := s.maxBatch.Load()
		if int64(size) <= cur || s.maxBatch.CompareAndSwap(cur, int64(size)) {
			return
		}
	}
}

// fulfil resolves p with items. It reports false if p was already resolved.
func (s *Scheduler) fulfil(p *pendingRequest, items []rec.RankedItem) bool {
	if err := p.result.Resolve(items); err != nil {
		return false
	}
	s.metrics.RecordOutcome("ok", s.now().Sub(p.enqueuedAt))
	return true
}

// fail resolves p with err. It reports false if p was already resolved.
func (s *Scheduler) fail(p *pendingRequest, err error) bool {
	if resolveErr := p.result.Fail(err); resolveErr != nil {
		return false
	}
	s.failed.Add(1)
	code := errors.Code(err)
	if code == "" {
		code = errors.CodeInternal
	}
	s.metrics.RecordOutcome(code, s.now().Sub(p.enqueuedAt))
	return true
}

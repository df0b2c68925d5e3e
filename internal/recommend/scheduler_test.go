package recommend

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ricesearch/recserve/internal/bus"
	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

// fakeProvider returns count items per user. Users listed in fail get an
// error; users in empty get no items.
type fakeProvider struct {
	count int
	fail  map[string]bool
	empty map[string]bool
	panic map[string]bool
	calls atomic.Int32
}

func (p *fakeProvider) CandidatesFor(_ context.Context, user rec.UserContext) ([]string, error) {
	p.calls.Add(1)
	if p.panic[user.UserID] {
		panic("provider exploded")
	}
	if p.fail[user.UserID] {
		return nil, stderrors.New("lookup failed")
	}
	if p.empty[user.UserID] {
		return nil, nil
	}
	items := make([]string, p.count)
	for i := range items {
		items[i] = fmt.Sprintf("item_%d", i)
	}
	return items, nil
}

// fakeScorer scores row i as 1/(position+1), so candidate order is the
// ranking unless score is set.
type fakeScorer struct {
	mu      sync.Mutex
	calls   int
	users   [][]string // distinct user ids per call, in row order
	err     error
	short   bool
	panics  bool
	block   chan struct{} // when set, Score waits on it
	entered chan struct{} // when set, signalled on entry

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *fakeScorer) Score(_ context.Context, rows []rec.FeatureRow) ([]float64, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.peak.Load()
		if n <= cur || s.peak.CompareAndSwap(cur, n) {
			break
		}
	}

	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	s.calls++
	var users []string
	for _, r := range rows {
		if len(users) == 0 || users[len(users)-1] != r.UserID {
			users = append(users, r.UserID)
		}
	}
	s.users = append(s.users, users)
	panics := s.panics
	s.mu.Unlock()

	if panics {
		panic("scorer exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	size := len(rows)
	if s.short {
		size--
	}
	scores := make([]float64, size)
	for i := range scores {
		scores[i] = 1 / float64(rows[i].Position+1)
	}
	return scores, nil
}

func (s *fakeScorer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeScorer) seenUsers() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.users...)
}

// recorder captures scheduler measurements.
type recorder struct {
	mu        sync.Mutex
	sizes     []int
	outcomes  map[string]int
	abandoned int
}

func newRecorder() *recorder {
	return &recorder{outcomes: make(map[string]int)}
}

func (r *recorder) RecordBatch(size int, _ time.Duration) {
	r.mu.Lock()
	r.sizes = append(r.sizes, size)
	r.mu.Unlock()
}
func (r *recorder) RecordScoring(int, time.Duration, error) {}
func (r *recorder) RecordOutcome(code string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes[code]++
	r.mu.Unlock()
}
func (r *recorder) RecordQueueDepth(int) {}
func (r *recorder) RecordAbandoned() {
	r.mu.Lock()
	r.abandoned++
	r.mu.Unlock()
}

func (r *recorder) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sizes...)
}

// sizedProvider returns sizes[user] items named <user>/<i>.
type sizedProvider struct {
	sizes map[string]int
}

func (p sizedProvider) CandidatesFor(_ context.Context, user rec.UserContext) ([]string, error) {
	items := make([]string, p.sizes[user.UserID])
	for i := range items {
		items[i] = fmt.Sprintf("%s/%d", user.UserID, i)
	}
	return items, nil
}

// positionScorer scores each row by its candidate position, reversing the
// candidate order.
type positionScorer struct{}

func (positionScorer) Score(_ context.Context, rows []rec.FeatureRow) ([]float64, error) {
	scores := make([]float64, len(rows))
	for i, r := range rows {
		scores[i] = float64(r.Position)
	}
	return scores, nil
}

// shortRowFeaturizer drops the last row of every request.
type shortRowFeaturizer struct{}

func (shortRowFeaturizer) Featurize(user rec.UserContext, items []string) []rec.FeatureRow {
	rows := plainFeaturizer{}.Featurize(user, items)
	return rows[:len(rows)-1]
}

// capturePublisher stores published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *capturePublisher) Publish(_ context.Context, topic string, event bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic != bus.TopicBatchScored {
		return fmt.Errorf("unexpected topic %s", topic)
	}
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) all() []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Event(nil), p.events...)
}

func newTestScheduler(t *testing.T, cfg Config, provider CandidateProvider, scorer Scorer, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	s, err := NewScheduler(cfg, provider, scorer, opts...)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitResult(t *testing.T, c *Completion[[]rec.RankedItem]) ([]rec.RankedItem, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	items, err := c.Wait(ctx)
	if stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatal("request was never resolved")
	}
	return items, err
}

func submitN(t *testing.T, s *Scheduler, n int) []*Completion[[]rec.RankedItem] {
	t.Helper()
	out := make([]*Completion[[]rec.RankedItem], n)
	for i := range out {
		c, err := s.Submit(context.Background(), rec.UserContext{UserID: fmt.Sprintf("user_%d", i)}, 3)
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		out[i] = c
	}
	return out
}

func TestNewScheduler_Validation(t *testing.T) {
	p := &fakeProvider{count: 1}
	sc := &fakeScorer{}

	tests := []struct {
		name     string
		cfg      Config
		provider CandidateProvider
		scorer   Scorer
	}{
		{"nil provider", DefaultConfig(), nil, sc},
		{"nil scorer", DefaultConfig(), p, nil},
		{"zero batch size", Config{BatchSize: 0}, p, sc},
		{"negative timeout", Config{BatchSize: 1, BatchTimeout: -time.Second}, p, sc},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewScheduler(tt.cfg, tt.provider, tt.scorer); !errors.IsValidation(err) {
				t.Errorf("NewScheduler() error = %v, want validation error", err)
			}
		})
	}
}

func TestScheduler_EveryRequestResolvedOnce(t *testing.T) {
	rc := newRecorder()
	cfg := Config{BatchSize: 8, BatchTimeout: 2 * time.Millisecond, CandidateWorkers: 4}
	s := newTestScheduler(t, cfg, &fakeProvider{count: 5}, &fakeScorer{}, WithMetrics(rc))
	s.Start()
	svc := NewService(s, logger.Discard())

	const callers = 300
	var wg sync.WaitGroup
	var ok atomic.Int32
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			items, err := svc.Recommend(ctx, rec.UserContext{UserID: fmt.Sprintf("user_%d", i)}, 3)
			if err != nil {
				errs <- err
				return
			}
			if len(items) != 3 {
				errs <- fmt.Errorf("got %d items, want 3", len(items))
				return
			}
			ok.Add(1)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Recommend() error = %v", err)
	}
	if ok.Load() != callers {
		t.Errorf("successful calls = %d, want %d", ok.Load(), callers)
	}

	rc.mu.Lock()
	resolved := rc.outcomes["ok"]
	rc.mu.Unlock()
	if resolved != callers {
		t.Errorf("resolutions recorded = %d, want %d (exactly once each)", resolved, callers)
	}

	total := 0
	for _, size := range rc.batchSizes() {
		if size < 1 || size > cfg.BatchSize {
			t.Errorf("batch size %d outside [1,%d]", size, cfg.BatchSize)
		}
		total += size
	}
	if total != callers {
		t.Errorf("requests across batches = %d, want %d (no request scored twice)", total, callers)
	}

	stats := s.Stats()
	if stats.MaxBatchSize > int64(cfg.BatchSize) {
		t.Errorf("MaxBatchSize = %d, want <= %d", stats.MaxBatchSize, cfg.BatchSize)
	}
	if stats.Requests != callers {
		t.Errorf("Stats.Requests = %d, want %d", stats.Requests, callers)
	}
}

func TestScheduler_SingleRequestDispatchedAtDeadline(t *testing.T) {
	timeout := 50 * time.Millisecond
	s := newTestScheduler(t, Config{BatchSize: 16, BatchTimeout: timeout}, &fakeProvider{count: 4}, &fakeScorer{})
	s.Start()

	start := time.Now()
	c, err := s.Submit(context.Background(), rec.UserContext{UserID: "solo"}, 2)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	items, err := waitResult(t, c)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("result error = %v", err)
	}
	if len(items) != 2 {
		t.Errorf("got %d items, want 2", len(items))
	}
	if elapsed < timeout {
		t.Errorf("dispatched after %v, expected to wait for the %v deadline", elapsed, timeout)
	}
	if elapsed > timeout+2*time.Second {
		t.Errorf("dispatched after %v, held far past the deadline", elapsed)
	}
}

func TestScheduler_FullBatchDispatchesImmediately(t *testing.T) {
	rc := newRecorder()
	s := newTestScheduler(t, Config{BatchSize: 4, BatchTimeout: time.Minute}, &fakeProvider{count: 3}, &fakeScorer{}, WithMetrics(rc))
	s.Start()

	results := submitN(t, s, 4)
	for i, c := range results {
		if _, err := waitResult(t, c); err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}

	if sizes := rc.batchSizes(); len(sizes) != 1 || sizes[0] != 4 {
		t.Errorf("batch sizes = %v, want [4]", sizes)
	}
}

func TestScheduler_QueuedRequestsJoinAndKeepOrder(t *testing.T) {
	rc := newRecorder()
	scorer := &fakeScorer{}
	s := newTestScheduler(t, Config{BatchSize: 10, BatchTimeout: 0}, &fakeProvider{count: 2}, scorer, WithMetrics(rc))

	// Queue before starting so every request is already waiting.
	results := submitN(t, s, 4)
	s.Start()

	for i, c := range results {
		if _, err := waitResult(t, c); err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}

	if sizes := rc.batchSizes(); len(sizes) != 1 || sizes[0] != 4 {
		t.Fatalf("batch sizes = %v, want [4]", sizes)
	}
	calls := scorer.seenUsers()
	want := []string{"user_0", "user_1", "user_2", "user_3"}
	if len(calls) != 1 || fmt.Sprint(calls[0]) != fmt.Sprint(want) {
		t.Errorf("scored users = %v, want %v in arrival order", calls, want)
	}
}

func TestScheduler_BatchesRespectSizeCap(t *testing.T) {
	rc := newRecorder()
	s := newTestScheduler(t, Config{BatchSize: 3, BatchTimeout: 0}, &fakeProvider{count: 2}, &fakeScorer{}, WithMetrics(rc))

	results := submitN(t, s, 7)
	s.Start()
	for _, c := range results {
		if _, err := waitResult(t, c); err != nil {
			t.Errorf("result error = %v", err)
		}
	}

	sizes := rc.batchSizes()
	want := []int{3, 3, 1}
	if fmt.Sprint(sizes) != fmt.Sprint(want) {
		t.Errorf("batch sizes = %v, want %v", sizes, want)
	}
}

func TestScheduler_RankingPerRequest(t *testing.T) {
	s := newTestScheduler(t, Config{BatchSize: 2, BatchTimeout: time.Minute}, &fakeProvider{count: 20}, &fakeScorer{})
	results := submitN(t, s, 2)
	s.Start()

	for _, c := range results {
		items, err := waitResult(t, c)
		if err != nil {
			t.Fatalf("result error = %v", err)
		}
		if len(items) != 3 {
			t.Fatalf("got %d items, want 3", len(items))
		}
		for i, item := range items {
			if want := fmt.Sprintf("item_%d", i); item.ItemID != want || item.Rank != i+1 {
				t.Errorf("items[%d] = %+v, want %s at rank %d", i, item, want, i+1)
			}
		}
	}
}

func TestScheduler_ScoringFailureFailsWholeBatch(t *testing.T) {
	tests := []struct {
		name   string
		scorer *fakeScorer
	}{
		{"scorer error", &fakeScorer{err: stderrors.New("model unavailable")}},
		{"length mismatch", &fakeScorer{short: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, Config{BatchSize: 3, BatchTimeout: time.Minute}, &fakeProvider{count: 4}, tt.scorer)
			results := submitN(t, s, 3)
			s.Start()

			for i, c := range results {
				_, err := waitResult(t, c)
				if !errors.HasCode(err, errors.CodeScoring) {
					t.Errorf("request %d error = %v, want SCORING_ERROR", i, err)
				}
			}
		})
	}
}

func TestScheduler_ProviderFailureIsIsolated(t *testing.T) {
	provider := &fakeProvider{
		count: 4,
		fail:  map[string]bool{"user_1": true},
		empty: map[string]bool{"user_2": true},
		panic: map[string]bool{"user_3": true},
	}
	s := newTestScheduler(t, Config{BatchSize: 5, BatchTimeout: time.Minute}, provider, &fakeScorer{})
	results := submitN(t, s, 5)
	s.Start()

	for i, c := range results {
		items, err := waitResult(t, c)
		switch i {
		case 1, 2, 3:
			if !errors.HasCode(err, errors.CodeCandidate) {
				t.Errorf("request %d error = %v, want CANDIDATE_ERROR", i, err)
			}
		default:
			if err != nil {
				t.Errorf("request %d error = %v, sibling failure leaked", i, err)
			}
			if len(items) != 3 {
				t.Errorf("request %d got %d items, want 3", i, len(items))
			}
		}
	}
}

func TestScheduler_DemuxFailureFailsWholeBatch(t *testing.T) {
	s := newTestScheduler(t, Config{BatchSize: 2, BatchTimeout: time.Minute},
		&fakeProvider{count: 4}, &fakeScorer{}, WithFeaturizer(shortRowFeaturizer{}))
	results := submitN(t, s, 2)
	s.Start()

	for i, c := range results {
		if _, err := waitResult(t, c); !errors.HasCode(err, errors.CodeDemux) {
			t.Errorf("request %d error = %v, want DEMUX_ERROR", i, err)
		}
	}
}

func TestScheduler_PanicResolvesBatchAndContinues(t *testing.T) {
	scorer := &fakeScorer{panics: true}
	s := newTestScheduler(t, Config{BatchSize: 2, BatchTimeout: time.Minute}, &fakeProvider{count: 2}, scorer)
	results := submitN(t, s, 2)
	s.Start()

	for i, c := range results {
		if _, err := waitResult(t, c); !errors.HasCode(err, errors.CodeInternal) {
			t.Errorf("request %d error = %v, want INTERNAL_ERROR", i, err)
		}
	}

	scorer.mu.Lock()
	scorer.panics = false
	scorer.mu.Unlock()

	next := submitN(t, s, 2)
	for i, c := range next {
		if _, err := waitResult(t, c); err != nil {
			t.Errorf("request %d after panic error = %v", i, err)
		}
	}
}

func TestScheduler_CancellationKeepsRequestInBatch(t *testing.T) {
	rc := newRecorder()
	scorer := &fakeScorer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := newTestScheduler(t, Config{BatchSize: 2, BatchTimeout: time.Minute}, &fakeProvider{count: 3}, scorer, WithMetrics(rc))
	s.Start()
	svc := NewService(s, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := svc.Recommend(ctx, rec.UserContext{UserID: "leaver"}, 2)
		errCh <- err
	}()

	other, err := s.Submit(context.Background(), rec.UserContext{UserID: "stayer"}, 2)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-scorer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("scorer was never called")
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.HasCode(err, errors.CodeCanceled) {
			t.Errorf("Recommend() error = %v, want CANCELED", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(scorer.block)
	if _, err := waitResult(t, other); err != nil {
		t.Errorf("sibling error = %v", err)
	}

	users := scorer.seenUsers()
	if len(users) != 1 || len(users[0]) != 2 {
		t.Fatalf("scored users = %v, want both requests in one batch", users)
	}

	rc.mu.Lock()
	abandoned := rc.abandoned
	rc.mu.Unlock()
	if abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", abandoned)
	}
}

func TestScheduler_CloseDrainsQueuedRequests(t *testing.T) {
	s := newTestScheduler(t, Config{BatchSize: 2, BatchTimeout: time.Minute}, &fakeProvider{count: 2}, &fakeScorer{})
	results := submitN(t, s, 5)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for i, c := range results {
		if !c.Resolved() {
			t.Fatalf("request %d unresolved after Close", i)
		}
		if _, err := waitResult(t, c); err != nil {
			t.Errorf("request %d error = %v, want drained normally", i, err)
		}
	}

	if _, err := s.Submit(context.Background(), rec.UserContext{UserID: "late"}, 1); !errors.IsUnavailable(err) {
		t.Errorf("Submit() after Close error = %v, want SERVICE_UNAVAILABLE", err)
	}
	if s.Accepting() {
		t.Error("Accepting() = true after Close")
	}
}

func TestScheduler_CloseTimeoutFailsInFlight(t *testing.T) {
	scorer := &fakeScorer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	defer close(scorer.block)

	s := newTestScheduler(t, Config{BatchSize: 1, BatchTimeout: 0}, &fakeProvider{count: 2}, scorer)
	s.Start()
	results := submitN(t, s, 3)

	select {
	case <-scorer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("scorer was never called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want deadline exceeded", err)
	}

	for i, c := range results {
		if _, err := waitResult(t, c); !errors.IsUnavailable(err) {
			t.Errorf("request %d error = %v, want SERVICE_UNAVAILABLE", i, err)
		}
	}
}

func TestScheduler_CloseWithoutStart(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig(), &fakeProvider{count: 1}, &fakeScorer{})
	results := submitN(t, s, 2)

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for i, c := range results {
		if _, err := waitResult(t, c); !errors.IsUnavailable(err) {
			t.Errorf("request %d error = %v, want SERVICE_UNAVAILABLE", i, err)
		}
	}

	// Start after Close must not revive the scheduler.
	s.Start()
	if s.Accepting() {
		t.Error("scheduler accepting after Close")
	}
}

func TestScheduler_BoundedQueueOverload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 2
	s := newTestScheduler(t, cfg, &fakeProvider{count: 1}, &fakeScorer{})

	submitN(t, s, 2)
	_, err := s.Submit(context.Background(), rec.UserContext{UserID: "third"}, 1)
	if !errors.HasCode(err, errors.CodeOverloaded) {
		t.Errorf("Submit() over capacity error = %v, want OVERLOADED", err)
	}
}

func TestScheduler_PublishesBatchEvent(t *testing.T) {
	pub := &capturePublisher{}
	s := newTestScheduler(t, Config{BatchSize: 2, BatchTimeout: time.Minute},
		&fakeProvider{count: 3, fail: map[string]bool{"user_1": true}}, &fakeScorer{}, WithEvents(pub))
	results := submitN(t, s, 2)
	s.Start()
	for _, c := range results {
		_, _ = waitResult(t, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	payload, ok := events[0].Payload.(BatchScored)
	if !ok {
		t.Fatalf("payload type = %T, want BatchScored", events[0].Payload)
	}
	if payload.Size != 2 || payload.Served != 1 || payload.Failed != 1 {
		t.Errorf("payload = %+v, want size 2, served 1, failed 1", payload)
	}
	if len(payload.Impressions) != 1 || payload.Impressions[0].UserID != "user_0" {
		t.Errorf("impressions = %+v", payload.Impressions)
	}
	if got := payload.Impressions[0].Items; len(got) != 3 || got[0] != "item_0" {
		t.Errorf("impression items = %v", got)
	}
}

func TestScheduler_RequestIDFromContext(t *testing.T) {
	pub := &capturePublisher{}
	s := newTestScheduler(t, Config{BatchSize: 1, BatchTimeout: 0}, &fakeProvider{count: 1}, &fakeScorer{}, WithEvents(pub))
	s.Start()

	ctx := logger.ContextWithRequestID(context.Background(), "req-42")
	c, err := s.Submit(ctx, rec.UserContext{UserID: "u"}, 1)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := waitResult(t, c); err != nil {
		t.Fatalf("result error = %v", err)
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Close(closeCtx)

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	payload := events[0].Payload.(BatchScored)
	if payload.Impressions[0].RequestID != "req-42" {
		t.Errorf("RequestID = %q, want req-42", payload.Impressions[0].RequestID)
	}
}

func TestScheduler_AssemblesNextBatchWhileScoring(t *testing.T) {
	rc := newRecorder()
	scorer := &fakeScorer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := newTestScheduler(t, Config{BatchSize: 3, BatchTimeout: time.Minute}, &fakeProvider{count: 2}, scorer, WithMetrics(rc))
	s.Start()

	first := submitN(t, s, 3)
	select {
	case <-scorer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("scorer was never called")
	}

	second := submitN(t, s, 3)
	deadline := time.Now().Add(5 * time.Second)
	for len(rc.batchSizes()) < 2 {
		if time.Now().After(deadline) {
			close(scorer.block)
			t.Fatalf("batch sizes = %v while scoring, want the next batch assembled", rc.batchSizes())
		}
		time.Sleep(time.Millisecond)
	}
	if sizes := rc.batchSizes(); fmt.Sprint(sizes) != "[3 3]" {
		t.Errorf("batch sizes = %v, want [3 3]", sizes)
	}
	if got := scorer.callCount(); got != 0 {
		t.Errorf("scoring calls finished = %d before unblocking, want 0", got)
	}

	close(scorer.block)
	for i, c := range append(first, second...) {
		if _, err := waitResult(t, c); err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}

	if got := scorer.callCount(); got != 2 {
		t.Errorf("scoring calls = %d, want 2", got)
	}
	if got := scorer.peak.Load(); got != 1 {
		t.Errorf("peak concurrent scoring calls = %d, want 1", got)
	}
}

func TestScheduler_MixedCandidateSizes(t *testing.T) {
	sizes := map[string]int{"a": 1, "b": 4, "c": 2, "d": 3}
	order := []string{"a", "b", "c", "d"}
	s := newTestScheduler(t, Config{BatchSize: len(order), BatchTimeout: time.Minute}, sizedProvider{sizes: sizes}, positionScorer{})

	results := make([]*Completion[[]rec.RankedItem], len(order))
	for i, user := range order {
		c, err := s.Submit(context.Background(), rec.UserContext{UserID: user}, 3)
		if err != nil {
			t.Fatalf("Submit(%s) error = %v", user, err)
		}
		results[i] = c
	}
	s.Start()

	for i, user := range order {
		items, err := waitResult(t, results[i])
		if err != nil {
			t.Fatalf("%s: error = %v", user, err)
		}
		want := min(sizes[user], 3)
		if len(items) != want {
			t.Fatalf("%s: got %d items, want %d", user, len(items), want)
		}
		for j, item := range items {
			pos := sizes[user] - 1 - j
			if wantID := fmt.Sprintf("%s/%d", user, pos); item.ItemID != wantID {
				t.Errorf("%s: items[%d] = %s, want %s", user, j, item.ItemID, wantID)
			}
			if item.Score != float64(pos) || item.Rank != j+1 {
				t.Errorf("%s: items[%d] = %+v, want score %d rank %d", user, j, item, pos, j+1)
			}
		}
	}

	if got := s.Stats().Batches; got != 1 {
		t.Errorf("Stats().Batches = %d, want 1", got)
	}
}

func TestScheduler_StatsCountOnlyAssembledBatches(t *testing.T) {
	s := newTestScheduler(t, Config{BatchSize: 2, BatchTimeout: time.Minute}, &fakeProvider{count: 1}, &fakeScorer{})
	s.Start()

	first := submitN(t, s, 1)
	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().QueueDepth != 0 {
		if time.Now().After(deadline) {
			t.Fatal("request was never claimed")
		}
		time.Sleep(time.Millisecond)
	}
	if st := s.Stats(); st.Batches != 0 || st.Requests != 0 {
		t.Errorf("Stats() while assembling = %+v, want no batches or requests", st)
	}

	second := submitN(t, s, 1)
	for _, c := range append(first, second...) {
		if _, err := waitResult(t, c); err != nil {
			t.Fatalf("result error = %v", err)
		}
	}
	if st := s.Stats(); st.Batches != 1 || st.Requests != 2 {
		t.Errorf("Stats() = %+v, want 1 batch and 2 requests", st)
	}
}

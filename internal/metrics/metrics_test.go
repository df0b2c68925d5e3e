package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ricesearch/recserve/internal/bus"
	"github.com/ricesearch/recserve/internal/recommend"
)

// Compile-time checks that Metrics satisfies the consumer interfaces.
var (
	_ recommend.Recorder  = (*Metrics)(nil)
	_ bus.MetricsRecorder = (*Metrics)(nil)
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.RecordAbandoned()
	if got := testutil.ToFloat64(a.Abandoned); got != 1 {
		t.Errorf("a.Abandoned = %f, want 1", got)
	}
	if got := testutil.ToFloat64(b.Abandoned); got != 0 {
		t.Errorf("b.Abandoned = %f, want 0", got)
	}
}

func TestRecordBatch(t *testing.T) {
	m := New()
	m.RecordBatch(8, 3*time.Millisecond)
	m.RecordBatch(2, time.Millisecond)

	if got := testutil.CollectAndCount(m.BatchSize); got != 1 {
		t.Errorf("BatchSize series = %d, want 1", got)
	}

	out := scrape(t, m)
	if !strings.Contains(out, "recserve_batch_size_count 2") {
		t.Error("expected two batch size observations")
	}
	if !strings.Contains(out, "recserve_batch_size_sum 10") {
		t.Error("expected batch size sum 10")
	}
}

func TestRecordScoring(t *testing.T) {
	m := New()
	m.RecordScoring(100, 5*time.Millisecond, nil)
	m.RecordScoring(50, time.Millisecond, fmt.Errorf("model down"))

	if got := testutil.ToFloat64(m.ScoredRows); got != 150 {
		t.Errorf("ScoredRows = %f, want 150", got)
	}
	if got := testutil.ToFloat64(m.ScoringErrors); got != 1 {
		t.Errorf("ScoringErrors = %f, want 1", got)
	}
}

func TestRecordOutcome(t *testing.T) {
	m := New()
	m.RecordOutcome("ok", 10*time.Millisecond)
	m.RecordOutcome("ok", 12*time.Millisecond)
	m.RecordOutcome("SCORING_ERROR", 0)
	m.RecordOutcome("", 0)

	tests := []struct {
		code string
		want float64
	}{
		{"ok", 2},
		{"SCORING_ERROR", 1},
		{"unknown", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.Outcomes.WithLabelValues(tt.code)); got != tt.want {
			t.Errorf("Outcomes[%s] = %f, want %f", tt.code, got, tt.want)
		}
	}
}

func TestRecordQueueDepth(t *testing.T) {
	m := New()
	m.RecordQueueDepth(17)
	m.RecordQueueDepth(3)
	if got := testutil.ToFloat64(m.QueueDepth); got != 3 {
		t.Errorf("QueueDepth = %f, want 3", got)
	}
}

func TestRecordBusPublish(t *testing.T) {
	m := New()
	m.RecordBusPublish(bus.TopicBatchScored, time.Millisecond, nil)
	m.RecordBusPublish(bus.TopicBatchScored, time.Millisecond, fmt.Errorf("broker gone"))

	if got := testutil.ToFloat64(m.BusEventsPublished.WithLabelValues(bus.TopicBatchScored)); got != 2 {
		t.Errorf("BusEventsPublished = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.BusErrors.WithLabelValues(bus.TopicBatchScored)); got != 1 {
		t.Errorf("BusErrors = %f, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordOutcome("ok", time.Millisecond)

	out := scrape(t, m)
	for _, want := range []string{
		`recserve_requests_total{code="ok"} 1`,
		"go_goroutines",
		"recserve_queue_depth",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ricesearch/recserve/internal/bus"
	"github.com/ricesearch/recserve/internal/config"
	"github.com/ricesearch/recserve/internal/metrics"
	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/rec"
	"github.com/ricesearch/recserve/internal/recommend"
)

func benchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Fire concurrent recommendations in-process and report batching",
		Long: `Run the full pipeline in-process (no HTTP) and fire concurrent Recommend
calls against it. Reports latency percentiles and how requests were
coalesced into batches.

Examples:
  recserve bench --requests 5000 --concurrency 256
  recserve bench --batch-size 32 --batch-timeout 5ms --json`,
		RunE: runBench,
	}
	cmd.Flags().Int("requests", 2000, "total requests")
	cmd.Flags().Int("concurrency", 128, "concurrent callers")
	cmd.Flags().Int("users", 200, "distinct user ids cycled through")
	cmd.Flags().Int("k", rec.DefaultK, "items per request")
	cmd.Flags().Int("batch-size", 0, "override the configured batch size")
	cmd.Flags().Duration("batch-timeout", -1, "override the configured batch timeout")
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

// benchReport summarizes one bench run.
type benchReport struct {
	Requests      int            `json:"requests"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	Errors        map[string]int `json:"errors,omitempty"`
	DurationMs    float64        `json:"duration_ms"`
	Throughput    float64        `json:"throughput_rps"`
	P50Ms         float64        `json:"p50_ms"`
	P95Ms         float64        `json:"p95_ms"`
	P99Ms         float64        `json:"p99_ms"`
	MaxMs         float64        `json:"max_ms"`
	Batches       int            `json:"batches"`
	MeanBatchSize float64        `json:"mean_batch_size"`
	MaxBatchSize  int            `json:"max_batch_size"`
	MeanScoringMs float64        `json:"mean_scoring_ms"`
}

// batchLog collects batch events delivered by the bus.
type batchLog struct {
	mu      sync.Mutex
	batches []recommend.BatchScored
}

func (l *batchLog) handle(_ context.Context, event bus.Event) error {
	b, err := recommend.DecodeBatchScored(event)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.batches = append(l.batches, b)
	l.mu.Unlock()
	return nil
}

func (l *batchLog) snapshot() []recommend.BatchScored {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]recommend.BatchScored, len(l.batches))
	copy(out, l.batches)
	return out
}

func runBench(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	requests, _ := cmd.Flags().GetInt("requests")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	users, _ := cmd.Flags().GetInt("users")
	k, _ := cmd.Flags().GetInt("k")
	asJSON, _ := cmd.Flags().GetBool("json")
	if size, _ := cmd.Flags().GetInt("batch-size"); size > 0 {
		cfg.Batch.Size = size
	}
	if timeout, _ := cmd.Flags().GetDuration("batch-timeout"); timeout >= 0 {
		cfg.Batch.Timeout = config.Duration(timeout)
	}
	if requests < 1 || concurrency < 1 || users < 1 {
		return fmt.Errorf("--requests, --concurrency and --users must be positive")
	}

	// Batch events stay in-process for the run.
	cfg.Bus = config.BusConfig{Type: "memory"}

	a, err := newApp(cfg, log, metrics.New())
	if err != nil {
		return err
	}
	batches := &batchLog{}
	if err := a.bus.Subscribe(cmd.Context(), bus.TopicBatchScored, batches.handle); err != nil {
		_ = a.close()
		return err
	}

	latencies, errCodes, elapsed := fire(cmd.Context(), a.service, requests, concurrency, users, k)

	if err := a.drain(context.Background()); err != nil {
		log.Warn("Scheduler drain incomplete", "error", err)
	}
	if err := a.close(); err != nil {
		log.Warn("Error closing services", "error", err)
	}

	report := summarize(latencies, errCodes, elapsed, batches.snapshot())
	return writeReport(cmd.OutOrStdout(), report, asJSON)
}

// fire issues requests calls from concurrency goroutines. It returns the
// latency of each successful call and a count of failures by error code.
func fire(ctx context.Context, svc *recommend.Service, requests, concurrency, users, k int) ([]time.Duration, map[string]int, time.Duration) {
	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, requests)
		errCodes  = make(map[string]int)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for i := 0; i < requests; i++ {
		user := rec.UserContext{
			UserID: fmt.Sprintf("user_%d", i%users),
			Device: []string{"mobile", "desktop"}[i%2],
		}
		g.Go(func() error {
			t0 := time.Now()
			_, err := svc.Recommend(gctx, user, k)
			d := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				code := errors.Code(err)
				if code == "" {
					code = errors.CodeInternal
				}
				errCodes[code]++
				return nil
			}
			latencies = append(latencies, d)
			return nil
		})
	}
	_ = g.Wait()
	return latencies, errCodes, time.Since(start)
}

func summarize(latencies []time.Duration, errCodes map[string]int, elapsed time.Duration, batches []recommend.BatchScored) benchReport {
	failed := 0
	for _, n := range errCodes {
		failed += n
	}

	r := benchReport{
		Requests:   len(latencies) + failed,
		Succeeded:  len(latencies),
		Failed:     failed,
		DurationMs: ms(elapsed),
		Batches:    len(batches),
	}
	if len(errCodes) > 0 {
		r.Errors = errCodes
	}
	if elapsed > 0 {
		r.Throughput = float64(r.Requests) / elapsed.Seconds()
	}

	if len(latencies) > 0 {
		sorted := append([]time.Duration(nil), latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		r.P50Ms = ms(percentile(sorted, 0.50))
		r.P95Ms = ms(percentile(sorted, 0.95))
		r.P99Ms = ms(percentile(sorted, 0.99))
		r.MaxMs = ms(sorted[len(sorted)-1])
	}

	if len(batches) > 0 {
		var total int
		var scoring float64
		for _, b := range batches {
			total += b.Size
			scoring += b.ScoringMs
			r.MaxBatchSize = max(r.MaxBatchSize, b.Size)
		}
		r.MeanBatchSize = float64(total) / float64(len(batches))
		r.MeanScoringMs = scoring / float64(len(batches))
	}
	return r
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.999999) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func writeReport(w io.Writer, r benchReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "requests:    %d (%d ok, %d failed)\n", r.Requests, r.Succeeded, r.Failed)
	codes := make([]string, 0, len(r.Errors))
	for code := range r.Errors {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "  %-20s %d\n", code, r.Errors[code])
	}
	fmt.Fprintf(w, "duration:    %.1f ms (%.0f req/s)\n", r.DurationMs, r.Throughput)
	fmt.Fprintf(w, "latency:     p50 %.2f ms  p95 %.2f ms  p99 %.2f ms  max %.2f ms\n", r.P50Ms, r.P95Ms, r.P99Ms, r.MaxMs)
	fmt.Fprintf(w, "batches:     %d (mean size %.1f, max %d, mean scoring %.2f ms)\n",
		r.Batches, r.MeanBatchSize, r.MaxBatchSize, r.MeanScoringMs)
	return nil
}

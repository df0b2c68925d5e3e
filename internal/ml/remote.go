package ml

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

// RemoteConfig configures a RemoteScorer.
type RemoteConfig struct {
	// URL is the model server base URL, e.g. http://tf-serving:8501.
	URL string

	// Model is the served model name.
	Model string

	// Timeout bounds one predict call.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing. Default 30s.
	OpenTimeout time.Duration

	// Client overrides the HTTP client.
	Client *http.Client
}

// RemoteScorer calls a TensorFlow Serving style predict endpoint.
type RemoteScorer struct {
	endpoint string
	model    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]float64]
	log      *logger.Logger
}

type predictRequest struct {
	Instances [][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
	Error       string            `json:"error,omitempty"`
}

// NewRemoteScorer creates a scorer for cfg.
func NewRemoteScorer(cfg RemoteConfig, log *logger.Logger) (*RemoteScorer, error) {
	if cfg.URL == "" {
		return nil, errors.ValidationError("model url is required")
	}
	if cfg.Model == "" {
		cfg.Model = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("ml")

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	s := &RemoteScorer{
		endpoint: fmt.Sprintf("%s/v1/models/%s:predict", strings.TrimRight(cfg.URL, "/"), cfg.Model),
		model:    cfg.Model,
		client:   client,
		log:      log,
	}

	s.breaker = gobreaker.NewCircuitBreaker[[]float64](gobreaker.Settings{
		Name:        "model:" + cfg.Model,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Model breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// a canceled call is not a model failure
			return err == nil || stderrors.Is(err, context.Canceled)
		},
	})

	return s, nil
}

// Score implements Scorer.
func (s *RemoteScorer) Score(ctx context.Context, rows []rec.FeatureRow) ([]float64, error) {
	if len(rows) == 0 {
		return []float64{}, nil
	}

	scores, err := s.breaker.Execute(func() ([]float64, error) {
		return s.predict(ctx, rows)
	})
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.ScoringError("model server circuit open", err).WithDetail("model", s.model)
		}
		return nil, err
	}
	return scores, nil
}

func (s *RemoteScorer) predict(ctx context.Context, rows []rec.FeatureRow) ([]float64, error) {
	instances := make([][]float32, len(rows))
	for i, row := range rows {
		instances[i] = row.Values
	}

	body, err := json.Marshal(predictRequest{Instances: instances})
	if err != nil {
		return nil, errors.ScoringError("failed to encode predict request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.ScoringError("failed to build predict request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.ScoringError("predict request failed", err).WithDetail("model", s.model)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.ScoringError("model server returned an error", nil).
			WithDetail("model", s.model).
			WithDetail("status", strconv.Itoa(resp.StatusCode)).
			WithDetail("body", strings.TrimSpace(string(msg)))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.ScoringError("failed to decode predict response", err)
	}
	if out.Error != "" {
		return nil, errors.ScoringError(out.Error, nil).WithDetail("model", s.model)
	}
	if len(out.Predictions) != len(rows) {
		return nil, errors.ScoringError("model returned wrong number of predictions", nil).
			WithDetail("rows", strconv.Itoa(len(rows))).
			WithDetail("predictions", strconv.Itoa(len(out.Predictions)))
	}

	scores := make([]float64, len(out.Predictions))
	for i, raw := range out.Predictions {
		v, err := decodePrediction(raw)
		if err != nil {
			return nil, errors.ScoringError("malformed prediction", err).WithDetail("row", strconv.Itoa(i))
		}
		scores[i] = v
	}

	s.log.Debug("Predict complete", "rows", len(rows), "duration_ms", elapsedMs(start))
	return scores, nil
}

// decodePrediction accepts a bare number or a single-element array, the two
// shapes TF Serving uses for a scalar output head.
func decodePrediction(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}
	var arr []float64
	if err := json.Unmarshal(raw, &arr); err != nil {
		return 0, err
	}
	if len(arr) != 1 {
		return 0, fmt.Errorf("expected 1 output, got %d", len(arr))
	}
	return arr[0], nil
}

// State returns the breaker state name.
func (s *RemoteScorer) State() string {
	return s.breaker.State().String()
}

// Name implements Scorer.
func (s *RemoteScorer) Name() string {
	return "remote:" + s.model
}

// Close implements Scorer.
func (s *RemoteScorer) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

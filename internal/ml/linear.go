package ml

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/hash"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

// LinearModel is the on-disk form of a logistic ranking model.
type LinearModel struct {
	Name    string    `yaml:"name"`
	Version string    `yaml:"version"`
	Bias    float64   `yaml:"bias"`
	Weights []float64 `yaml:"weights"`
}

// DefaultLinearModel returns the built-in weights for rows of width dim.
// The dense slots written by HashFeaturizer get hand-set weights; the hashed
// cross slots share a small positive weight.
func DefaultLinearModel(dim int) LinearModel {
	dense := []float64{0.8, 1.2, 0.6, 0.1}
	weights := make([]float64, dim)
	for i := range weights {
		if i < len(dense) {
			weights[i] = dense[i]
		} else {
			weights[i] = 0.05
		}
	}
	return LinearModel{
		Name:    "wide_deep",
		Version: "builtin",
		Bias:    -1.0,
		Weights: weights,
	}
}

// LinearRanker scores rows with sigmoid(w·x + b).
type LinearRanker struct {
	path string
	dim  int
	log  *logger.Logger

	mu    sync.RWMutex
	model *LinearModel
}

// NewLinearRanker creates a ranker for rows of width dim. An empty path
// selects the built-in weights. Call Load before scoring.
func NewLinearRanker(path string, dim int, log *logger.Logger) *LinearRanker {
	if log == nil {
		log = logger.Default()
	}
	return &LinearRanker{
		path: path,
		dim:  dim,
		log:  log.WithComponent("ml"),
	}
}

// Load reads the model file, or installs the built-in weights when no path
// was configured.
func (r *LinearRanker) Load() error {
	start := time.Now()

	model := DefaultLinearModel(r.dim)
	fingerprint := "builtin"
	if r.path != "" {
		data, err := os.ReadFile(r.path)
		if err != nil {
			return errors.ScoringError("failed to read model file", err).WithDetail("path", r.path)
		}
		model = LinearModel{}
		if err := yaml.Unmarshal(data, &model); err != nil {
			return errors.ScoringError("failed to parse model file", err).WithDetail("path", r.path)
		}
		fingerprint = hash.SHA256Short(data, 12)
	}

	if len(model.Weights) == 0 {
		return errors.ScoringError("model has no weights", nil)
	}
	if r.dim > 0 && len(model.Weights) != r.dim {
		return errors.ScoringError(
			fmt.Sprintf("model has %d weights, feature width is %d", len(model.Weights), r.dim), nil)
	}

	r.mu.Lock()
	r.model = &model
	r.mu.Unlock()

	r.log.Info("Model loaded",
		"name", model.Name,
		"version", model.Version,
		"weights", len(model.Weights),
		"path", r.path,
		"sha256", fingerprint,
		"duration_ms", elapsedMs(start),
	)
	return nil
}

// Loaded reports whether a model is installed.
func (r *LinearRanker) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model != nil
}

// Score implements Scorer.
func (r *LinearRanker) Score(ctx context.Context, rows []rec.FeatureRow) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ScoringError("scoring aborted", err)
	}

	r.mu.RLock()
	model := r.model
	r.mu.RUnlock()
	if model == nil {
		return nil, errors.ScoringError("model not loaded", nil)
	}

	scores := make([]float64, len(rows))
	for i, row := range rows {
		if len(row.Values) != len(model.Weights) {
			return nil, errors.ScoringError("feature row has wrong width", nil).
				WithDetail("row", strconv.Itoa(i)).
				WithDetail("width", strconv.Itoa(len(row.Values))).
				WithDetail("expected", strconv.Itoa(len(model.Weights)))
		}
		z := model.Bias
		for j, v := range row.Values {
			z += model.Weights[j] * float64(v)
		}
		scores[i] = sigmoid(z)
	}
	return scores, nil
}

// Name implements Scorer.
func (r *LinearRanker) Name() string {
	return "linear"
}

// Close implements Scorer.
func (r *LinearRanker) Close() error {
	return nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

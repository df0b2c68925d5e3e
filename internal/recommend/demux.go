package recommend

import (
	"fmt"
	"math"
	"sort"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/rec"
)

// Partition is one request's share of a batch score vector.
type Partition struct {
	Items []string
	K     int
}

// Demultiplex splits a flat score vector back into per-request rankings.
// Partition i owns the len(Items) scores following partition i-1. The
// partitions must cover scores exactly; otherwise the whole batch is
// rejected with DEMUX_ERROR and no ranking is returned.
func Demultiplex(parts []Partition, scores []float64) ([][]rec.RankedItem, error) {
	want := 0
	for _, p := range parts {
		want += len(p.Items)
	}
	if want != len(scores) {
		return nil, errors.DemuxError(fmt.Sprintf("score vector has %d entries, batch partitions expect %d", len(scores), want)).
			WithDetail("scores", fmt.Sprintf("%d", len(scores))).
			WithDetail("expected", fmt.Sprintf("%d", want))
	}

	out := make([][]rec.RankedItem, len(parts))
	offset := 0
	for i, p := range parts {
		end := offset + len(p.Items)
		out[i] = Rank(p.Items, scores[offset:end], p.K)
		offset = end
	}
	return out, nil
}

// Rank pairs items with scores, sorts by descending score keeping the
// original order among ties, keeps the top k and assigns ranks from 1.
// NaN scores sort last. items and scores must have equal length.
func Rank(items []string, scores []float64, k int) []rec.RankedItem {
	ranked := make([]rec.RankedItem, len(items))
	for i, item := range items {
		ranked[i] = rec.RankedItem{ItemID: item, Score: scores[i]}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return scoreAbove(ranked[i].Score, ranked[j].Score)
	})

	if k < 0 {
		k = 0
	}
	if k < len(ranked) {
		ranked = ranked[:k]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

func scoreAbove(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a > b
}

package ml

import (
	"sort"

	"github.com/ricesearch/recserve/internal/pkg/hash"
	"github.com/ricesearch/recserve/internal/rec"
)

// Dense slots at the head of every row.
const (
	slotUserAffinity = iota
	slotItemPrior
	slotPosition
	slotMobile
	denseSlots
)

// HashFeaturizer builds fixed-width rows from hashed user, item and context
// crosses. The same inputs always give the same row.
type HashFeaturizer struct {
	dim int
}

// NewHashFeaturizer creates a featurizer producing rows of width dim.
func NewHashFeaturizer(dim int) *HashFeaturizer {
	if dim < 1 {
		dim = 1
	}
	return &HashFeaturizer{dim: dim}
}

// Dim returns the row width.
func (f *HashFeaturizer) Dim() int {
	return f.dim
}

// Featurize returns one row per item, in item order.
func (f *HashFeaturizer) Featurize(user rec.UserContext, items []string) []rec.FeatureRow {
	keys := make([]string, 0, len(user.Attributes))
	for k := range user.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]rec.FeatureRow, len(items))
	for pos, item := range items {
		rows[pos] = rec.FeatureRow{
			UserID:   user.UserID,
			ItemID:   item,
			Position: pos,
			Values:   f.row(user, keys, item, pos),
		}
	}
	return rows
}

func (f *HashFeaturizer) row(user rec.UserContext, attrKeys []string, item string, pos int) []float32 {
	values := make([]float32, f.dim)

	dense := [denseSlots]float32{
		slotUserAffinity: float32(hash.Unit("affinity", user.UserID, item)),
		slotItemPrior:    float32(hash.Unit("prior", item)),
		slotPosition:     1 / float32(pos+1),
	}
	if user.Device == "mobile" {
		dense[slotMobile] = 1
	}
	copy(values, dense[:])

	if f.dim <= denseSlots {
		return values
	}

	wide := values[denseSlots:]
	wide[hash.Bucket(len(wide), "user_item", user.UserID, item)]++
	wide[hash.Bucket(len(wide), "device_item", user.Device, item)]++
	for _, k := range attrKeys {
		wide[hash.Bucket(len(wide), "attr_item", k, user.Attributes[k], item)]++
	}
	return values
}

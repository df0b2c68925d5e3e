// Package rec defines the recommendation domain types shared by the
// scheduler, candidate providers and scorers.
package rec

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/security"
)

// Request bounds for the number of ranked items returned.
const (
	MinK     = 1
	MaxK     = 100
	DefaultK = 10
)

// DefaultDevice is assumed when a caller omits the device class.
const DefaultDevice = "mobile"

// UserContext identifies the user a recommendation is computed for.
// It is treated as immutable once handed to the scheduler.
type UserContext struct {
	UserID     string            `json:"user_id"`
	Device     string            `json:"device,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Normalize returns a copy with defaults applied and whitespace trimmed.
func (u UserContext) Normalize() UserContext {
	out := UserContext{
		UserID: strings.TrimSpace(u.UserID),
		Device: strings.TrimSpace(u.Device),
	}
	if out.Device == "" {
		out.Device = DefaultDevice
	}
	if len(u.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Validate checks that the context identifies a user and stays within the
// input limits.
func (u UserContext) Validate() error {
	id := strings.TrimSpace(u.UserID)
	if id == "" {
		return errors.ValidationError("context.user_id is required")
	}

	for _, err := range []error{
		security.ValidateUserID(id),
		security.ValidateDevice(strings.TrimSpace(u.Device)),
		security.ValidateAttributes(u.Attributes),
	} {
		var verr *security.ValidationError
		if stderrors.As(err, &verr) {
			return errors.ValidationError(verr.Error()).WithDetail("field", verr.Field)
		}
	}
	return nil
}

// ValidateK checks that k is within [MinK, MaxK].
func ValidateK(k int) error {
	if k < MinK || k > MaxK {
		return errors.ValidationError(fmt.Sprintf("k must be between %d and %d, got %d", MinK, MaxK, k)).
			WithDetail("k", strconv.Itoa(k))
	}
	return nil
}

// RankedItem is one entry of a ranked recommendation list.
type RankedItem struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// FeatureRow is the model input for one (request, candidate) pair.
type FeatureRow struct {
	UserID   string
	ItemID   string
	Position int
	Values   []float32
}

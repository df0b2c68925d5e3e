package candidates

import (
	"context"
	"fmt"

	"github.com/ricesearch/recserve/internal/rec"
)

// StaticProvider returns the same catalogue item_0..item_{n-1} for every user.
type StaticProvider struct {
	items []string
}

// NewStaticProvider creates a provider with count items.
func NewStaticProvider(count int) *StaticProvider {
	items := make([]string, max(count, 0))
	for i := range items {
		items[i] = fmt.Sprintf("item_%d", i)
	}
	return &StaticProvider{items: items}
}

// CandidatesFor implements Provider.
func (p *StaticProvider) CandidatesFor(ctx context.Context, user rec.UserContext) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Items(), nil
}

// Items returns a copy of the fixed candidate list.
func (p *StaticProvider) Items() []string {
	out := make([]string, len(p.items))
	copy(out, p.items)
	return out
}

// Name implements Provider.
func (p *StaticProvider) Name() string {
	return "static"
}

// Close implements Provider.
func (p *StaticProvider) Close() error {
	return nil
}

package qdrant

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// RecommendItems returns the items nearest to the user's stored embedding.
// The user vector is looked up server side from the users collection.
func (c *Client) RecommendItems(ctx context.Context, req RecommendRequest) ([]ScoredItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	limit := req.Limit
	if limit == 0 {
		limit = 100
	}

	userPoint := qdrant.NewIDUUID(PointID(req.UserID))
	queryPoints := &qdrant.QueryPoints{
		CollectionName: c.config.ItemsCollection,
		Query:          qdrant.NewQueryNearest(qdrant.NewVectorInputID(userPoint)),
		Using:          qdrant.PtrOf(DenseVector),
		LookupFrom: &qdrant.LookupLocation{
			CollectionName: c.config.UsersCollection,
			VectorName:     qdrant.PtrOf(DenseVector),
		},
		Filter:      buildItemFilter(req),
		Limit:       qdrant.PtrOf(limit),
		WithPayload: qdrant.NewWithPayload(true),
	}

	points, err := c.client.Query(ctx, queryPoints)
	if err != nil {
		return nil, fmt.Errorf("recommend query failed: %w", err)
	}

	return scoredPointsToItems(points), nil
}

// buildItemFilter restricts results to items servable on the device and
// drops excluded ids. Items without a devices list match every device.
func buildItemFilter(req RecommendRequest) *qdrant.Filter {
	filter := &qdrant.Filter{}

	if req.Device != "" {
		filter.Should = []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "devices",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: req.Device},
						},
					},
				},
			},
			{
				ConditionOneOf: &qdrant.Condition_IsEmpty{
					IsEmpty: &qdrant.IsEmptyCondition{Key: "devices"},
				},
			},
		}
	}

	if len(req.Exclude) > 0 {
		filter.MustNot = []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "external_id",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keywords{
								Keywords: &qdrant.RepeatedStrings{Strings: req.Exclude},
							},
						},
					},
				},
			},
		}
	}

	if len(filter.Should) == 0 && len(filter.MustNot) == 0 {
		return nil
	}
	return filter
}

// scoredPointsToItems converts hits, preferring the stored external id.
func scoredPointsToItems(points []*qdrant.ScoredPoint) []ScoredItem {
	items := make([]ScoredItem, 0, len(points))
	for _, p := range points {
		id := getStringValue(p.GetPayload(), "external_id")
		if id == "" {
			id = pointIDString(p.GetId())
		}
		if id == "" {
			continue
		}
		items = append(items, ScoredItem{ItemID: id, Score: p.GetScore()})
	}
	return items
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	}
	return ""
}

func getStringValue(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		if sv, ok := v.Kind.(*qdrant.Value_StringValue); ok {
			return sv.StringValue
		}
	}
	return ""
}

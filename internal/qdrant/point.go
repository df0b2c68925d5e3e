package qdrant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// pointNamespace scopes the UUIDv5 point ids derived from external ids.
var pointNamespace = uuid.MustParse("6f1c2b8e-4d0a-5b7e-9a3c-2e8f1d4b6c90")

// PointID maps an external item or user id onto a stable Qdrant point id.
func PointID(externalID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(externalID)).String()
}

// UpsertPoints inserts or updates points in a collection.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	if len(points) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if len(p.Vector) == 0 {
			return fmt.Errorf("point %s has no vector", p.ID)
		}
		qdrantPoints = append(qdrantPoints, pointToQdrant(p))
	}

	_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qdrantPoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// UpsertPointsBatch upserts points in batches to avoid memory issues.
func (c *Client) UpsertPointsBatch(ctx context.Context, collection string, points []Point, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	for i := 0; i < len(points); i += batchSize {
		end := min(i+batchSize, len(points))
		if err := c.UpsertPoints(ctx, collection, points[i:end]); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}

	return nil
}

// pointToQdrant converts a Point to a Qdrant PointStruct.
func pointToQdrant(p Point) *qdrant.PointStruct {
	payload := map[string]any{
		"external_id": p.ID,
	}
	if len(p.Devices) > 0 {
		devices := make([]any, len(p.Devices))
		for i, d := range p.Devices {
			devices[i] = d
		}
		payload["devices"] = devices
	}

	return &qdrant.PointStruct{
		Id: qdrant.NewIDUUID(PointID(p.ID)),
		Vectors: &qdrant.Vectors{
			VectorsOptions: &qdrant.Vectors_Vectors{
				Vectors: &qdrant.NamedVectors{
					Vectors: map[string]*qdrant.Vector{
						DenseVector: {Data: p.Vector},
					},
				},
			},
		},
		Payload: qdrant.NewValueMap(payload),
	}
}

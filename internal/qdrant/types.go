// Package qdrant wraps the Qdrant Go client with the vector lookups used to
// generate recommendation candidates.
package qdrant

// DenseVector is the vector name used in both the item and user collections.
const DenseVector = "dense"

// CollectionConfig defines the configuration for creating a Qdrant collection.
type CollectionConfig struct {
	// Name is the collection name.
	Name string

	// VectorSize is the dimension of the dense embedding.
	VectorSize uint64

	// OnDiskPayload stores payload on disk to save RAM.
	OnDiskPayload bool

	// IndexingThreshold is the number of vectors before HNSW index is built.
	IndexingThreshold uint64
}

// DefaultCollectionConfig returns defaults for an embedding collection.
func DefaultCollectionConfig(name string, size uint64) CollectionConfig {
	return CollectionConfig{
		Name:              name,
		VectorSize:        size,
		OnDiskPayload:     false,
		IndexingThreshold: 20000,
	}
}

// Point is an item or user embedding to upsert.
type Point struct {
	// ID is the external id (item id or user id); the point id is derived from it.
	ID string

	// Vector is the dense embedding.
	Vector []float32

	// Devices lists the devices an item may be shown on. Empty means all.
	Devices []string
}

// RecommendRequest asks for the items nearest to a user's embedding.
type RecommendRequest struct {
	// UserID is the external user id.
	UserID string

	// Limit is the maximum number of items to return.
	Limit uint64

	// Device restricts results to items servable on this device.
	Device string

	// Exclude lists item ids to leave out.
	Exclude []string
}

// ScoredItem is one nearest-neighbour hit.
type ScoredItem struct {
	ItemID string
	Score  float32
}

// CollectionInfo contains information about a collection.
type CollectionInfo struct {
	Name        string
	PointsCount uint64
	Status      string
}

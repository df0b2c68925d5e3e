package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/recserve/internal/candidates"
	"github.com/ricesearch/recserve/internal/pkg/hash"
	"github.com/ricesearch/recserve/internal/qdrant"
)

// seedTimeout bounds one seed run.
const seedTimeout = 5 * time.Minute

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo candidate data into Redis or Qdrant",
	}
	cmd.AddCommand(seedRedisCmd(), seedQdrantCmd())
	return cmd
}

func seedRedisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redis",
		Short: "Write a candidate list for a user into Redis",
		Long: `Write (or replace) the candidate list read by the redis candidate source.
The list named "default" is used for users without their own list.

Examples:
  recserve seed redis --count 100                  # default list item_0..item_99
  recserve seed redis --user u42 --items a,b,c     # list for one user
  recserve seed redis --user u42 --delete          # remove a user's list`,
		RunE: runSeedRedis,
	}
	cmd.Flags().String("user", candidates.DefaultListKey, "user id owning the list")
	cmd.Flags().StringSlice("items", nil, "explicit item ids")
	cmd.Flags().Int("count", 0, "generate item_0..item_{count-1} when --items is empty (default: candidate count)")
	cmd.Flags().Bool("delete", false, "delete the list instead of writing it")
	return cmd
}

func runSeedRedis(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	user, _ := cmd.Flags().GetString("user")
	items, _ := cmd.Flags().GetStringSlice("items")
	count, _ := cmd.Flags().GetInt("count")
	del, _ := cmd.Flags().GetBool("delete")

	p, err := candidates.NewRedisProvider(candidates.RedisConfig{
		URL:       cfg.Candidates.RedisURL,
		KeyPrefix: cfg.Candidates.KeyPrefix,
		Count:     cfg.Candidates.Count,
	}, log)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), seedTimeout)
	defer cancel()

	if del {
		if err := p.Delete(ctx, user); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted candidate list for %s\n", user)
		return nil
	}

	if len(items) == 0 {
		if count <= 0 {
			count = cfg.Candidates.Count
		}
		items = candidates.NewStaticProvider(count).Items()
	}
	if err := p.Seed(ctx, user, items); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d candidates for %s\n", len(items), user)
	return nil
}

func seedQdrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qdrant",
		Short: "Create the item and user collections and upsert synthetic embeddings",
		Long: `Create the item and user collections used by the qdrant candidate source
and fill them with deterministic synthetic embeddings, so the server can be
exercised end to end without a trained model.

Examples:
  recserve seed qdrant --items 5000 --users u1,u2,u3
  recserve seed qdrant --items 1000 --users u1 --dim 64 --devices mobile,desktop`,
		RunE: runSeedQdrant,
	}
	cmd.Flags().Int("items", 1000, "number of items (item_0..item_{n-1})")
	cmd.Flags().StringSlice("users", []string{"user_1"}, "user ids to embed")
	cmd.Flags().Int("dim", 32, "embedding dimension")
	cmd.Flags().StringSlice("devices", []string{"mobile", "desktop"}, "device classes items are assigned to; empty leaves items unrestricted")
	cmd.Flags().Int("batch", 256, "points per upsert call")
	return cmd
}

func runSeedQdrant(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	nItems, _ := cmd.Flags().GetInt("items")
	users, _ := cmd.Flags().GetStringSlice("users")
	dim, _ := cmd.Flags().GetInt("dim")
	devices, _ := cmd.Flags().GetStringSlice("devices")
	batchSize, _ := cmd.Flags().GetInt("batch")
	if dim < 1 {
		return fmt.Errorf("--dim must be positive")
	}

	qcfg := qdrant.DefaultClientConfig()
	qcfg.APIKey = cfg.Candidates.QdrantAPIKey
	qcfg.ItemsCollection = cfg.Candidates.ItemsCollection
	qcfg.UsersCollection = cfg.Candidates.UsersCollection
	qcfg, err = qdrant.ParseURL(cfg.Candidates.QdrantURL, qcfg)
	if err != nil {
		return fmt.Errorf("parsing qdrant url: %w", err)
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), seedTimeout)
	defer cancel()

	for _, name := range []string{qcfg.ItemsCollection, qcfg.UsersCollection} {
		if err := client.EnsureCollection(ctx, qdrant.DefaultCollectionConfig(name, uint64(dim))); err != nil {
			return err
		}
	}

	items := syntheticItems(nItems, dim, devices)
	if err := client.UpsertPointsBatch(ctx, qcfg.ItemsCollection, items, batchSize); err != nil {
		return err
	}
	userPoints := make([]qdrant.Point, len(users))
	for i, u := range users {
		userPoints[i] = qdrant.Point{ID: u, Vector: syntheticVector("user", u, dim)}
	}
	if err := client.UpsertPointsBatch(ctx, qcfg.UsersCollection, userPoints, batchSize); err != nil {
		return err
	}

	log.Info("Seeded qdrant", "items", len(items), "users", len(userPoints), "dim", dim)
	fmt.Fprintf(cmd.OutOrStdout(), "upserted %d items into %s and %d users into %s\n",
		len(items), qcfg.ItemsCollection, len(userPoints), qcfg.UsersCollection)

	for _, name := range []string{qcfg.ItemsCollection, qcfg.UsersCollection} {
		info, err := client.GetCollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %-16s %d points (%s)\n", info.Name, info.PointsCount, info.Status)
	}
	return nil
}

// syntheticItems builds item_0..item_{n-1}. Each item gets one device
// class picked by hash, or none when devices is empty.
func syntheticItems(n, dim int, devices []string) []qdrant.Point {
	points := make([]qdrant.Point, max(n, 0))
	for i := range points {
		id := fmt.Sprintf("item_%d", i)
		p := qdrant.Point{ID: id, Vector: syntheticVector("item", id, dim)}
		if len(devices) > 0 {
			p.Devices = []string{devices[hash.Bucket(len(devices), "device", id)]}
		}
		points[i] = p
	}
	return points
}

// syntheticVector derives a stable vector in [-1, 1)^dim from id.
func syntheticVector(kind, id string, dim int) []float32 {
	v := make([]float32, dim)
	for j := range v {
		v[j] = float32(hash.Unit(kind, id, fmt.Sprint(j))*2 - 1)
	}
	return v
}

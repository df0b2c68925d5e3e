package candidates

import (
	"context"
	"reflect"
	"testing"

	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

func TestNewRedisProvider_InvalidURL(t *testing.T) {
	_, err := NewRedisProvider(RedisConfig{URL: "invalid://url"}, logger.Discard())
	if err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestNewRedisProvider_ConnectionFailure(t *testing.T) {
	_, err := NewRedisProvider(RedisConfig{URL: "redis://localhost:9999"}, logger.Discard())
	if err == nil {
		t.Fatal("expected error for connection failure")
	}
}

func TestRedisProvider_SeedAndRead(t *testing.T) {
	// Skip if Redis not available
	p, err := NewRedisProvider(RedisConfig{
		URL:       "redis://localhost:6379/15",
		KeyPrefix: "recserve:test:",
		Count:     3,
	}, logger.Discard())
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer p.Close()

	ctx := context.Background()
	defer p.Delete(ctx, "u1")
	defer p.Delete(ctx, "")

	if err := p.Seed(ctx, "u1", []string{"a", "b", "a", "c", "d"}); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if err := p.Seed(ctx, "", []string{"x", "y"}); err != nil {
		t.Fatalf("Seed(default) error = %v", err)
	}

	got, err := p.CandidatesFor(ctx, rec.UserContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("CandidatesFor() error = %v", err)
	}
	// Count bounds the read before dedupe
	if want := []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("CandidatesFor(u1) = %v, want %v", got, want)
	}

	got, err = p.CandidatesFor(ctx, rec.UserContext{UserID: "nobody"})
	if err != nil {
		t.Fatalf("CandidatesFor() error = %v", err)
	}
	if want := []string{"x", "y"}; !reflect.DeepEqual(got, want) {
		t.Errorf("CandidatesFor(nobody) = %v, want %v", got, want)
	}

	if err := p.Seed(ctx, "u1", []string{"z"}); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	got, _ = p.CandidatesFor(ctx, rec.UserContext{UserID: "u1"})
	if want := []string{"z"}; !reflect.DeepEqual(got, want) {
		t.Errorf("reseeded list = %v, want %v", got, want)
	}
}

package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewKeyReserves(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.Reserve(context.Background(), "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new key, got: %+v", result)
	}
}

func TestIdempotencyService_InFlightDuplicate(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if _, err := svc.Reserve(ctx, "tenant-1", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_CommittedKeyReturnsJob(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	svc.Reserve(ctx, "tenant-1", "key-1")
	if err := svc.Commit(ctx, "tenant-1", "key-1", "job-123", IdempotencyTTL); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	result, err := svc.Reserve(ctx, "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if result == nil || result.JobID != "job-123" {
		t.Fatalf("expected job-123, got %+v", result)
	}
}

func TestIdempotencyService_ForgetAllowsRetry(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	svc.Reserve(ctx, "tenant-1", "key-1")
	if err := svc.Forget(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("forget failed: %v", err)
	}

	result, err := svc.Reserve(ctx, "tenant-1", "key-1")
	if err != nil || result != nil {
		t.Fatalf("expected fresh reservation, got result=%+v err=%v", result, err)
	}
}

func TestIdempotencyService_TenantIsolation(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, "tenant-A", "same-key"); err != nil {
		t.Fatalf("tenant A failed: %v", err)
	}

	result, err := svc.Reserve(ctx, "tenant-B", "same-key")
	if err != nil {
		t.Fatalf("tenant B should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("tenant B should get a fresh reservation")
	}
}

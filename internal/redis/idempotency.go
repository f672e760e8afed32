package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a client-supplied enqueue key maps to its job.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the reservation while the job row is being written.
	processingTTL = 30 * time.Second

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the same key is being enqueued concurrently.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key in flight")

// IdempotencyResult is the job a key was first enqueued as.
type IdempotencyResult struct {
	JobID     string `json:"job_id"`
	CreatedAt int64  `json:"created_at"`
}

// IdempotencyService deduplicates job enqueues by client key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(tenantID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantID, idempotencyKey)
}

// Check retrieves the job recorded for a key.
// Returns (nil, nil) if the key is unknown and ErrDuplicateRequest while the
// first enqueue is still in flight.
func (s *IdempotencyService) Check(ctx context.Context, tenantID, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(tenantID, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("tenant_id", tenantID),
		zap.String("job_id", result.JobID),
	)

	return &result, nil
}

// Reserve atomically claims a key for a new enqueue.
// It returns the previously recorded job when the key was already used.
func (s *IdempotencyService) Reserve(ctx context.Context, tenantID, idempotencyKey string) (*IdempotencyResult, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(tenantID, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if set {
		return nil, nil
	}

	result, err := s.Check(ctx, tenantID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result == nil {
		// Reservation expired between SETNX and GET.
		return nil, ErrDuplicateRequest
	}
	return result, nil
}

// Commit records the job created for a reserved key.
func (s *IdempotencyService) Commit(ctx context.Context, tenantID, idempotencyKey, jobID string, ttl time.Duration) error {
	data, err := json.Marshal(IdempotencyResult{JobID: jobID, CreatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(tenantID, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Forget drops a reservation whose enqueue failed so the client can retry.
func (s *IdempotencyService) Forget(ctx context.Context, tenantID, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(tenantID, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

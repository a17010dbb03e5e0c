// Package archive persists latest-document snapshots to Redis. The archive
// is purely operational: saves are fire-and-forget, reads back the most
// recent snapshot for inspection and recovery tooling, and nothing here ever
// participates in the room's version or history invariants.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/padsync/collab/internal/v1/metrics"
	"github.com/padsync/collab/internal/v1/types"
)

// Service handles all interaction with the Redis cluster. It implements
// types.Archiver; a nil *Service degrades to a no-op so single-instance
// deployments run without Redis at all.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with a circuit breaker for
// graceful degradation when Redis is slow or down.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis snapshot archive", "addr", addr)
	return NewServiceWithClient(rdb), nil
}

// NewServiceWithClient wraps an existing Redis client. Tests use this with
// miniredis.
func NewServiceWithClient(rdb *redis.Client) *Service {
	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

func snapshotKey(roomID string) string {
	return fmt.Sprintf("collab:room:%s", roomID)
}

// SaveSnapshot stores the serialized document and its version under the
// room's hash key. Saves behind an open breaker are dropped, not surfaced:
// losing an archive write never affects the authoritative room state.
func (s *Service) SaveSnapshot(ctx context.Context, roomID string, version int64, doc []byte) error {
	if s == nil || s.client == nil {
		return nil // Archiving disabled
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.HSet(ctx, snapshotKey(roomID), map[string]interface{}{
			"version":   version,
			"doc":       doc,
			"updatedAt": time.Now().UnixMilli(),
		}).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping snapshot save", "roomID", roomID, "version", version)
			return nil // Graceful degradation
		}
		slog.Error("Redis snapshot save failed", "roomID", roomID, "version", version, "error", err)
		return err
	}
	return nil
}

// LoadSnapshot reads the most recently archived snapshot for a room. A room
// with no archived snapshot yields (nil, nil).
func (s *Service) LoadSnapshot(ctx context.Context, roomID string) (*types.Snapshot, error) {
	if s == nil || s.client == nil {
		return nil, nil // Archiving disabled
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.HGetAll(ctx, snapshotKey(roomID)).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: snapshot load unavailable", "roomID", roomID)
			return nil, nil
		}
		slog.Error("Redis snapshot load failed", "roomID", roomID, "error", err)
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	fields := res.(map[string]string)
	if len(fields) == 0 {
		return nil, nil
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt snapshot version for room %s: %w", roomID, err)
	}

	return &types.Snapshot{
		RoomID:  roomID,
		Version: version,
		Doc:     []byte(fields["doc"]),
	}, nil
}

// Ping checks Redis connectivity. Used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Archiving disabled
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"etf_arb/internal/core"

	"github.com/redis/go-redis/v9"
)

// StreamConfig configures the Redis audit stream
type StreamConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// Stream appends audit events to a capped Redis stream
type Stream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// DialStream connects to Redis and pings it
func DialStream(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewStream(client, cfg.Stream, cfg.MaxLen), nil
}

// NewStream wraps an existing client
func NewStream(client *redis.Client, stream string, maxLen int64) *Stream {
	return &Stream{client: client, stream: stream, maxLen: maxLen}
}

// Write appends one event; the stream is trimmed to roughly maxLen entries
func (s *Stream) Write(ctx context.Context, ev core.AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"session_id": ev.SessionID,
			"kind":       string(ev.Kind),
			"data":       payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Ping is used as a health check
func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *Stream) Close() error {
	return s.client.Close()
}

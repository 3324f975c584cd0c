package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowgate/flowgate-go/internal/reliability"
)

// RedisLedger keeps the replay ledger in Redis, one key per tenant. Suited
// to deployments that take webhooks through an edge tier with no Postgres
// access; the optional TTL lets stale tenants age out on their own.
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisLedgerOption configures the ledger
type RedisLedgerOption func(*RedisLedger)

// WithKeyPrefix sets the key namespace (default "flowgate:replay:")
func WithKeyPrefix(prefix string) RedisLedgerOption {
	return func(l *RedisLedger) {
		l.keyPrefix = prefix
	}
}

// WithLedgerTTL expires tenant rows that have not been written for ttl
func WithLedgerTTL(ttl time.Duration) RedisLedgerOption {
	return func(l *RedisLedger) {
		l.ttl = ttl
	}
}

// NewRedisLedger creates a ledger over an existing client.
func NewRedisLedger(client *redis.Client, options ...RedisLedgerOption) *RedisLedger {
	l := &RedisLedger{
		client:    client,
		keyPrefix: "flowgate:replay:",
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

func (l *RedisLedger) key(tenantID string) string {
	return l.keyPrefix + tenantID
}

// Get implements reliability.Ledger
func (l *RedisLedger) Get(ctx context.Context, tenantID string) (*reliability.LedgerEntry, error) {
	raw, err := l.client.Get(ctx, l.key(tenantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var entry reliability.LedgerEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal ledger entry: %w", err)
	}
	return &entry, nil
}

// Upsert implements reliability.Ledger
func (l *RedisLedger) Upsert(ctx context.Context, entry reliability.LedgerEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	return l.client.Set(ctx, l.key(entry.TenantID), raw, l.ttl).Err()
}

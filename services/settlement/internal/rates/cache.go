package rates

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCachePrefix = "evx:settlement:rates:"

// CachedProvider keeps the upstream snapshot in redis for a TTL. Redis
// failures fall through to the upstream so a cache outage never blocks
// settlement.
type CachedProvider struct {
	client   *redis.Client
	upstream Provider
	ttl      time.Duration
	prefix   string
	logger   *slog.Logger
}

func NewCachedProvider(client *redis.Client, upstream Provider, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{
		client:   client,
		upstream: upstream,
		ttl:      ttl,
		prefix:   defaultCachePrefix,
		logger:   logger,
	}
}

func (p *CachedProvider) Snapshot(ctx context.Context) (*Snapshot, error) {
	key := p.prefix + "snapshot"

	raw, err := p.client.Get(ctx, key).Bytes()
	if err == nil {
		var snap Snapshot
		if unmarshalErr := json.Unmarshal(raw, &snap); unmarshalErr == nil && len(snap.Rates) > 0 {
			return &snap, nil
		}
		p.logger.Warn("discarding malformed cached rate snapshot", "key", key)
	} else if err != redis.Nil {
		p.logger.Warn("rate cache read failed, using upstream", "error", err)
	}

	snap, err := p.upstream.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if encoded, marshalErr := json.Marshal(snap); marshalErr == nil {
		if setErr := p.client.Set(ctx, key, encoded, p.ttl).Err(); setErr != nil {
			p.logger.Warn("rate cache write failed", "error", setErr)
		}
	}
	return snap, nil
}

package cache

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/models"
	"github.com/canopy-network/chaingate/pkg/redis"
)

// DefaultKeyPrefix namespaces metadata entries in Redis.
const DefaultKeyPrefix = "gateway:metadata:"

// RedisStore keeps metadata as JSON strings with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore returns a store on client. A zero ttl keeps entries forever.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: DefaultKeyPrefix, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(hash string) string {
	return s.prefix + hash
}

// GetMany reads all hashes with a single MGET.
func (s *RedisStore) GetMany(ctx context.Context, hashes []string) (map[string]models.ChainMetadata, error) {
	out := make(map[string]models.ChainMetadata, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.key(h)
	}

	vals, err := s.client.GetClient().MGet(ctx, keys...).Result()
	if err != nil {
		return out, err
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var md models.ChainMetadata
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			s.logger.Warn("Dropping undecodable cached metadata", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out[hashes[i]] = md
	}
	return out, nil
}

// SetMany writes entries in one pipeline.
func (s *RedisStore) SetMany(ctx context.Context, entries []models.ChainMetadata) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.client.GetClient().Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, md := range entries {
			b, err := json.Marshal(md)
			if err != nil {
				return err
			}
			p.Set(ctx, s.key(md.BlockHash), b, s.ttl)
		}
		return nil
	})
	return err
}

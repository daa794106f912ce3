package embeddings

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache is the optional shared-process tier for the embedding
// cache, letting multiple reply-pipeline replicas share hits instead of
// each warming an independent in-memory map.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func cacheKey(h uint64) string {
	return "embedcache:" + strconv.FormatUint(h, 36)
}

func (c *RedisCache) Get(ctx context.Context, h uint64) ([]float32, bool) {
	raw, err := c.client.Get(ctx, cacheKey(h)).Bytes()
	if err != nil {
		return nil, false
	}
	return decodeVector(raw), true
}

func (c *RedisCache) Set(ctx context.Context, h uint64, v []float32, ttl time.Duration) {
	if err := c.client.Set(ctx, cacheKey(h), encodeVector(v), ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("redis embedding cache write failed")
	}
}

func (c *RedisCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(buf[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

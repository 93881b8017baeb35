package oracle

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"lendbook/native/lending"
)

// RedisConfig holds connection parameters for the Redis price store.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// KeyPrefix namespaces the price hashes. Defaults to "price:".
	KeyPrefix string
}

// hashStore is the subset of *redis.Client used by the oracle.
type hashStore interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

const (
	fieldPrice     = "price"
	fieldUpdatedAt = "updated_at"
)

// Redis reads prices published by an external feeder. Each token is a hash at
// "{prefix}{token}" with fields "price" (decimal integer) and "updated_at"
// (Unix nanoseconds).
type Redis struct {
	rdb    hashStore
	closer func() error
	prefix string
}

// DialRedis connects to Redis, pings it and returns the oracle.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	o := newRedis(rdb, cfg.KeyPrefix)
	o.closer = rdb.Close
	return o, nil
}

func newRedis(rdb hashStore, prefix string) *Redis {
	if prefix == "" {
		prefix = "price:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) key(token string) string {
	return r.prefix + token
}

// Publish stores the latest price for token.
func (r *Redis) Publish(ctx context.Context, token string, price *uint256.Int, updatedAt time.Time) error {
	if price == nil || price.BitLen() > 128 {
		return fmt.Errorf("%w: price must fit in 128 bits", ErrInvalidPrice)
	}
	fields := map[string]interface{}{
		fieldPrice:     price.Dec(),
		fieldUpdatedAt: strconv.FormatInt(updatedAt.UnixNano(), 10),
	}
	if err := r.rdb.HSet(ctx, r.key(token), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", token, err)
	}
	return nil
}

// Price implements lending.PriceOracle. The timestamp is not checked.
func (r *Redis) Price(ctx context.Context, token string) (*uint256.Int, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get price %s: %w", token, err)
	}
	raw, ok := vals[fieldPrice]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceNotFound, token)
	}
	price, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("redis: parse price %s: %w", token, err)
	}
	if price.BitLen() > 128 {
		return nil, fmt.Errorf("%w: %s exceeds 128 bits", ErrInvalidPrice, token)
	}
	return price, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

var _ lending.PriceOracle = (*Redis)(nil)

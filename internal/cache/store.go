package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sawpanic/marketfeed/internal/model"
)

// ExternalStore is the external snapshot/stream/broadcast surface a Sink
// writes to. Grounded on the teacher's RedisCacheManager, reshaped around
// the canonical per-kind hash families and trade streams this system's
// external-store surface specifies instead of an arbitrary TTL cache.
type ExternalStore interface {
	// WriteSnapshot upserts one record's JSON encoding into the per-kind
	// hash family, under field "venue:SYMBOL".
	WriteSnapshot(ctx context.Context, kind model.DataKind, venue, symbol string, payload []byte) error

	// AppendTrade appends payload to the per-venue-per-symbol trade stream,
	// trimmed (approximately) to maxLen entries.
	AppendTrade(ctx context.Context, venue, symbol string, payload []byte, maxLen int64, approxTrim bool) error

	// Publish broadcasts envelope on the single named market-data channel.
	Publish(ctx context.Context, envelope []byte) error

	// Close releases both underlying clients.
	Close() error
}

// RedisConfig configures RedisStore's connection.
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

func (c RedisConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisStore is the default ExternalStore, backed by two go-redis/v9
// clients per spec: one for key/value and stream commands, one dedicated
// to broadcast publishes so a slow subscriber can never back-pressure
// snapshot or trade-log writes.
type RedisStore struct {
	cmdClient *redis.Client
	pubClient *redis.Client
	keyPrefix string
}

// NewRedisStore dials two independent clients against the same Redis
// instance (or cluster endpoint) described by cfg.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	opts := &redis.Options{
		Addr:         cfg.addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	cmdOpts := *opts
	pubOpts := *opts

	return &RedisStore{
		cmdClient: redis.NewClient(&cmdOpts),
		pubClient: redis.NewClient(&pubOpts),
		keyPrefix: cfg.KeyPrefix,
	}
}

func (s *RedisStore) snapshotKey(kind model.DataKind, symbol string) string {
	var family string
	switch kind {
	case model.KindTicker:
		family = "ticker"
	case model.KindDepth:
		family = "depth"
	case model.KindFundingRate:
		family = "funding"
	case model.KindKline:
		family = "kline"
	default:
		family = string(kind)
	}
	return fmt.Sprintf("%smarket:%s:%s", s.keyPrefix, family, symbol)
}

func (s *RedisStore) tradeStreamKey(venue, symbol string) string {
	return fmt.Sprintf("%smarket:trades:%s:%s", s.keyPrefix, venue, symbol)
}

// WriteSnapshot implements ExternalStore.
func (s *RedisStore) WriteSnapshot(ctx context.Context, kind model.DataKind, venue, symbol string, payload []byte) error {
	field := venue + ":" + symbol
	if err := s.cmdClient.HSet(ctx, s.snapshotKey(kind, symbol), field, payload).Err(); err != nil {
		return fmt.Errorf("cache: write snapshot %s/%s: %w", kind, field, err)
	}
	return nil
}

// AppendTrade implements ExternalStore.
func (s *RedisStore) AppendTrade(ctx context.Context, venue, symbol string, payload []byte, maxLen int64, approxTrim bool) error {
	args := &redis.XAddArgs{
		Stream: s.tradeStreamKey(venue, symbol),
		MaxLen: maxLen,
		Approx: approxTrim,
		Values: map[string]interface{}{"data": payload},
	}
	if err := s.cmdClient.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("cache: append trade %s/%s: %w", venue, symbol, err)
	}
	return nil
}

// Publish implements ExternalStore.
func (s *RedisStore) Publish(ctx context.Context, envelope []byte) error {
	if err := s.pubClient.Publish(ctx, BroadcastChannel, envelope).Err(); err != nil {
		return fmt.Errorf("cache: publish: %w", err)
	}
	return nil
}

// Ping verifies the command client can reach Redis, used by the facade's
// start() when the external store is configured as mandatory.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.cmdClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// Close implements ExternalStore.
func (s *RedisStore) Close() error {
	cmdErr := s.cmdClient.Close()
	pubErr := s.pubClient.Close()
	if cmdErr != nil {
		return cmdErr
	}
	return pubErr
}

// BroadcastChannel is the single named pub/sub channel every venue's
// normalized records are published on.
const BroadcastChannel = "market_data"

// NoopStore discards every write; used when configuration disables the
// external store (enableRedis=false) so the in-memory path and in-process
// event emission keep working with no Redis dependency at all.
type NoopStore struct{}

func (NoopStore) WriteSnapshot(ctx context.Context, kind model.DataKind, venue, symbol string, payload []byte) error {
	return nil
}

func (NoopStore) AppendTrade(ctx context.Context, venue, symbol string, payload []byte, maxLen int64, approxTrim bool) error {
	return nil
}

func (NoopStore) Publish(ctx context.Context, envelope []byte) error { return nil }

func (NoopStore) Close() error { return nil }

var _ ExternalStore = (*RedisStore)(nil)
var _ ExternalStore = NoopStore{}

// envelope is the broadcast JSON shape: {type, data, timestamp}.
type envelope struct {
	Type      model.DataKind `json:"type"`
	Data      interface{}    `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

func marshalEnvelope(kind model.DataKind, data interface{}, timestamp int64) ([]byte, error) {
	return json.Marshal(envelope{Type: kind, Data: data, Timestamp: timestamp})
}

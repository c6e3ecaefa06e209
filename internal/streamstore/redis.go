package streamstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/framebuf/framebuf/internal/models"
)

// Options configures the Redis-backed store.
type Options struct {
	// URL is a redis:// connection URL.
	URL string
	// PoolSize limits connections per host.
	PoolSize int
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// MaxSessionErrors is the number of consecutive command errors after
	// which the underlying client is recreated.
	MaxSessionErrors int
	// Logger receives connection lifecycle events.
	Logger *slog.Logger
}

// RedisStore implements Store on Redis Streams.
type RedisStore struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	client *redis.Client

	consecutiveErrs atomic.Int64
}

// NewRedisStore connects to the store. The connection itself is lazy; use
// Ping to verify reachability at startup.
func NewRedisStore(opts Options) (*RedisStore, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxSessionErrors <= 0 {
		opts.MaxSessionErrors = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client, err := newClient(opts)
	if err != nil {
		return nil, err
	}

	return &RedisStore{
		opts:   opts,
		logger: opts.Logger,
		client: client,
	}, nil
}

func newClient(opts Options) (*redis.Client, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, models.NewError(models.KindFatal, fmt.Errorf("parsing stream store url: %w", err))
	}
	ropts.PoolSize = opts.PoolSize
	ropts.DialTimeout = opts.DialTimeout
	ropts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, network, addr)
	}
	return redis.NewClient(ropts), nil
}

func (s *RedisStore) c() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// observe tracks command outcomes and recreates the session after too many
// consecutive errors. An empty-read timeout is a successful round trip and
// resets the count.
func (s *RedisStore) observe(err error) error {
	if err == nil {
		s.consecutiveErrs.Store(0)
		return nil
	}
	n := s.consecutiveErrs.Add(1)
	if n >= int64(s.opts.MaxSessionErrors) {
		s.recreateSession()
		s.consecutiveErrs.Store(0)
	}
	return models.NewError(models.KindTransient, err)
}

func (s *RedisStore) recreateSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.client
	client, err := newClient(s.opts)
	if err != nil {
		s.logger.Error("recreating stream store session failed", slog.Any("error", err))
		return
	}
	s.client = client
	if old != nil {
		_ = old.Close()
	}
	s.logger.Warn("stream store session recreated after consecutive errors")
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.c().XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", s.observe(err)
	}
	s.observe(nil)
	return id, nil
}

// ReadGroup implements Store.
func (s *RedisStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.c().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block timeout with nothing to deliver.
			s.observe(nil)
			return nil, nil
		}
		return nil, s.observe(err)
	}
	s.observe(nil)

	var entries []Entry
	for _, str := range res {
		for _, msg := range str.Messages {
			entries = append(entries, Entry{ID: msg.ID, Fields: stringFields(msg.Values)})
		}
	}
	return entries, nil
}

// Ack implements Store.
func (s *RedisStore) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.c().XAck(ctx, stream, group, ids...).Err(); err != nil {
		return s.observe(err)
	}
	s.observe(nil)
	return nil
}

// CreateGroup implements Store. Creating a group that already exists is
// not an error.
func (s *RedisStore) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := s.c().XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return s.observe(err)
	}
	s.observe(nil)
	return nil
}

// Pending implements Store.
func (s *RedisStore) Pending(ctx context.Context, stream, group string) (PendingSummary, error) {
	p, err := s.c().XPending(ctx, stream, group).Result()
	if err != nil {
		if isNoGroupErr(err) {
			s.observe(nil)
			return PendingSummary{}, nil
		}
		return PendingSummary{}, s.observe(err)
	}
	s.observe(nil)
	return PendingSummary{
		Count:     p.Count,
		OldestID:  p.Lower,
		Consumers: len(p.Consumers),
	}, nil
}

// PendingDetails implements Store.
func (s *RedisStore) PendingDetails(ctx context.Context, stream, group string, count int64) ([]PendingDetail, error) {
	ext, err := s.c().XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if isNoGroupErr(err) || errors.Is(err, redis.Nil) {
			s.observe(nil)
			return nil, nil
		}
		return nil, s.observe(err)
	}
	s.observe(nil)

	details := make([]PendingDetail, 0, len(ext))
	for _, p := range ext {
		details = append(details, PendingDetail{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return details, nil
}

// Length implements Store.
func (s *RedisStore) Length(ctx context.Context, stream string) (int64, error) {
	n, err := s.c().XLen(ctx, stream).Result()
	if err != nil {
		return 0, s.observe(err)
	}
	s.observe(nil)
	return n, nil
}

// OldestEntry implements Store.
func (s *RedisStore) OldestEntry(ctx context.Context, stream string) (*Entry, error) {
	msgs, err := s.c().XRangeN(ctx, stream, "-", "+", 1).Result()
	if err != nil {
		return nil, s.observe(err)
	}
	s.observe(nil)
	if len(msgs) == 0 {
		return nil, nil
	}
	return &Entry{ID: msgs[0].ID, Fields: stringFields(msgs[0].Values)}, nil
}

// TrimMaxLen implements Store.
func (s *RedisStore) TrimMaxLen(ctx context.Context, stream string, maxLen int64) (int64, error) {
	n, err := s.c().XTrimMaxLen(ctx, stream, maxLen).Result()
	if err != nil {
		return 0, s.observe(err)
	}
	s.observe(nil)
	return n, nil
}

// TrimMinID implements Store.
func (s *RedisStore) TrimMinID(ctx context.Context, stream, minID string) (int64, error) {
	n, err := s.c().XTrimMinID(ctx, stream, minID).Result()
	if err != nil {
		return 0, s.observe(err)
	}
	s.observe(nil)
	return n, nil
}

// ScanKeys implements Store.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.c().Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, s.observe(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	s.observe(nil)
	return keys, nil
}

// SetNX implements Store.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.c().SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, s.observe(err)
	}
	s.observe(nil)
	return ok, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.c().Del(ctx, key).Err(); err != nil {
		return s.observe(err)
	}
	s.observe(nil)
	return nil
}

// PutBlob implements Store.
func (s *RedisStore) PutBlob(ctx context.Context, key string, data []byte) error {
	if err := s.c().Set(ctx, key, data, 0).Err(); err != nil {
		return s.observe(err)
	}
	s.observe(nil)
	return nil
}

// GetBlob implements Store.
func (s *RedisStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	data, err := s.c().Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.observe(nil)
			return nil, nil
		}
		return nil, s.observe(err)
	}
	s.observe(nil)
	return data, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.c().Ping(ctx).Err(); err != nil {
		return s.observe(err)
	}
	s.observe(nil)
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.c().Close()
}

func isNoGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			fields[k] = t
		case []byte:
			fields[k] = string(t)
		case int64:
			fields[k] = strconv.FormatInt(t, 10)
		default:
			fields[k] = fmt.Sprint(t)
		}
	}
	return fields
}

// EntryAge returns the wall-clock age of a stream entry id, which encodes
// the append time in milliseconds.
func EntryAge(id string, now time.Time) (time.Duration, bool) {
	idx := strings.IndexByte(id, '-')
	if idx <= 0 {
		return 0, false
	}
	ms, err := strconv.ParseInt(id[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	age := now.Sub(time.UnixMilli(ms))
	if age < 0 {
		age = 0
	}
	return age, true
}

// Package redis provides Redis-backed implementations of outbound ports
// for multi-instance gateway deployments.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chimera-gw/chimera/internal/domain/session"
)

const keyPrefix = "chimera:session:"

// RedisSessionStore implements session.SessionStore on Redis so that all
// gateway replicas share taint flags and risk history. Session state lives
// in a hash per session; risk events live in a sorted set scored by event
// time, which makes window pruning a single ZREMRANGEBYSCORE.
//
// Idle eviction is delegated to Redis key TTLs, so there is no cleanup
// goroutine and no eviction callback. Deployments that need attack records
// finalized on eviction should use the in-memory store or finalize at
// shutdown.
type RedisSessionStore struct {
	client  *goredis.Client
	window  time.Duration
	idleTTL time.Duration
}

// NewRedisSessionStore connects to Redis and verifies connectivity.
func NewRedisSessionStore(addr, password string, db int, window, idleTTL time.Duration) (*RedisSessionStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis session store connected", "addr", addr, "db", db)
	return NewRedisSessionStoreWithClient(client, window, idleTTL), nil
}

// NewRedisSessionStoreWithClient wraps an existing client. The store takes
// ownership of the client: Stop closes it.
func NewRedisSessionStoreWithClient(client *goredis.Client, window, idleTTL time.Duration) *RedisSessionStore {
	if window <= 0 {
		window = session.DefaultWindow
	}
	if idleTTL <= 0 {
		idleTTL = session.DefaultIdleTTL
	}
	return &RedisSessionStore{client: client, window: window, idleTTL: idleTTL}
}

func sessionKey(id string) string { return keyPrefix + id }
func riskKey(id string) string    { return keyPrefix + id + ":risk" }

// eventScore maps a timestamp onto a sorted set score with microsecond precision.
func eventScore(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// Touch returns the session with the given id, creating it on first contact.
// Updates LastSeen and refreshes the idle TTL on both keys.
func (s *RedisSessionStore) Touch(ctx context.Context, id string) (*session.Session, error) {
	now := time.Now().UTC()
	key := sessionKey(id)

	// HSETNX makes creation race-free across replicas: the first writer
	// sets created_at, later writers only bump last_seen.
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "created_at", now.Format(time.RFC3339Nano))
		pipe.HSetNX(ctx, key, "tainted", "0")
		pipe.HSet(ctx, key, "last_seen", now.Format(time.RFC3339Nano))
		pipe.Expire(ctx, key, s.idleTTL)
		pipe.Expire(ctx, riskKey(id), s.idleTTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis touch: %w", err)
	}

	return s.load(ctx, id)
}

// Get retrieves a session by ID without creating it.
// Returns session.ErrSessionNotFound if the session doesn't exist.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	return s.load(ctx, id)
}

// MarkTainted sets the taint flag. The first call records the source;
// later calls are no-ops. The flag never clears.
func (s *RedisSessionStore) MarkTainted(ctx context.Context, id, source string) error {
	key := sessionKey(id)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis EXISTS: %w", err)
	}
	if exists == 0 {
		return session.ErrSessionNotFound
	}

	// First writer wins on the source; the flag itself is monotonic.
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "taint_source", source)
		pipe.HSet(ctx, key, "tainted", "1")
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mark tainted: %w", err)
	}
	return nil
}

// RecordRisk appends a risk event at now and prunes events that have
// fallen out of the trailing window.
func (s *RedisSessionStore) RecordRisk(ctx context.Context, id string, risk float64, tool string, now time.Time) error {
	key := sessionKey(id)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis EXISTS: %w", err)
	}
	if exists == 0 {
		return session.ErrSessionNotFound
	}

	member, err := json.Marshal(session.RiskEvent{Timestamp: now, Risk: risk, Tool: tool})
	if err != nil {
		return fmt.Errorf("marshal risk event: %w", err)
	}
	cutoff := strconv.FormatFloat(eventScore(now.Add(-s.window)), 'f', 6, 64)

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, riskKey(id), goredis.Z{Score: eventScore(now), Member: string(member)})
		pipe.ZRemRangeByScore(ctx, riskKey(id), "-inf", cutoff)
		pipe.HSet(ctx, key, "last_seen", now.UTC().Format(time.RFC3339Nano))
		pipe.Expire(ctx, key, s.idleTTL)
		pipe.Expire(ctx, riskKey(id), s.idleTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record risk: %w", err)
	}
	return nil
}

// AccumulatedRisk sums the retained risk events within the trailing window
// ending at now.
func (s *RedisSessionStore) AccumulatedRisk(ctx context.Context, id string, now time.Time) (float64, error) {
	exists, err := s.client.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis EXISTS: %w", err)
	}
	if exists == 0 {
		return 0, session.ErrSessionNotFound
	}

	// Exclusive lower bound: events exactly at the cutoff are out of window.
	min := "(" + strconv.FormatFloat(eventScore(now.Add(-s.window)), 'f', 6, 64)
	members, err := s.client.ZRangeByScore(ctx, riskKey(id), &goredis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZRANGEBYSCORE: %w", err)
	}

	var sum float64
	for _, m := range members {
		var ev session.RiskEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			slog.Warn("skipping malformed risk event", "session_id", id, "error", err)
			continue
		}
		sum += ev.Risk
	}
	return sum, nil
}

// Stop closes the underlying Redis client.
func (s *RedisSessionStore) Stop() {
	if err := s.client.Close(); err != nil {
		slog.Warn("closing redis client", "error", err)
	}
}

// load reads the session hash and its risk events.
func (s *RedisSessionStore) load(ctx context.Context, id string) (*session.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL: %w", err)
	}
	if len(fields) == 0 {
		return nil, session.ErrSessionNotFound
	}

	sess := &session.Session{ID: id}
	if v := fields["created_at"]; v != "" {
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["last_seen"]; v != "" {
		sess.LastSeen, _ = time.Parse(time.RFC3339Nano, v)
	}
	sess.Tainted = fields["tainted"] == "1"
	sess.TaintSource = fields["taint_source"]

	// Oldest first, matching the in-memory store.
	members, err := s.client.ZRangeByScore(ctx, riskKey(id), &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYSCORE: %w", err)
	}
	for _, m := range members {
		var ev session.RiskEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			slog.Warn("skipping malformed risk event", "session_id", id, "error", err)
			continue
		}
		sess.RiskEvents = append(sess.RiskEvents, ev)
	}
	return sess, nil
}

// Compile-time interface verification.
var _ session.SessionStore = (*RedisSessionStore)(nil)

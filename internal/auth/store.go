package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/config"
)

// sessionKeyPrefix namespaces session keys in Redis.
const sessionKeyPrefix = "session:"

// SessionStore persists login sessions in Redis so they survive server
// restarts and are shared by every worker handling requests.
type SessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewSessionStore connects to Redis using the given configuration and
// verifies the connection with a ping.
func NewSessionStore(cfg config.RedisConfig, ttl time.Duration, logger *zap.Logger) (*SessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	store, err := NewSessionStoreWithClient(client, ttl, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewSessionStoreWithClient creates a session store on an existing Redis
// client. Used by tests with a miniredis-backed client.
func NewSessionStoreWithClient(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) (*SessionStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}

	store := &SessionStore{
		client: client,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Ping verifies the Redis connection.
func (s *SessionStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Create mints a new session for admin and stores it under a fresh random
// token with the configured TTL.
func (s *SessionStore) Create(ctx context.Context, admin string, serverAdmin bool) (*Session, error) {
	now := s.now().UTC()
	session := &Session{
		Token:       uuid.New().String(),
		Admin:       admin,
		ServerAdmin: serverAdmin,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	// SetNX guards against token collisions; with UUID tokens a collision
	// means something is badly wrong.
	ok, err := s.client.SetNX(ctx, sessionKeyPrefix+session.Token, data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: token %s", ErrSessionExists, session.Token)
	}

	s.logger.Info("session created",
		zap.String("admin", admin),
		zap.Bool("server_admin", serverAdmin),
		zap.Time("expires_at", session.ExpiresAt),
	)
	return session, nil
}

// Get looks up a session by token. Returns ErrSessionNotFound for unknown or
// expired tokens.
func (s *SessionStore) Get(ctx context.Context, token string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.Expired(s.now().UTC()) {
		// Redis expiry lags our clock by at most its key-sweep granularity;
		// treat the token as gone either way.
		_ = s.client.Del(ctx, sessionKeyPrefix+token).Err()
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// Delete removes a session, ending the login. Deleting an unknown token is
// not an error.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+token).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *SessionStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// Package redisstore keeps the session in a Redis key and propagates changes
// between processes over a Redis pub/sub channel.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-client/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ credentials.Store = (*RedisStore)(nil)

const (
	defaultKey       = "session:credentials"
	defaultChannel   = "session:changes"
	operationTimeout = 5 * time.Second
	maxTxRetries     = 5
)

var errNoSession = errors.New("no session")

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type changeMessage struct {
	Kind   credentials.ChangeKind `json:"kind"`
	Origin string                 `json:"origin"`
}

type RedisStore struct {
	rdb      *redis.Client
	key      string
	channel  string
	id       string
	notifier *credentials.Notifier
	logger   zerolog.Logger
}

type Option func(*RedisStore)

func WithKey(key string) Option {
	return func(s *RedisStore) {
		s.key = key
	}
}

func WithChannel(channel string) Option {
	return func(s *RedisStore) {
		s.channel = channel
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewFromURL connects to Redis (e.g. redis://:pass@host:6379/0) and fails fast when unreachable.
func NewFromURL(ctx context.Context, redisURL string, options ...Option) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return New(rdb, options...), nil
}

func New(rdb *redis.Client, options ...Option) *RedisStore {
	s := &RedisStore{
		rdb:      rdb,
		key:      defaultKey,
		channel:  defaultChannel,
		id:       uuid.NewString(),
		notifier: credentials.NewNotifier(),
		logger:   log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *RedisStore) ID() string {
	return s.id
}

func (s *RedisStore) Get() (*credentials.Session, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	session, err := s.load(ctx, s.rdb)
	if err != nil {
		if !errors.Is(err, errNoSession) {
			s.logger.Err(err).Str("key", s.key).Msg("redisstore: failed to read session")
		}
		return nil, false
	}
	return session, true
}

func (s *RedisStore) Set(session *credentials.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	data, err := json.Marshal(session)
	if err != nil {
		s.logger.Err(err).Msg("redisstore: failed to encode session")
		return
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		s.logger.Err(err).Str("key", s.key).Msg("redisstore: failed to write session")
		return
	}
	s.publish(ctx, credentials.Updated)
}

func (s *RedisStore) SetTokens(accessToken, refreshToken string, user *credentials.User) bool {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	err := s.update(ctx, func(session *credentials.Session) {
		credentials.ApplyTokens(session, accessToken, refreshToken, user)
	})
	if err != nil {
		if !errors.Is(err, errNoSession) {
			s.logger.Err(err).Str("key", s.key).Msg("redisstore: failed to rotate tokens")
		}
		return false
	}
	s.publish(ctx, credentials.Updated)
	return true
}

func (s *RedisStore) Touch(at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	err := s.update(ctx, func(session *credentials.Session) {
		session.LastActivityAt = at
	})
	if err != nil && !errors.Is(err, errNoSession) {
		s.logger.Err(err).Str("key", s.key).Msg("redisstore: failed to persist activity")
	}
}

func (s *RedisStore) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		s.logger.Err(err).Str("key", s.key).Msg("redisstore: failed to clear session")
	}
	s.publish(ctx, credentials.Cleared)
}

func (s *RedisStore) Subscribe() (<-chan credentials.Change, func()) {
	return s.notifier.Subscribe()
}

// Watch relays changes published by other processes to local subscribers
// until ctx is done.
func (s *RedisStore) Watch(ctx context.Context) error {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change changeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					s.logger.Err(err).Str("channel", s.channel).Msg("redisstore: bad change message")
					continue
				}
				if change.Origin == s.id {
					continue
				}
				s.notifier.Publish(credentials.Change{Kind: change.Kind, Origin: change.Origin})
			}
		}
	}()
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// update applies fn to the stored session inside a WATCH/MULTI transaction so
// concurrent writers never interleave a partial session.
func (s *RedisStore) update(ctx context.Context, fn func(*credentials.Session)) error {
	txf := func(tx *redis.Tx) error {
		session, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		fn(session)
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (s *RedisStore) load(ctx context.Context, c getter) (*credentials.Session, error) {
	data, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errNoSession
	}
	if err != nil {
		return nil, err
	}
	var session credentials.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *RedisStore) publish(ctx context.Context, kind credentials.ChangeKind) {
	change := credentials.Change{Kind: kind, Origin: s.id}
	s.notifier.Publish(change)

	payload, err := json.Marshal(changeMessage{Kind: kind, Origin: s.id})
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Err(err).Str("channel", s.channel).Msg("redisstore: failed to publish change")
	}
}

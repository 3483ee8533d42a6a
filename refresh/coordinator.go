package refresh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-session-client/authapi"
	"github.com/jrsteele09/go-session-client/credentials"
	"github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 15 * time.Second

// Renewer performs the token-renewal network call.
type Renewer interface {
	RefreshToken(ctx context.Context, refreshToken string) (*authapi.TokenResponse, error)
}

// FailureReason classifies a failed renewal.
type FailureReason string

const (
	NoRefreshToken   FailureReason = "no_refresh_token"
	RejectedByServer FailureReason = "rejected_by_server"
	NetworkError     FailureReason = "network_error"
)

// Outcome is the result of one renewal cycle, shared by every caller that
// waited on it.
type Outcome struct {
	Session *credentials.Session // the session as written by the renewal, on success
	Reason  FailureReason        // empty on success
	Err     error                // nil on success
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

func (o Outcome) String() string {
	if o.OK() {
		return "success"
	}
	return string(o.Reason)
}

// Coordinator runs at most one renewal at a time. Callers arriving while a
// renewal is in flight queue behind it and receive its outcome, released in
// the order they arrived.
type Coordinator struct {
	store   credentials.Store
	renewer Renewer
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics

	lock     sync.Mutex
	inFlight bool
	waiters  []chan Outcome

	calls atomic.Int64
}

type Option func(*Coordinator)

// WithTimeout bounds each renewal network call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func NewCoordinator(store credentials.Store, renewer Renewer, options ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		renewer: renewer,
		timeout: defaultTimeout,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	return c
}

// Refresh renews the access token, or joins the renewal already in flight.
// If ctx ends first the caller stops waiting; the renewal itself carries on
// for the remaining waiters.
func (c *Coordinator) Refresh(ctx context.Context) Outcome {
	waiter := make(chan Outcome, 1)

	c.lock.Lock()
	c.waiters = append(c.waiters, waiter)
	start := !c.inFlight
	c.inFlight = true
	c.lock.Unlock()

	if start {
		go c.run(context.WithoutCancel(ctx))
	} else {
		c.metrics.RefreshWaiters.Inc()
	}

	select {
	case outcome := <-waiter:
		return outcome
	case <-ctx.Done():
		return Outcome{Reason: NetworkError, Err: fmt.Errorf("%w: %w", errors.ErrRefreshNetwork, ctx.Err())}
	}
}

// InFlight reports whether a renewal is currently running.
func (c *Coordinator) InFlight() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.inFlight
}

// Calls returns how many renewal network calls have been started.
func (c *Coordinator) Calls() int64 {
	return c.calls.Load()
}

func (c *Coordinator) run(ctx context.Context) {
	outcome := c.renew(ctx)

	// The flag is cleared and the queue taken in one step: anyone queued
	// before this point gets this outcome, anyone after starts a new cycle.
	c.lock.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.inFlight = false
	c.lock.Unlock()

	for _, w := range waiters {
		o := outcome
		o.Session = outcome.Session.Clone()
		w <- o
	}
}

func (c *Coordinator) renew(ctx context.Context) Outcome {
	session, ok := c.store.Get()
	if !ok || session.RefreshToken == "" {
		c.metrics.RefreshTotal.WithLabelValues(string(NoRefreshToken)).Inc()
		return Outcome{Reason: NoRefreshToken, Err: errors.ErrNoRefreshToken}
	}

	c.calls.Add(1)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.renewer.RefreshToken(ctx, session.RefreshToken)
	c.metrics.RefreshSeconds.Observe(time.Since(started).Seconds())

	outcome := c.settle(resp, err)
	c.metrics.RefreshTotal.WithLabelValues(outcome.String()).Inc()
	if outcome.OK() {
		c.logger.Debug().Str("access_token", credentials.Redact(outcome.Session.AccessToken)).Msg("refresh: token renewed")
	} else {
		c.logger.Warn().Err(outcome.Err).Str("reason", string(outcome.Reason)).Msg("refresh: renewal failed")
	}
	return outcome
}

func (c *Coordinator) settle(resp *authapi.TokenResponse, err error) Outcome {
	switch {
	case errors.Is(err, errors.ErrRefreshRejected):
		return Outcome{Reason: RejectedByServer, Err: err}
	case errors.Is(err, errors.ErrRefreshNetwork):
		return Outcome{Reason: NetworkError, Err: err}
	case err != nil:
		return Outcome{Reason: NetworkError, Err: fmt.Errorf("%w: %w", errors.ErrRefreshNetwork, err)}
	case resp == nil || resp.AccessToken == "":
		return Outcome{Reason: RejectedByServer, Err: errors.Wrapf(errors.ErrRefreshRejected, "empty renewal response")}
	}

	// Access token, rotated refresh token and user land in a single write.
	if !c.store.SetTokens(resp.AccessToken, resp.RefreshToken, resp.User) {
		return Outcome{Reason: NoRefreshToken, Err: fmt.Errorf("%w: %w", errors.ErrNoRefreshToken, errors.ErrNoSession)}
	}
	session, ok := c.store.Get()
	if !ok {
		return Outcome{Reason: NoRefreshToken, Err: fmt.Errorf("%w: %w", errors.ErrNoRefreshToken, errors.ErrNoSession)}
	}
	return Outcome{Session: session}
}

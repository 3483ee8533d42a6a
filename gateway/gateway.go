package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-client/authapi"
	"github.com/jrsteele09/go-session-client/credentials"
	"github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/refresh"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	headerAuthorization = "Authorization"
	headerRequestID     = "X-Request-ID"
	maxDrain            = 64 << 10
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// ContextKeySkipAuth marks a request that must be sent without credentials.
const ContextKeySkipAuth ContextKey = "skip_auth"

// WithoutAuth returns a context whose requests are sent anonymously and
// bypass all session handling.
func WithoutAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, ContextKeySkipAuth, true)
}

func skipsAuth(ctx context.Context) bool {
	skip, _ := ctx.Value(ContextKeySkipAuth).(bool)
	return skip
}

// Refresher renews the access token; implemented by refresh.Coordinator.
type Refresher interface {
	Refresh(ctx context.Context) refresh.Outcome
}

// Terminator ends the session when a credential cannot be recovered;
// implemented by the session lifecycle.
type Terminator interface {
	Terminate(reason error)
}

var _ http.RoundTripper = (*Gateway)(nil)

// Gateway wraps every outbound request: it attaches the bearer token, renews
// an expired token once and resends, and ends the session when the
// credential is unusable.
type Gateway struct {
	store      credentials.Store
	refresher  Refresher
	terminator Terminator
	transport  http.RoundTripper
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Gateway)

// WithTransport sets the RoundTripper that performs the actual requests.
func WithTransport(transport http.RoundTripper) Option {
	return func(g *Gateway) {
		g.transport = transport
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func New(store credentials.Store, refresher Refresher, terminator Terminator, options ...Option) *Gateway {
	g := &Gateway{
		store:      store,
		refresher:  refresher,
		terminator: terminator,
		transport:  http.DefaultTransport,
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	return g
}

// Client returns an http.Client whose requests all pass through the gateway.
func (g *Gateway) Client() *http.Client {
	return &http.Client{Transport: g}
}

// RoundTrip implements http.RoundTripper.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	return g.Send(req.Context(), req)
}

// Send dispatches req with the current access token.
//
//   - 401 TOKEN_EXPIRED: renew through the refresher and resend once with the
//     token the renewal stored. The resent response is returned as-is.
//   - 401 INVALID_TOKEN, NO_TOKEN or any other 401: end the session without
//     renewing, since a new token cannot fix an unusable credential.
//   - 403 and everything else: returned unchanged.
//
// A 401 for a token that is no longer the stored one never renews and never
// ends the session: the request is resent once with the stored token, or
// fails with errors.ErrNoSession when the store is empty.
//
// When the session ends, the error matches errors.ErrSessionExpired and the
// internal cause.
func (g *Gateway) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if skipsAuth(ctx) {
		return g.dispatch(req, "")
	}
	if err := rewindable(req); err != nil {
		return nil, errors.Wrapf(err, "[gateway Send] buffer body")
	}

	sent := g.currentToken()
	resp, err := g.dispatch(req, sent)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	cause := authapi.ClassifyUnauthorized(resp)
	discard(resp)
	if current := g.currentToken(); current != sent {
		g.logger.Debug().Err(cause).Str("path", req.URL.Path).Msg("gateway: 401 for a superseded token")
		return g.resendWith(ctx, req, current)
	}
	if !errors.Is(cause, errors.ErrTokenExpired) {
		g.logger.Info().Err(cause).Str("path", req.URL.Path).Msg("gateway: credential unusable, ending session")
		return nil, g.terminate(cause)
	}
	return g.refreshAndRetry(ctx, req, sent)
}

func (g *Gateway) refreshAndRetry(ctx context.Context, req *http.Request, sent string) (*http.Response, error) {
	outcome := g.refresher.Refresh(ctx)
	if !outcome.OK() {
		if ctx.Err() != nil {
			// The caller gave up waiting; that says nothing about the session.
			return nil, ctx.Err()
		}
		if g.currentToken() != sent {
			// Another session replaced or ended this one during the renewal.
			return nil, errors.SessionExpired(outcome.Err)
		}
		return nil, g.terminate(outcome.Err)
	}

	// Read the token back from the store rather than from before the
	// renewal, so the retry carries exactly what the renewal wrote.
	return g.resendWith(ctx, req, g.currentToken())
}

// resendWith replays req once with token. It never renews or terminates.
func (g *Gateway) resendWith(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	if token == "" {
		return nil, errors.SessionExpired(errors.ErrNoSession)
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrapf(err, "[gateway Send] replay body")
		}
		retry.Body = body
	}

	g.metrics.GatewayRetries.Inc()
	resp, err := g.dispatch(retry, token)
	if err != nil {
		return nil, err
	}

	// The session may have been torn down while the retry was in flight.
	if _, ok := g.store.Get(); !ok {
		discard(resp)
		return nil, errors.SessionExpired(errors.ErrNoSession)
	}
	return resp, nil
}

func (g *Gateway) terminate(reason error) error {
	if g.terminator != nil {
		g.terminator.Terminate(reason)
	}
	return errors.SessionExpired(reason)
}

func (g *Gateway) currentToken() string {
	session, ok := g.store.Get()
	if !ok {
		return ""
	}
	return session.AccessToken
}

func (g *Gateway) dispatch(req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Body = req.Body
	if token != "" {
		out.Header.Set(headerAuthorization, "Bearer "+token)
	} else {
		out.Header.Del(headerAuthorization)
	}
	if out.Header.Get(headerRequestID) == "" {
		out.Header.Set(headerRequestID, uuid.NewString())
	}
	return g.transport.RoundTrip(out)
}

// rewindable makes sure a request body can be sent twice.
func rewindable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

// discard drains a bounded amount so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()
}

package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-client/authapi"
	"github.com/jrsteele09/go-session-client/authapi/fakeapi"
	"github.com/jrsteele09/go-session-client/credentials"
	"github.com/jrsteele09/go-session-client/credentials/memstore"
	"github.com/jrsteele09/go-session-client/gateway"
	"github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/refresh"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testEmail = "agent@example.com"

// terminator records the reasons it was asked to end the session with and
// clears the store, as the session lifecycle does.
type terminator struct {
	store   credentials.Store
	lock    sync.Mutex
	reasons []error
}

func (f *terminator) Terminate(reason error) {
	f.lock.Lock()
	f.reasons = append(f.reasons, reason)
	f.lock.Unlock()
	f.store.Clear()
}

func (f *terminator) Reasons() []error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]error(nil), f.reasons...)
}

// recorder captures the Authorization header of every request to a path.
// after, when set, runs before each response on that path is handed back.
type recorder struct {
	next  http.RoundTripper
	path  string
	after func(req *http.Request, resp *http.Response)

	lock   sync.Mutex
	tokens []string
}

func (r *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path == r.path {
		r.lock.Lock()
		r.tokens = append(r.tokens, req.Header.Get("Authorization"))
		r.lock.Unlock()
	}
	resp, err := r.next.RoundTrip(req)
	if err == nil && r.after != nil && req.URL.Path == r.path {
		r.after(req, resp)
	}
	return resp, err
}

func (r *recorder) Tokens() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.tokens...)
}

type clock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	api         *fakeapi.Server
	srv         *httptest.Server
	clock       *clock
	store       *memstore.MemStore
	coordinator *refresh.Coordinator
	terminator  *terminator
	recorder    *recorder
	metrics     *metrics.Metrics
	gateway     *gateway.Gateway
}

func newHarness(t *testing.T, role string) *harness {
	t.Helper()
	h := &harness{clock: &clock{now: time.Now()}, metrics: metrics.New()}
	h.api = fakeapi.New(fakeapi.WithNowFunc(h.clock.Now))
	require.NoError(t, h.api.AddUser(credentials.User{Email: testEmail, UserID: "user-1", Role: role}, "Password123"))
	h.srv = httptest.NewServer(h.api)
	t.Cleanup(h.srv.Close)

	issued, err := h.api.Issue(testEmail)
	require.NoError(t, err)
	h.store = memstore.New()
	h.store.Set(&credentials.Session{User: issued.User, AccessToken: issued.AccessToken, RefreshToken: issued.RefreshToken})

	client := authapi.NewClient(h.srv.URL, authapi.WithTimeout(5*time.Second))
	h.coordinator = refresh.NewCoordinator(h.store, client, refresh.WithLogger(zerolog.Nop()), refresh.WithMetrics(h.metrics))
	h.terminator = &terminator{store: h.store}
	h.recorder = &recorder{next: http.DefaultTransport, path: fakeapi.RouteProjects}
	h.gateway = gateway.New(h.store, h.coordinator, h.terminator,
		gateway.WithTransport(h.recorder),
		gateway.WithLogger(zerolog.Nop()),
		gateway.WithMetrics(h.metrics),
	)
	return h
}

func (h *harness) get(t *testing.T, ctx context.Context, path string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
	require.NoError(t, err)
	return h.gateway.Send(ctx, req)
}

func (h *harness) expireAccessToken() {
	h.clock.Advance(31 * time.Minute)
}

func TestGateway_AttachesBearerAndRequestID(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memstore.New()
	store.Set(&credentials.Session{User: &credentials.User{UserID: "u1"}, AccessToken: "access-1", RefreshToken: "refresh-1"})
	g := gateway.New(store, nil, nil, gateway.WithLogger(zerolog.Nop()))

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := g.Send(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "Bearer access-1", seen.Get("Authorization"))
	require.NotEmpty(t, seen.Get("X-Request-ID"))
	require.Empty(t, req.Header.Get("Authorization"), "the caller's request is not modified")
}

func TestGateway_SkipAuthSendsAnonymously(t *testing.T) {
	h := newHarness(t, "sales")

	resp, err := h.get(t, gateway.WithoutAuth(context.Background()), fakeapi.RouteProjects)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "anonymous requests bypass session handling")
	require.Equal(t, []string{""}, h.recorder.Tokens())
	require.Empty(t, h.terminator.Reasons())
	_, ok := h.store.Get()
	require.True(t, ok)
}

func TestGateway_ValidTokenPassesThrough(t *testing.T) {
	h := newHarness(t, "sales")

	resp, err := h.get(t, context.Background(), fakeapi.RouteProjects)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Zero(t, h.api.RefreshCalls())
}

func TestGateway_ForbiddenIsReturnedUnchanged(t *testing.T) {
	h := newHarness(t, "sales")

	resp, err := h.get(t, context.Background(), fakeapi.RouteAdmin)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, h.api.RefreshCalls())
	require.Empty(t, h.terminator.Reasons())
	_, ok := h.store.Get()
	require.True(t, ok, "a permission failure does not touch the session")
}

func TestGateway_ExpiredTokenRefreshesAndRetries(t *testing.T) {
	h := newHarness(t, "sales")
	before, _ := h.store.Get()
	h.expireAccessToken()

	resp, err := h.get(t, context.Background(), fakeapi.RouteProjects)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, h.api.RefreshCalls())

	after, ok := h.store.Get()
	require.True(t, ok)
	require.NotEqual(t, before.AccessToken, after.AccessToken)
	require.NotEqual(t, before.RefreshToken, after.RefreshToken, "rotated refresh token is stored")

	tokens := h.recorder.Tokens()
	require.Len(t, tokens, 2)
	require.Equal(t, "Bearer "+before.AccessToken, tokens[0])
	require.Equal(t, "Bearer "+after.AccessToken, tokens[1])
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.GatewayRetries))
}

func TestGateway_ConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	const requests = 10

	h := newHarness(t, "sales")
	before, _ := h.store.Get()
	h.api.SetRefreshDelay(200 * time.Millisecond)
	h.expireAccessToken()

	statuses := make(chan int, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.get(t, context.Background(), fakeapi.RouteProjects)
			if err != nil {
				statuses <- 0
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)

	for status := range statuses {
		require.Equal(t, http.StatusOK, status)
	}
	require.EqualValues(t, 1, h.api.RefreshCalls())

	after, _ := h.store.Get()
	distinct := map[string]int{}
	for _, tok := range h.recorder.Tokens() {
		distinct[tok]++
	}
	require.Equal(t, map[string]int{
		"Bearer " + before.AccessToken: requests,
		"Bearer " + after.AccessToken:  requests,
	}, distinct, "every retry carries the single renewed token")
	require.Empty(t, h.terminator.Reasons())
}

func TestGateway_StaggeredExpiryJoinsInFlightRefresh(t *testing.T) {
	h := newHarness(t, "sales")
	h.api.SetRefreshDelay(100 * time.Millisecond)
	h.expireAccessToken()

	results := make(chan int, 2)
	send := func() {
		resp, err := h.get(t, context.Background(), fakeapi.RouteProjects)
		if err != nil {
			results <- 0
			return
		}
		resp.Body.Close()
		results <- resp.StatusCode
	}

	go send()
	require.Eventually(t, h.coordinator.InFlight, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	go send()

	require.Equal(t, http.StatusOK, <-results)
	require.Equal(t, http.StatusOK, <-results)
	require.EqualValues(t, 1, h.api.RefreshCalls())

	tokens := h.recorder.Tokens()
	require.Len(t, tokens, 4)
	require.Equal(t, tokens[2], tokens[3], "both retries use the same renewed token")
}

func TestGateway_LateExpiredResponseReusesSettledRefresh(t *testing.T) {
	h := newHarness(t, "sales")
	before, _ := h.store.Get()
	h.api.SetRefreshDelay(50 * time.Millisecond)
	h.expireAccessToken()

	// Hold the second TOKEN_EXPIRED answer until the first request's renewal
	// has completed, so it arrives when nothing is in flight any more.
	var expired atomic.Int32
	h.recorder.after = func(req *http.Request, resp *http.Response) {
		if resp.StatusCode != http.StatusUnauthorized || req.Header.Get("Authorization") != "Bearer "+before.AccessToken {
			return
		}
		if expired.Add(1) != 2 {
			return
		}
		deadline := time.Now().Add(2 * time.Second)
		for (h.api.RefreshCalls() == 0 || h.coordinator.InFlight()) && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
	}

	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := h.get(t, context.Background(), fakeapi.RouteProjects)
			if err != nil {
				results <- 0
				return
			}
			resp.Body.Close()
			results <- resp.StatusCode
		}()
	}

	require.Equal(t, http.StatusOK, <-results)
	require.Equal(t, http.StatusOK, <-results)
	require.EqualValues(t, 2, expired.Load())
	require.EqualValues(t, 1, h.api.RefreshCalls(), "a 401 for a superseded token does not renew again")
	require.Empty(t, h.terminator.Reasons())

	after, _ := h.store.Get()
	tokens := h.recorder.Tokens()
	require.Len(t, tokens, 4)
	require.Equal(t, "Bearer "+after.AccessToken, tokens[2])
	require.Equal(t, "Bearer "+after.AccessToken, tokens[3])
}

func TestGateway_StaleInvalidResponseKeepsNewSession(t *testing.T) {
	h := newHarness(t, "sales")
	old, _ := h.store.Get()
	h.api.RevokeAccessToken(old.AccessToken)

	// The user logs out and back in while the request with the revoked
	// token is still on the wire.
	var relogged atomic.Bool
	var fresh *authapi.TokenResponse
	h.recorder.after = func(req *http.Request, resp *http.Response) {
		if resp.StatusCode != http.StatusUnauthorized || !relogged.CompareAndSwap(false, true) {
			return
		}
		h.store.Clear()
		issued, err := h.api.Issue(testEmail)
		require.NoError(t, err)
		fresh = issued
		h.store.Set(&credentials.Session{User: issued.User, AccessToken: issued.AccessToken, RefreshToken: issued.RefreshToken})
	}

	resp, err := h.get(t, context.Background(), fakeapi.RouteProjects)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, h.terminator.Reasons(), "the new session is not ended by the old token's 401")
	require.Zero(t, h.api.RefreshCalls())

	stored, ok := h.store.Get()
	require.True(t, ok)
	require.Equal(t, fresh.AccessToken, stored.AccessToken)
	require.Equal(t, []string{"Bearer " + old.AccessToken, "Bearer " + fresh.AccessToken}, h.recorder.Tokens())
}

func TestGateway_StaleResponseAfterLogoutDoesNotTerminate(t *testing.T) {
	h := newHarness(t, "sales")
	old, _ := h.store.Get()
	h.api.RevokeAccessToken(old.AccessToken)
	h.recorder.after = func(*http.Request, *http.Response) { h.store.Clear() }

	_, err := h.get(t, context.Background(), fakeapi.RouteProjects)
	require.ErrorIs(t, err, errors.ErrSessionExpired)
	require.ErrorIs(t, err, errors.ErrNoSession)
	require.Empty(t, h.terminator.Reasons())
	require.Len(t, h.recorder.Tokens(), 1, "nothing is resent without a session")
}

func TestGateway_FailedRefreshForReplacedSessionDoesNotTerminate(t *testing.T) {
	h := newHarness(t, "sales")
	h.api.RevokeRefreshTokens()
	h.api.SetRefreshDelay(100 * time.Millisecond)
	h.expireAccessToken()

	relogged := make(chan string, 1)
	go func() {
		for !h.coordinator.InFlight() {
			time.Sleep(time.Millisecond)
		}
		issued, err := h.api.Issue(testEmail)
		if err != nil {
			relogged <- ""
			return
		}
		h.store.Set(&credentials.Session{User: issued.User, AccessToken: issued.AccessToken, RefreshToken: issued.RefreshToken})
		relogged <- issued.AccessToken
	}()

	_, err := h.get(t, context.Background(), fakeapi.RouteProjects)
	require.ErrorIs(t, err, errors.ErrSessionExpired)
	require.ErrorIs(t, err, errors.ErrRefreshRejected)

	fresh := <-relogged
	require.NotEmpty(t, fresh)
	require.Empty(t, h.terminator.Reasons())
	stored, ok := h.store.Get()
	require.True(t, ok)
	require.Equal(t, fresh, stored.AccessToken)
}

func TestGateway_InvalidTokenEndsSessionWithoutRefresh(t *testing.T) {
	h := newHarness(t, "sales")
	session, _ := h.store.Get()
	h.api.RevokeAccessToken(session.AccessToken)

	resp, err := h.get(t, context.Background(), fakeapi.RouteProjects)
	require.Nil(t, resp)
	require.ErrorIs(t, err, errors.ErrSessionExpired)
	require.ErrorIs(t, err, errors.ErrTokenInvalid)

	require.Zero(t, h.api.RefreshCalls())
	require.Len(t, h.terminator.Reasons(), 1)
	_, ok := h.store.Get()
	require.False(t, ok)
}

func TestGateway_NoTokenEndsSession(t *testing.T) {
	h := newHarness(t, "sales")
	h.store.Set(&credentials.Session{User: &credentials.User{UserID: "user-1"}})

	_, err := h.get(t, context.Background(), fakeapi.RouteProjects)
	require.ErrorIs(t, err, errors.ErrSessionExpired)
	require.ErrorIs(t, err, errors.ErrNoToken)
	require.Zero(t, h.api.RefreshCalls())
}

func TestGateway_RejectedRefreshEndsSession(t *testing.T) {
	h := newHarness(t, "sales")
	h.api.RevokeRefreshTokens()
	h.expireAccessToken()

	_, err := h.get(t, context.Background(), fakeapi.RouteProjects)
	require.ErrorIs(t, err, errors.ErrSessionExpired)
	require.ErrorIs(t, err, errors.ErrRefreshRejected)

	require.EqualValues(t, 1, h.api.RefreshCalls())
	reasons := h.terminator.Reasons()
	require.Len(t, reasons, 1)
	require.ErrorIs(t, reasons[0], errors.ErrRefreshRejected)
	_, ok := h.store.Get()
	require.False(t, ok)
}

func TestGateway_CancelledCallerKeepsSession(t *testing.T) {
	h := newHarness(t, "sales")
	h.api.SetRefreshDelay(300 * time.Millisecond)
	h.expireAccessToken()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for !h.coordinator.InFlight() {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := h.get(t, ctx, fakeapi.RouteProjects)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, errors.ErrSessionExpired)
	require.Empty(t, h.terminator.Reasons())

	require.Eventually(t, func() bool { return !h.coordinator.InFlight() }, 2*time.Second, 5*time.Millisecond)
	_, ok := h.store.Get()
	require.True(t, ok, "the renewal completed for the session")
}

// stubRefresher writes a fixed token pair into the store.
type stubRefresher struct {
	store  credentials.Store
	access string
	calls  atomic.Int64
}

func (s *stubRefresher) Refresh(ctx context.Context) refresh.Outcome {
	s.calls.Add(1)
	s.store.SetTokens(s.access, "", nil)
	session, _ := s.store.Get()
	return refresh.Outcome{Session: session}
}

func expiringEcho(t *testing.T, fresh string, afterRetry func()) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+fresh {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(authapi.ErrorBody{Code: authapi.CodeTokenExpired})
			return
		}
		if afterRetry != nil {
			afterRetry()
		}
		_, _ = io.Copy(w, r.Body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGateway_RetryReplaysRequestBody(t *testing.T) {
	srv := expiringEcho(t, "access-new", nil)
	store := memstore.New()
	store.Set(&credentials.Session{User: &credentials.User{UserID: "u1"}, AccessToken: "access-old", RefreshToken: "r"})
	refresher := &stubRefresher{store: store, access: "access-new"}
	g := gateway.New(store, refresher, nil, gateway.WithLogger(zerolog.Nop()))

	// A reader without GetBody, so the gateway must buffer it.
	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(strings.NewReader(`{"name":"Harbour View"}`)))
	require.NoError(t, err)
	resp, err := g.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"name":"Harbour View"}`, string(body))
	require.EqualValues(t, 1, refresher.calls.Load())
}

func TestGateway_SessionClearedDuringRetry(t *testing.T) {
	store := memstore.New()
	srv := expiringEcho(t, "access-new", store.Clear)
	store.Set(&credentials.Session{User: &credentials.User{UserID: "u1"}, AccessToken: "access-old", RefreshToken: "r"})
	g := gateway.New(store, &stubRefresher{store: store, access: "access-new"}, nil, gateway.WithLogger(zerolog.Nop()))

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := g.Send(context.Background(), req)
	require.Nil(t, resp)
	require.ErrorIs(t, err, errors.ErrSessionExpired)
}

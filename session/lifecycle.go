// Package session owns the client-side session state machine: restoring a
// persisted session at start-up, login and logout, proactive token renewal,
// idle expiry and teardown when another execution context clears the store.
package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-session-client/activity"
	"github.com/jrsteele09/go-session-client/authapi"
	"github.com/jrsteele09/go-session-client/credentials"
	"github.com/jrsteele09/go-session-client/gateway"
	"github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/refresh"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	DefaultRefreshInterval = 30 * time.Minute
	DefaultIdleTimeout     = 8 * time.Hour
)

type State int

const (
	Restoring State = iota
	Anonymous
	Authenticated
)

func (s State) String() string {
	switch s {
	case Restoring:
		return "restoring"
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Event describes a state transition. Reason is set when the session was
// ended by something other than an explicit Logout(nil).
type Event struct {
	State  State
	User   *credentials.User
	Reason error
}

// API is the collaborator service the lifecycle talks to. authapi.Client
// implements it.
type API interface {
	Login(ctx context.Context, email, password string) (*authapi.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*authapi.TokenResponse, error)
	ValidateToken(ctx context.Context, accessToken string) error
}

var _ gateway.Terminator = (*Lifecycle)(nil)

// Lifecycle is one isolated session. Timers, the in-flight renewal and the
// listener registry are owned by the instance, so several can share a process.
type Lifecycle struct {
	store       credentials.Store
	api         API
	coordinator *refresh.Coordinator
	monitor     *activity.Monitor
	gateway     *gateway.Gateway
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	refreshInterval   time.Duration
	idleCheckInterval time.Duration
	idleTimeout       time.Duration
	refreshTimeout    time.Duration
	transport         http.RoundTripper
	activityOptions   []activity.Option
	nowFunc           func() time.Time

	lock       sync.Mutex
	state      State
	user       *credentials.User
	lastReason error
	stopTimers chan struct{}
	listeners  map[int]func(Event)
	nextID     int

	timers      atomic.Int32
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          conc.WaitGroup
	closeOnce   sync.Once
}

type Option func(*Lifecycle)

// WithRefreshInterval sets the proactive renewal period.
func WithRefreshInterval(d time.Duration) Option {
	return func(l *Lifecycle) {
		l.refreshInterval = d
	}
}

// WithIdleCheckInterval sets how often the idle budget is checked. It
// defaults to the refresh interval.
func WithIdleCheckInterval(d time.Duration) Option {
	return func(l *Lifecycle) {
		l.idleCheckInterval = d
	}
}

// WithIdleTimeout sets the maximum time without user activity.
func WithIdleTimeout(d time.Duration) Option {
	return func(l *Lifecycle) {
		l.idleTimeout = d
	}
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(l *Lifecycle) {
		l.refreshTimeout = d
	}
}

// WithTransport sets the RoundTripper used by the gateway.
func WithTransport(transport http.RoundTripper) Option {
	return func(l *Lifecycle) {
		l.transport = transport
	}
}

func WithActivityOptions(options ...activity.Option) Option {
	return func(l *Lifecycle) {
		l.activityOptions = append(l.activityOptions, options...)
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(l *Lifecycle) {
		l.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Lifecycle) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Lifecycle) {
		l.metrics = m
	}
}

// New wires a lifecycle over store and api. It starts in Restoring; call
// Restore to load the persisted session, and Close to release it.
func New(store credentials.Store, api API, options ...Option) *Lifecycle {
	l := &Lifecycle{
		store:           store,
		api:             api,
		logger:          log.Logger,
		refreshInterval: DefaultRefreshInterval,
		idleTimeout:     DefaultIdleTimeout,
		transport:       http.DefaultTransport,
		nowFunc:         time.Now,
		state:           Restoring,
		listeners:       make(map[int]func(Event)),
	}
	for _, opt := range options {
		opt(l)
	}
	if l.refreshInterval <= 0 {
		l.refreshInterval = DefaultRefreshInterval
	}
	if l.idleCheckInterval <= 0 {
		l.idleCheckInterval = l.refreshInterval
	}
	if l.idleTimeout <= 0 {
		l.idleTimeout = DefaultIdleTimeout
	}
	if l.metrics == nil {
		l.metrics = metrics.New()
	}

	l.coordinator = refresh.NewCoordinator(store, api,
		refresh.WithTimeout(l.refreshTimeout),
		refresh.WithLogger(l.logger),
		refresh.WithMetrics(l.metrics),
	)
	l.monitor = activity.NewMonitor(store, append([]activity.Option{activity.WithNowFunc(l.nowFunc)}, l.activityOptions...)...)
	l.gateway = gateway.New(store, l.coordinator, l,
		gateway.WithTransport(l.transport),
		gateway.WithLogger(l.logger),
		gateway.WithMetrics(l.metrics),
	)

	l.ctx, l.cancel = context.WithCancel(context.Background())
	changes, unsubscribe := store.Subscribe()
	l.unsubscribe = unsubscribe
	l.wg.Go(func() { l.watchStore(changes) })
	return l
}

// Restore loads the persisted session and decides whether it is still usable.
func (l *Lifecycle) Restore(ctx context.Context) State {
	session, ok := l.store.Get()
	if !ok {
		l.teardown(nil, false)
		return Anonymous
	}
	if err := session.Validate(); err != nil {
		l.logger.Warn().Err(err).Msg("session: discarding stored session")
		l.teardown(errors.ErrSessionMalformed, true)
		return Anonymous
	}

	// The idle budget is checked before anything goes over the network.
	if !l.monitor.IsWithinIdleBudget(l.idleTimeout) {
		l.logger.Info().Time("last_activity", l.monitor.LastActivity()).Msg("session: idle budget exceeded on restore")
		l.teardown(errors.ErrIdleTimeoutExceeded, true)
		return Anonymous
	}

	err := l.api.ValidateToken(ctx, session.AccessToken)
	switch {
	case err == nil:
		return l.authenticate(session.User)
	case errors.Is(err, errors.ErrTokenExpired):
		outcome := l.coordinator.Refresh(ctx)
		if !outcome.OK() && ctx.Err() != nil {
			// Abandoned by the caller; the stored session is left for the next Restore.
			l.teardown(nil, false)
			return Anonymous
		}
		if !outcome.OK() {
			l.teardown(outcome.Err, true)
			return Anonymous
		}
		return l.authenticate(outcome.Session.User)
	case errors.Is(err, errors.ErrTokenInvalid), errors.Is(err, errors.ErrNoToken):
		l.teardown(err, true)
		return Anonymous
	default:
		// Validation unreachable: stay signed in and let the next request's
		// 401 handling decide.
		l.logger.Warn().Err(err).Msg("session: token validation unavailable, restoring optimistically")
		return l.authenticate(session.User)
	}
}

// Login stores a new session, stamps activity and arms the timers. Any
// previous session is overwritten.
func (l *Lifecycle) Login(user *credentials.User, accessToken, refreshToken string) error {
	session := &credentials.Session{User: user, AccessToken: accessToken, RefreshToken: refreshToken}
	if err := session.Validate(); err != nil {
		return errors.Wrapf(errors.ErrSessionMalformed, "[session Login]")
	}
	session.LastActivityAt = l.nowFunc()
	l.monitor.Reset()

	// Storing and arming happen under one lock hold, so a concurrent Logout
	// lands either wholly before or wholly after this login.
	l.lock.Lock()
	l.store.Set(session)
	changed, event, listeners := l.authenticateLocked(user)
	l.lock.Unlock()

	l.monitor.Stamp()
	l.afterAuthenticate(changed, event, listeners)
	return nil
}

// LoginWithPassword exchanges credentials for a token pair and logs in.
func (l *Lifecycle) LoginWithPassword(ctx context.Context, email, password string) error {
	resp, err := l.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return l.Login(resp.User, resp.AccessToken, resp.RefreshToken)
}

// Logout clears the store, stops the timers and moves to Anonymous. reason is
// nil for a user-initiated logout. Safe to call repeatedly and concurrently.
func (l *Lifecycle) Logout(reason error) {
	l.teardown(reason, true)
}

// Terminate implements gateway.Terminator.
func (l *Lifecycle) Terminate(reason error) {
	l.Logout(reason)
}

// Gateway returns the request gateway bound to this session.
func (l *Lifecycle) Gateway() *gateway.Gateway {
	return l.gateway
}

// Client returns an http.Client whose requests go through the gateway.
func (l *Lifecycle) Client() *http.Client {
	return l.gateway.Client()
}

func (l *Lifecycle) Coordinator() *refresh.Coordinator {
	return l.coordinator
}

// Activity returns the monitor that user interactions should be reported to.
func (l *Lifecycle) Activity() *activity.Monitor {
	return l.monitor
}

// TokenSource returns an oauth2.TokenSource over this session.
func (l *Lifecycle) TokenSource(ctx context.Context) *refresh.TokenSource {
	return refresh.NewTokenSource(ctx, l.store, l.coordinator)
}

func (l *Lifecycle) State() State {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.state
}

func (l *Lifecycle) User() *credentials.User {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.user == nil {
		return nil
	}
	u := *l.user
	return &u
}

// LastReason returns why the session last ended, or nil.
func (l *Lifecycle) LastReason() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.lastReason
}

// TimersArmed reports whether the proactive renewal and idle timers are set.
func (l *Lifecycle) TimersArmed() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.stopTimers != nil
}

// RunningTimers returns the number of timer goroutines still alive.
func (l *Lifecycle) RunningTimers() int {
	return int(l.timers.Load())
}

// OnChange registers fn for every state transition and returns a function
// that removes it. fn runs on the goroutine that caused the transition.
func (l *Lifecycle) OnChange(fn func(Event)) func() {
	l.lock.Lock()
	defer l.lock.Unlock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	return func() {
		l.lock.Lock()
		defer l.lock.Unlock()
		delete(l.listeners, id)
	}
}

// Close stops the timers and the store subscription and waits for their
// goroutines. The stored session is kept for the next Restore.
func (l *Lifecycle) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.unsubscribe()
		l.lock.Lock()
		l.disarmLocked()
		l.lock.Unlock()
		l.wg.Wait()
	})
}

// authenticate moves to Authenticated for user while the store still holds a
// session. If the store was emptied in the meantime, by a logout here or in
// another context, the lifecycle ends up Anonymous instead.
func (l *Lifecycle) authenticate(user *credentials.User) State {
	l.lock.Lock()
	if _, ok := l.store.Get(); !ok {
		previous, listeners := l.teardownLocked(errors.ErrNoSession, false)
		l.lock.Unlock()
		l.afterTeardown(previous, errors.ErrNoSession, listeners)
		return Anonymous
	}
	changed, event, listeners := l.authenticateLocked(user)
	l.lock.Unlock()

	l.afterAuthenticate(changed, event, listeners)
	return Authenticated
}

func (l *Lifecycle) authenticateLocked(user *credentials.User) (bool, Event, []func(Event)) {
	changed := l.state != Authenticated
	l.state = Authenticated
	if user != nil {
		u := *user
		l.user = &u
	}
	l.lastReason = nil
	l.armLocked()
	return changed, Event{State: Authenticated, User: l.user}, l.listenersLocked()
}

func (l *Lifecycle) afterAuthenticate(changed bool, event Event, listeners []func(Event)) {
	if !changed {
		return
	}
	if event.User != nil {
		l.logger.Info().Str("user_id", event.User.UserID).Msg("session: authenticated")
	}
	notify(listeners, event)
}

func (l *Lifecycle) teardown(reason error, clearStore bool) {
	l.lock.Lock()
	previous, listeners := l.teardownLocked(reason, clearStore)
	l.lock.Unlock()
	l.afterTeardown(previous, reason, listeners)
}

func (l *Lifecycle) teardownLocked(reason error, clearStore bool) (State, []func(Event)) {
	previous := l.state
	l.disarmLocked()
	if clearStore {
		l.store.Clear()
	}
	l.state = Anonymous
	l.user = nil
	if reason != nil {
		l.lastReason = reason
	}
	return previous, l.listenersLocked()
}

func (l *Lifecycle) afterTeardown(previous State, reason error, listeners []func(Event)) {
	l.monitor.Reset()
	if previous == Anonymous {
		return
	}
	if previous == Authenticated || reason != nil {
		l.metrics.LogoutsTotal.WithLabelValues(reasonLabel(reason)).Inc()
	}
	if reason != nil {
		l.logger.Info().Err(reason).Msg("session: ended")
	}
	notify(listeners, Event{State: Anonymous, Reason: reason})
}

func (l *Lifecycle) listenersLocked() []func(Event) {
	fns := make([]func(Event), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(listeners []func(Event), event Event) {
	for _, fn := range listeners {
		fn(event)
	}
}

// armLocked replaces any running timers with a fresh pair.
func (l *Lifecycle) armLocked() {
	l.disarmLocked()
	if l.ctx.Err() != nil {
		return
	}
	stop := make(chan struct{})
	l.stopTimers = stop
	l.startTimer(stop, l.refreshInterval, l.refreshTick)
	l.startTimer(stop, l.idleCheckInterval, l.idleTick)
}

func (l *Lifecycle) disarmLocked() {
	if l.stopTimers != nil {
		close(l.stopTimers)
		l.stopTimers = nil
	}
}

func (l *Lifecycle) startTimer(stop <-chan struct{}, every time.Duration, tick func() bool) {
	l.timers.Add(1)
	l.wg.Go(func() {
		defer l.timers.Add(-1)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-l.ctx.Done():
				return
			case <-ticker.C:
				if !tick() {
					return
				}
			}
		}
	})
}

// idleTick ends the session once the user has been inactive past the budget.
func (l *Lifecycle) idleTick() bool {
	if l.monitor.IsWithinIdleBudget(l.idleTimeout) {
		return true
	}
	l.Logout(errors.ErrIdleTimeoutExceeded)
	return false
}

// refreshTick renews the token ahead of expiry, unless the idle budget has
// already run out.
func (l *Lifecycle) refreshTick() bool {
	if !l.idleTick() {
		return false
	}
	outcome := l.coordinator.Refresh(l.ctx)
	if outcome.OK() {
		return true
	}
	if l.ctx.Err() != nil {
		return false
	}
	l.Logout(outcome.Err)
	return false
}

func (l *Lifecycle) watchStore(changes <-chan credentials.Change) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			l.observe(change)
		}
	}
}

// observe tears the session down locally when another context clears the
// store. The store is already empty so it is not written again.
func (l *Lifecycle) observe(change credentials.Change) {
	if change.Kind != credentials.Cleared || change.Origin == l.store.ID() {
		return
	}
	if l.State() != Authenticated {
		// A Restore in progress re-reads the store before authenticating.
		return
	}
	if _, ok := l.store.Get(); ok {
		// Cleared and then re-populated before this event was observed.
		return
	}
	l.logger.Info().Str("origin", change.Origin).Msg("session: cleared by another context")
	l.teardown(errors.Wrapf(errors.ErrNoSession, "cleared by %s", change.Origin), false)
}

func reasonLabel(reason error) string {
	switch {
	case reason == nil:
		return "logout"
	case errors.Is(reason, errors.ErrIdleTimeoutExceeded):
		return "idle_timeout"
	case errors.Is(reason, errors.ErrNoRefreshToken):
		return "no_refresh_token"
	case errors.Is(reason, errors.ErrNoSession):
		return "cleared_elsewhere"
	case errors.Is(reason, errors.ErrRefreshRejected):
		return "refresh_rejected"
	case errors.Is(reason, errors.ErrRefreshNetwork):
		return "refresh_network"
	case errors.Is(reason, errors.ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(reason, errors.ErrNoToken):
		return "no_token"
	case errors.Is(reason, errors.ErrSessionMalformed):
		return "malformed"
	default:
		return "other"
	}
}

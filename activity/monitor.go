package activity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-client/credentials"
)

// Signal is a user interaction that counts as activity.
type Signal string

const (
	PointerDown Signal = "pointerdown"
	KeyDown     Signal = "keydown"
	Scroll      Signal = "scroll"
	TouchStart  Signal = "touchstart"
	Click       Signal = "click"
)

// DefaultSignals is the reference set of qualifying interactions.
func DefaultSignals() []Signal {
	return []Signal{PointerDown, KeyDown, Scroll, TouchStart, Click}
}

// ParseSignals converts configured names into Signals, rejecting unknown names.
func ParseSignals(names []string) ([]Signal, error) {
	known := make(map[Signal]struct{})
	for _, s := range DefaultSignals() {
		known[s] = struct{}{}
	}
	signals := make([]Signal, 0, len(names))
	for _, name := range names {
		s := Signal(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := known[s]; !ok {
			return nil, fmt.Errorf("unknown activity signal %q", name)
		}
		signals = append(signals, s)
	}
	return signals, nil
}

// Monitor keeps the activity clock: the time of the most recent qualifying
// interaction, mirrored into the credential store so it survives a restart.
// The idle policy it enforces is independent of token lifetime.
type Monitor struct {
	store        credentials.Store
	signals      map[Signal]struct{}
	nowFunc      func() time.Time
	persistEvery time.Duration

	lock          sync.Mutex
	last          time.Time
	lastPersisted time.Time
}

type Option func(*Monitor)

func WithSignals(signals ...Signal) Option {
	return func(m *Monitor) {
		m.signals = make(map[Signal]struct{}, len(signals))
		for _, s := range signals {
			m.signals[s] = struct{}{}
		}
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(m *Monitor) {
		m.nowFunc = now
	}
}

// WithPersistEvery throttles store writes; the in-memory clock always advances.
func WithPersistEvery(d time.Duration) Option {
	return func(m *Monitor) {
		m.persistEvery = d
	}
}

func NewMonitor(store credentials.Store, options ...Option) *Monitor {
	m := &Monitor{
		store:   store,
		nowFunc: time.Now,
	}
	WithSignals(DefaultSignals()...)(m)
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Record registers an interaction. Signals outside the configured set are
// ignored and reported as false.
func (m *Monitor) Record(signal Signal) bool {
	if _, ok := m.signals[signal]; !ok {
		return false
	}
	m.mark(false)
	return true
}

// Stamp marks activity now and persists it unconditionally, as on login.
func (m *Monitor) Stamp() time.Time {
	return m.mark(true)
}

func (m *Monitor) mark(force bool) time.Time {
	now := m.nowFunc()

	m.lock.Lock()
	m.last = now
	persist := force || m.persistEvery <= 0 || now.Sub(m.lastPersisted) >= m.persistEvery
	if persist {
		m.lastPersisted = now
	}
	m.lock.Unlock()

	if persist {
		m.store.Touch(now)
	}
	return now
}

// LastActivity returns the most recent of the persisted and in-memory clocks.
// Another execution context sharing the store may have recorded later activity.
func (m *Monitor) LastActivity() time.Time {
	m.lock.Lock()
	last := m.last
	m.lock.Unlock()

	if session, ok := m.store.Get(); ok && session.LastActivityAt.After(last) {
		last = session.LastActivityAt
	}
	return last
}

// IsWithinIdleBudget reports whether the last activity is no older than
// maxIdle. With no activity recorded at all there is no evidence of
// abandonment and the answer is true.
func (m *Monitor) IsWithinIdleBudget(maxIdle time.Duration) bool {
	last := m.LastActivity()
	if last.IsZero() {
		return true
	}
	return m.nowFunc().Sub(last) <= maxIdle
}

// Reset forgets the in-memory clock, e.g. after logout.
func (m *Monitor) Reset() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.last = time.Time{}
	m.lastPersisted = time.Time{}
}

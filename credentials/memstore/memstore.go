package memstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-client/credentials"
)

var _ credentials.Store = (*MemStore)(nil)

// Medium is in-process storage shared by any number of MemStore views, the
// way browser tabs share one storage area. A change made through one view is
// observed by subscribers of every view.
type Medium struct {
	session  *credentials.Session
	notifier *credentials.Notifier
	lock     sync.RWMutex
}

func NewMedium() *Medium {
	return &Medium{notifier: credentials.NewNotifier()}
}

// NewView returns a Store bound to this medium with its own origin ID.
func (m *Medium) NewView() *MemStore {
	return &MemStore{medium: m, id: uuid.NewString()}
}

// MemStore is one execution context's view of a Medium.
type MemStore struct {
	medium *Medium
	id     string
}

// New returns a view on a fresh, unshared medium.
func New() *MemStore {
	return NewMedium().NewView()
}

func (s *MemStore) ID() string {
	return s.id
}

func (s *MemStore) Get() (*credentials.Session, bool) {
	s.medium.lock.RLock()
	defer s.medium.lock.RUnlock()
	if s.medium.session == nil {
		return nil, false
	}
	return s.medium.session.Clone(), true
}

func (s *MemStore) Set(session *credentials.Session) {
	s.medium.lock.Lock()
	s.medium.session = session.Clone()
	s.medium.lock.Unlock()

	s.medium.notifier.Publish(credentials.Change{Kind: credentials.Updated, Origin: s.id})
}

func (s *MemStore) SetTokens(accessToken, refreshToken string, user *credentials.User) bool {
	s.medium.lock.Lock()
	if s.medium.session == nil {
		s.medium.lock.Unlock()
		return false
	}
	next := s.medium.session.Clone()
	credentials.ApplyTokens(next, accessToken, refreshToken, user)
	s.medium.session = next
	s.medium.lock.Unlock()

	s.medium.notifier.Publish(credentials.Change{Kind: credentials.Updated, Origin: s.id})
	return true
}

func (s *MemStore) Touch(at time.Time) {
	s.medium.lock.Lock()
	defer s.medium.lock.Unlock()
	if s.medium.session == nil {
		return
	}
	next := s.medium.session.Clone()
	next.LastActivityAt = at
	s.medium.session = next
}

func (s *MemStore) Clear() {
	s.medium.lock.Lock()
	s.medium.session = nil
	s.medium.lock.Unlock()

	s.medium.notifier.Publish(credentials.Change{Kind: credentials.Cleared, Origin: s.id})
}

func (s *MemStore) Subscribe() (<-chan credentials.Change, func()) {
	return s.medium.notifier.Subscribe()
}

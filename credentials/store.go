package credentials

import (
	"sync"
	"time"
)

// ChangeKind describes what happened to the stored credential.
type ChangeKind int

const (
	Updated ChangeKind = iota
	Cleared
)

func (k ChangeKind) String() string {
	if k == Cleared {
		return "cleared"
	}
	return "updated"
}

// Change is emitted by a Store whenever the persisted session changes.
// Origin is the ID of the store view (execution context) that made the change.
type Change struct {
	Kind   ChangeKind
	Origin string
}

// Store persists the session. Every write replaces the session as a whole;
// a reader never observes a partially written session. Stores do not
// validate content and own no timers.
type Store interface {
	// ID identifies this execution context among those sharing the medium.
	ID() string

	// Get returns a copy of the persisted session, if any.
	Get() (*Session, bool)

	// Set replaces the persisted session.
	Set(session *Session)

	// SetTokens rotates the credential fields of the existing session in one
	// write. An empty refreshToken or nil user keeps the stored value. It
	// returns false, writing nothing, when no session is stored.
	SetTokens(accessToken, refreshToken string, user *User) bool

	// Touch persists the last-activity timestamp of the existing session.
	Touch(at time.Time)

	// Clear erases the session and notifies every subscriber sharing the medium.
	Clear()

	// Subscribe returns a channel of changes and a function that cancels the subscription.
	Subscribe() (<-chan Change, func())
}

const subscriberBuffer = 16

// Notifier fans out Change events to subscribers. Sends never block; a
// subscriber that falls a full buffer behind misses events.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Change)}
}

func (n *Notifier) Subscribe() (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan Change, subscriberBuffer)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
			close(ch)
		})
	}
}

func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// ApplyTokens merges a token rotation into s following SetTokens semantics.
func ApplyTokens(s *Session, accessToken, refreshToken string, user *User) {
	s.AccessToken = accessToken
	if refreshToken != "" {
		s.RefreshToken = refreshToken
	}
	if user != nil {
		u := *user
		s.User = &u
	}
}

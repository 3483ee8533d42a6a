package refresh

import (
	"context"

	"github.com/jrsteele09/go-session-client/credentials"
	"github.com/jrsteele09/go-session-client/internal/errors"
	"golang.org/x/oauth2"
)

var _ oauth2.TokenSource = (*TokenSource)(nil)

// TokenSource adapts the store and coordinator to oauth2.TokenSource, for
// code that builds its HTTP client with oauth2.NewClient. A token whose JWT
// expiry has passed is renewed through the coordinator before being returned.
type TokenSource struct {
	ctx         context.Context
	store       credentials.Store
	coordinator *Coordinator
}

func NewTokenSource(ctx context.Context, store credentials.Store, coordinator *Coordinator) *TokenSource {
	return &TokenSource{ctx: ctx, store: store, coordinator: coordinator}
}

func (ts *TokenSource) Token() (*oauth2.Token, error) {
	session, ok := ts.store.Get()
	if !ok || session.AccessToken == "" {
		return nil, errors.ErrNoToken
	}
	token := session.Token()
	if token.Valid() {
		return token, nil
	}

	outcome := ts.coordinator.Refresh(ts.ctx)
	if !outcome.OK() {
		return nil, errors.SessionExpired(outcome.Err)
	}
	return outcome.Session.Token(), nil
}

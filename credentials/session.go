package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-session-client/internal/errors"
	"golang.org/x/oauth2"
)

// User is the cached profile of the authenticated identity.
type User struct {
	Email       string `json:"email"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Session is the authenticated identity held by the client. A session with an
// access token but no user, or a user but no access token, is malformed.
type Session struct {
	User           *User     `json:"user,omitempty"`
	AccessToken    string    `json:"accessToken,omitempty"`
	RefreshToken   string    `json:"refreshToken,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Validate reports ErrSessionMalformed when the user/access-token pairing is broken.
func (s *Session) Validate() error {
	if s == nil {
		return errors.ErrNoSession
	}
	if (s.User == nil) != (s.AccessToken == "") {
		return errors.ErrSessionMalformed
	}
	if s.User == nil {
		return errors.ErrNoSession
	}
	return nil
}

// Clone returns a deep copy so callers never share the stored value.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	return &c
}

// Token exposes the credential pair in golang.org/x/oauth2 form.
func (s *Session) Token() *oauth2.Token {
	if s == nil || s.AccessToken == "" {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
		Expiry:       s.AccessTokenExpiry(),
	}
}

// AccessTokenExpiry decodes the exp claim of a JWT access token without
// verifying it. Opaque or unparsable tokens yield the zero time.
func (s *Session) AccessTokenExpiry() time.Time {
	if s == nil || s.AccessToken == "" {
		return time.Time{}
	}
	token, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Redact returns a log-safe form of a token.
func Redact(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return "***" + token[len(token)-6:]
}

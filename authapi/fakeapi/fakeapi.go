// Package fakeapi is an in-process implementation of the remote API used by
// tests and local runs of the session agent. It mints HS256 JWT access
// tokens, rotates opaque refresh tokens and answers 401s with the same code
// taxonomy as the real service.
package fakeapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-client/authapi"
	"github.com/jrsteele09/go-session-client/credentials"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAccessTokenExpiry = 30 * time.Minute
	refreshTokenLength       = 32 // 32 bytes = 256 bits
	RoleAdmin                = "admin"
	RouteProjects            = "/api/projects"
	RouteAdmin               = "/api/admin"
)

type account struct {
	user         credentials.User
	passwordHash string
}

// Server is the fake API. Its zero value is not usable; call New.
type Server struct {
	secret            []byte
	accessTokenExpiry time.Duration
	rotateRefresh     bool
	router            chi.Router

	lock          sync.RWMutex
	nowFunc       func() time.Time
	accounts      map[string]*account // email -> account
	refreshTokens map[string]string   // refresh token -> email
	revoked       map[string]struct{} // revoked access token jti
	refreshDelay  time.Duration
	refreshStatus int // non-zero forces /auth/refresh-token to answer with this status

	refreshCalls  atomic.Int64
	validateCalls atomic.Int64
	loginCalls    atomic.Int64
	apiCalls      atomic.Int64
}

type Option func(*Server)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Server) {
		s.nowFunc = now
	}
}

func WithAccessTokenExpiry(expiry time.Duration) Option {
	return func(s *Server) {
		s.accessTokenExpiry = expiry
	}
}

// WithRefreshRotation makes every successful refresh issue a new refresh
// token and invalidate the one presented.
func WithRefreshRotation(rotate bool) Option {
	return func(s *Server) {
		s.rotateRefresh = rotate
	}
}

func New(options ...Option) *Server {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)

	s := &Server{
		secret:            secret,
		accessTokenExpiry: defaultAccessTokenExpiry,
		rotateRefresh:     true,
		nowFunc:           time.Now,
		accounts:          make(map[string]*account),
		refreshTokens:     make(map[string]string),
		revoked:           make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Post(authapi.RouteLogin, s.handleLogin)
	r.Post(authapi.RouteRefreshToken, s.handleRefresh)
	r.Get(authapi.RouteValidateToken, s.requireBearer(func(w http.ResponseWriter, r *http.Request, _ *account) {
		w.WriteHeader(http.StatusOK)
	}, &s.validateCalls))
	r.Get(RouteProjects, s.requireBearer(s.handleProjects, &s.apiCalls))
	r.Get(RouteAdmin, s.requireBearer(s.handleAdmin, &s.apiCalls))
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AddUser registers an account that can log in with password.
func (s *Server) AddUser(user credentials.User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.accounts[strings.ToLower(user.Email)] = &account{user: user, passwordHash: string(hash)}
	return nil
}

// Issue mints a token pair for a registered user without a password, for
// seeding a client store in tests.
func (s *Server) Issue(email string) (*authapi.TokenResponse, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	acc, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return nil, errors.New("unknown user")
	}
	return s.issueLocked(acc, "")
}

// RevokeAccessToken makes token answer INVALID_TOKEN from now on.
func (s *Server) RevokeAccessToken(token string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	jti, _ := claims["jti"].(string)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.revoked[jti] = struct{}{}
}

// RevokeRefreshTokens invalidates every outstanding refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.refreshTokens = make(map[string]string)
}

// SetNowFunc replaces the server clock, e.g. to age tokens past their expiry.
func (s *Server) SetNowFunc(now func() time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nowFunc = now
}

// SetRefreshDelay delays every refresh response, widening the window in which
// concurrent callers pile up behind one refresh.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.refreshDelay = d
}

// SetRefreshStatus forces /auth/refresh-token to answer with status. Zero restores normal behaviour.
func (s *Server) SetRefreshStatus(status int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.refreshStatus = status
}

func (s *Server) RefreshCalls() int64  { return s.refreshCalls.Load() }
func (s *Server) ValidateCalls() int64 { return s.validateCalls.Load() }
func (s *Server) LoginCalls() int64    { return s.loginCalls.Load() }
func (s *Server) APICalls() int64      { return s.apiCalls.Load() }

func (s *Server) now() time.Time {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.nowFunc()
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	var req authapi.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed request")
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	acc, ok := s.accounts[strings.ToLower(req.Email)]
	if !ok || bcrypt.CompareHashAndPassword([]byte(acc.passwordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, authapi.CodeInvalidToken, "invalid credentials")
		return
	}
	resp, err := s.issueLocked(acc, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.lock.RLock()
	delay, forced := s.refreshDelay, s.refreshStatus
	s.lock.RUnlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if forced != 0 {
		writeError(w, forced, "", "refresh unavailable")
		return
	}

	var req authapi.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "", "missing refresh token")
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	email, ok := s.refreshTokens[req.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, authapi.CodeInvalidToken, "refresh token rejected")
		return
	}
	acc := s.accounts[email]

	keep := req.RefreshToken
	if s.rotateRefresh {
		delete(s.refreshTokens, req.RefreshToken)
		keep = ""
	}
	resp, err := s.issueLocked(acc, keep)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	if !s.rotateRefresh {
		resp.RefreshToken = ""
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request, acc *account) {
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":    acc.user.UserID,
		"projects": []string{"Harbour View", "Parkside Lofts"},
	})
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, acc *account) {
	if acc.user.Role != RoleAdmin {
		writeError(w, http.StatusForbidden, "", "admin role required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requireBearer(next func(http.ResponseWriter, *http.Request, *account), counter *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)

		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if authHeader == "" || len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			writeError(w, http.StatusUnauthorized, authapi.CodeNoToken, "missing bearer token")
			return
		}

		acc, code := s.verify(parts[1])
		if code != "" {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_code="`+string(code)+`"`)
			writeError(w, http.StatusUnauthorized, code, "token rejected")
			return
		}
		next(w, r, acc)
	}
}

func (s *Server) verify(raw string) (*account, authapi.ErrorCode) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, authapi.CodeTokenExpired
	}
	if err != nil || !token.Valid {
		return nil, authapi.CodeInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, authapi.CodeInvalidToken
	}
	jti, _ := claims["jti"].(string)
	email, _ := claims["email"].(string)

	s.lock.RLock()
	defer s.lock.RUnlock()
	if _, revoked := s.revoked[jti]; revoked {
		return nil, authapi.CodeInvalidToken
	}
	acc, ok := s.accounts[email]
	if !ok {
		return nil, authapi.CodeInvalidToken
	}
	return acc, ""
}

// issueLocked mints an access token and, unless keepRefresh is set, a new
// refresh token. s.lock must be held.
func (s *Server) issueLocked(acc *account, keepRefresh string) (*authapi.TokenResponse, error) {
	now := s.nowFunc()
	claims := jwt.MapClaims{
		"sub":   acc.user.UserID,
		"email": strings.ToLower(acc.user.Email),
		"role":  acc.user.Role,
		"iat":   now.Unix(),
		"exp":   now.Add(s.accessTokenExpiry).Unix(),
		"jti":   uuid.New().String(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, err
	}

	refresh := keepRefresh
	if refresh == "" {
		tokenBytes := make([]byte, refreshTokenLength)
		if _, err := rand.Read(tokenBytes); err != nil {
			return nil, err
		}
		refresh = hex.EncodeToString(tokenBytes)
		s.refreshTokens[refresh] = strings.ToLower(acc.user.Email)
	}

	user := acc.user
	return &authapi.TokenResponse{AccessToken: access, RefreshToken: refresh, User: &user}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code authapi.ErrorCode, message string) {
	writeJSON(w, status, authapi.ErrorBody{Code: code, Message: message})
}

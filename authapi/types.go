package authapi

import "github.com/jrsteele09/go-session-client/credentials"

// ErrorCode is the machine-readable reason carried by a 401 response.
type ErrorCode string

const (
	// CodeTokenExpired means the access token was genuine but is past its
	// lifetime; a refresh can recover.
	CodeTokenExpired ErrorCode = "TOKEN_EXPIRED"

	// CodeInvalidToken means the credential itself is unusable (revoked,
	// tampered). Refreshing does not help.
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// CodeNoToken means no bearer credential was presented.
	CodeNoToken ErrorCode = "NO_TOKEN"
)

// ErrorBody is the JSON error document returned by the API.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned by /auth/login and /auth/refresh-token. On a
// refresh, RefreshToken and User are optional.
type TokenResponse struct {
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	User         *credentials.User `json:"user,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh-token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

const (
	RouteLogin         = "/auth/login"
	RouteRefreshToken  = "/auth/refresh-token"
	RouteValidateToken = "/auth/validate-token"
)

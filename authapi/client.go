package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jrsteele09/go-session-client/internal/errors"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// Client calls the authentication endpoints of the remote API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login exchanges credentials for a token pair and user profile.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	var out TokenResponse
	status, err := c.postJSON(ctx, RouteLogin, LoginRequest{Email: email, Password: password}, &out)
	if err != nil {
		return nil, errors.Wrapf(err, "[authapi Login]")
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusUnauthorized || status == http.StatusBadRequest:
		return nil, errors.ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("[authapi Login] status %d: %w", status, errors.ErrUnexpectedResponse)
	}
	if out.AccessToken == "" || out.User == nil {
		return nil, fmt.Errorf("[authapi Login] incomplete token response: %w", errors.ErrUnexpectedResponse)
	}
	return &out, nil
}

// RefreshToken renews the access token. A 4xx answer means the server
// rejected the refresh token (ErrRefreshRejected); transport failures and 5xx
// answers are reported as ErrRefreshNetwork.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var out TokenResponse
	status, err := c.postJSON(ctx, RouteRefreshToken, RefreshRequest{RefreshToken: refreshToken}, &out)
	if err != nil {
		return nil, fmt.Errorf("[authapi RefreshToken] %w: %w", errors.ErrRefreshNetwork, err)
	}
	switch {
	case status == http.StatusOK:
	case status >= 400 && status < 500:
		return nil, fmt.Errorf("[authapi RefreshToken] status %d: %w", status, errors.ErrRefreshRejected)
	default:
		return nil, fmt.Errorf("[authapi RefreshToken] status %d: %w", status, errors.ErrRefreshNetwork)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("[authapi RefreshToken] empty access token: %w", errors.ErrRefreshRejected)
	}
	return &out, nil
}

// ValidateToken asks the server whether accessToken is still good. It returns
// nil when valid, ErrTokenExpired, ErrTokenInvalid or ErrNoToken for a 401,
// and any other error for transport or server failures.
func (c *Client) ValidateToken(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+RouteValidateToken, nil)
	if err != nil {
		return errors.Wrapf(err, "[authapi ValidateToken]")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "[authapi ValidateToken]")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ClassifyUnauthorized(resp)
	default:
		return fmt.Errorf("[authapi ValidateToken] status %d: %w", resp.StatusCode, errors.ErrUnexpectedResponse)
	}
}

func (c *Client) postJSON(ctx context.Context, route string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

var wwwAuthenticateCode = regexp.MustCompile(`error_code="?([A-Z_]+)"?`)

// ClassifyUnauthorized maps a 401 response to ErrTokenExpired, ErrNoToken or
// ErrTokenInvalid. The code is read from the JSON body, falling back to the
// WWW-Authenticate header. The body is restored so callers can still read it.
// A 401 without a recognisable code is treated as an invalid token, never as
// an expiry, so it cannot start a refresh loop.
func ClassifyUnauthorized(resp *http.Response) error {
	switch ResponseCode(resp) {
	case CodeTokenExpired:
		return errors.ErrTokenExpired
	case CodeNoToken:
		return errors.ErrNoToken
	default:
		return errors.ErrTokenInvalid
	}
}

// ResponseCode extracts the ErrorCode from resp, leaving resp.Body readable
// in full. Only the first 64KiB are inspected.
func ResponseCode(resp *http.Response) ErrorCode {
	if resp.Body != nil {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(data), resp.Body), Closer: resp.Body}
		if err == nil {
			var body ErrorBody
			if json.Unmarshal(data, &body) == nil && body.Code != "" {
				return body.Code
			}
		}
	}
	if m := wwwAuthenticateCode.FindStringSubmatch(resp.Header.Get("WWW-Authenticate")); m != nil {
		return ErrorCode(m[1])
	}
	return ""
}

// replayBody serves the inspected prefix followed by the unread remainder,
// and closes the original body.
type replayBody struct {
	io.Reader
	io.Closer
}

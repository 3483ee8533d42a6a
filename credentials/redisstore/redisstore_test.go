package redisstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-client/credentials"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Integration tests: start a real Redis through testcontainers-go.
//
//   GO_TEST_INTEGRATION=1 go test ./credentials/redisstore -v -race -count=1

func startRedis(t *testing.T) string {
	t.Helper()
	if os.Getenv("GO_TEST_INTEGRATION") == "" {
		t.Skip("integration tests are disabled (set GO_TEST_INTEGRATION=1)")
	}

	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "docker.io/redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func testSession() *credentials.Session {
	return &credentials.Session{
		User:           &credentials.User{Email: "agent@example.com", UserID: "user-1", DisplayName: "Agent", Role: "sales"},
		AccessToken:    "access-1",
		RefreshToken:   "refresh-1",
		LastActivityAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	s, err := NewFromURL(ctx, url, WithKey("test:creds"), WithChannel("test:changes"))
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Get()
	require.False(t, ok)
	require.False(t, s.SetTokens("a", "r", nil))

	s.Set(testSession())
	require.True(t, s.SetTokens("access-2", "refresh-2", nil))

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.Touch(at)

	got, ok := s.Get()
	require.True(t, ok)
	require.Equal(t, "access-2", got.AccessToken)
	require.Equal(t, "refresh-2", got.RefreshToken)
	require.True(t, at.Equal(got.LastActivityAt))

	s.Clear()
	_, ok = s.Get()
	require.False(t, ok)
}

func TestRedisStore_ClearPropagatesAcrossProcesses(t *testing.T) {
	url := startRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewFromURL(ctx, url, WithKey("test:creds"), WithChannel("test:changes"))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewFromURL(ctx, url, WithKey("test:creds"), WithChannel("test:changes"))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Watch(ctx))
	changes, unsubscribe := b.Subscribe()
	defer unsubscribe()

	a.Set(testSession())
	a.Clear()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case change := <-changes:
			if change.Kind != credentials.Cleared {
				continue
			}
			require.Equal(t, a.ID(), change.Origin)
			return
		case <-deadline:
			t.Fatal("timed out waiting for cleared change")
		}
	}
}

func TestRedisStore_SetTokensNeverExposesAHalfRotatedPair(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	writer, err := NewFromURL(ctx, url, WithKey("test:rotate"), WithChannel("test:rotate-changes"))
	require.NoError(t, err)
	defer writer.Close()
	reader, err := NewFromURL(ctx, url, WithKey("test:rotate"), WithChannel("test:rotate-changes"))
	require.NoError(t, err)
	defer reader.Close()

	session := testSession()
	session.AccessToken, session.RefreshToken = "access-0", "refresh-0"
	writer.Set(session)

	done := make(chan bool, 1)
	go func() {
		ok := true
		for i := 1; i <= 50; i++ {
			ok = writer.SetTokens(fmt.Sprintf("access-%d", i), fmt.Sprintf("refresh-%d", i), nil) && ok
		}
		done <- ok
	}()

	for {
		got, found := reader.Get()
		require.True(t, found)
		require.Equal(t, strings.TrimPrefix(got.AccessToken, "access-"), strings.TrimPrefix(got.RefreshToken, "refresh-"))
		select {
		case ok := <-done:
			require.True(t, ok)
			got, _ = reader.Get()
			require.Equal(t, "access-50", got.AccessToken)
			require.Equal(t, "refresh-50", got.RefreshToken)
			return
		default:
		}
	}
}

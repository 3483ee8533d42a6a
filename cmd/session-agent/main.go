package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-session-client/activity"
	"github.com/jrsteele09/go-session-client/authapi"
	"github.com/jrsteele09/go-session-client/authapi/fakeapi"
	"github.com/jrsteele09/go-session-client/credentials"
	"github.com/jrsteele09/go-session-client/credentials/filestore"
	"github.com/jrsteele09/go-session-client/credentials/memstore"
	"github.com/jrsteele09/go-session-client/credentials/redisstore"
	"github.com/jrsteele09/go-session-client/internal/config"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const pollInterval = time.Minute

var (
	errStopped       = errors.New("stop signal received")
	errNoCredentials = errors.New("no stored session and LOGIN_EMAIL is not set")
)

func main() {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go func() {
		waitForStopSignal()
		cancel(errStopped)
	}()

	for {
		err := run(ctx)
		if err == nil || errors.Is(err, errStopped) {
			break
		}
		if errors.Is(err, errNoCredentials) {
			log.Fatal().Err(err).Msg("Session agent cannot sign in")
		}
		log.Err(err).Msg("Session agent stopped, restarting")
		select {
		case <-ctx.Done():
		case <-time.After(1 * time.Second):
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Info().Msg("Session agent stopped")
}

func run(ctx context.Context) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	if err := context.Cause(ctx); err != nil {
		return err
	}
	// Goroutines started for this run stop when it returns.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := config.New()
	if err != nil {
		return err
	}
	setupLogging(c.GetEnv())
	displayAppname(c.GetAppName())

	store, closeStore, err := newStore(ctx, c)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	if err := m.Register(registry); err != nil {
		return fmt.Errorf("metrics.Register: %w", err)
	}

	signals, err := activity.ParseSignals(c.GetActivitySignals())
	if err != nil {
		return err
	}

	api := authapi.NewClient(c.GetBaseURL(), authapi.WithTimeout(c.GetRequestTimeout()))
	lifecycle := session.New(store, api,
		session.WithRefreshInterval(c.GetRefreshInterval()),
		session.WithIdleTimeout(c.GetIdleTimeout()),
		session.WithRefreshTimeout(c.GetRefreshTimeout()),
		session.WithActivityOptions(
			activity.WithSignals(signals...),
			activity.WithPersistEvery(c.GetActivityPersistEvery()),
		),
		session.WithMetrics(m),
	)
	defer lifecycle.Close()

	lifecycle.OnChange(func(ev session.Event) {
		log.Info().Str("state", ev.State.String()).AnErr("reason", ev.Reason).Msg("Session state changed")
	})

	if err := signIn(ctx, lifecycle, c); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := c.GetMetricsAddr(); addr != "" {
		server := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
		g.Go(func() error { return listenAndServe(server) })
		g.Go(func() error {
			<-gctx.Done()
			return shutdown(server)
		})
	}
	g.Go(func() error { return pollProjects(gctx, lifecycle, c.GetBaseURL()) })

	returnError = g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, errStopped) {
		return errStopped
	}
	return returnError
}

// signIn restores the persisted session, falling back to the configured
// agent credentials.
func signIn(ctx context.Context, lifecycle *session.Lifecycle, c config.EnvConfig) error {
	if lifecycle.Restore(ctx) == session.Authenticated {
		log.Info().Str("user_id", lifecycle.User().UserID).Msg("Session restored")
		return nil
	}
	if c.GetLoginEmail() == "" {
		return errNoCredentials
	}
	if err := lifecycle.LoginWithPassword(ctx, c.GetLoginEmail(), c.GetLoginPassword()); err != nil {
		return fmt.Errorf("lifecycle.LoginWithPassword: %w", err)
	}
	log.Info().Str("email", c.GetLoginEmail()).Msg("Logged in")
	return nil
}

func pollProjects(ctx context.Context, lifecycle *session.Lifecycle, baseURL string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err := fetchProjects(ctx, lifecycle, baseURL); err != nil {
			if sessionerrors.Is(err, sessionerrors.ErrSessionExpired) {
				return err
			}
			log.Warn().Err(err).Msg("Poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func fetchProjects(ctx context.Context, lifecycle *session.Lifecycle, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+fakeapi.RouteProjects, nil)
	if err != nil {
		return err
	}
	resp, err := lifecycle.Gateway().Send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return err
	}
	log.Info().Int("status", resp.StatusCode).Int64("bytes", n).Msg("Projects")
	return nil
}

func newStore(ctx context.Context, c config.StoreConfig) (credentials.Store, func(), error) {
	switch c.GetStoreBackend() {
	case config.StoreBackendFile:
		store := filestore.New(afero.NewOsFs(), c.GetStoreFilePath(), filestore.WithPollInterval(c.GetStorePollInterval()))
		store.Watch(ctx)
		return store, func() {}, nil
	case config.StoreBackendRedis:
		store, err := redisstore.NewFromURL(ctx, c.GetRedisURL(), redisstore.WithKey(c.GetRedisKey()), redisstore.WithChannel(c.GetRedisChannel()))
		if err != nil {
			return nil, nil, fmt.Errorf("redisstore.NewFromURL: %w", err)
		}
		if err := store.Watch(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("redisstore.Watch: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case config.StoreBackendMemory:
		return memstore.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", c.GetStoreBackend())
	}
}

func setupLogging(env string) {
	level, err := zerolog.ParseLevel(config.GetEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if env == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Metrics listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

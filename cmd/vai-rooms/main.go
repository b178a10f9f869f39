package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vango-go/vai-rooms/internal/dotenv"
	"github.com/vango-go/vai-rooms/pkg/kv"
	"github.com/vango-go/vai-rooms/pkg/persona"
	"github.com/vango-go/vai-rooms/pkg/profile"
	"github.com/vango-go/vai-rooms/pkg/rooms"
	"github.com/vango-go/vai-rooms/pkg/runner/config"
	runnerserver "github.com/vango-go/vai-rooms/pkg/runner/server"
	"github.com/vango-go/vai-rooms/pkg/session"
	"github.com/vango-go/vai-rooms/pkg/store"
	"github.com/vango-go/vai-rooms/pkg/summarize"
)

const shutdownGrace = 15 * time.Second

type runnerDeps struct {
	loadConfig   func() (config.Config, error)
	connectKV    func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*kv.Client, error)
	newServer    func(cfg config.Config, deps runnerserver.Deps) *runnerserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRunnerDeps() runnerDeps {
	return runnerDeps{
		loadConfig:   config.LoadFromEnv,
		connectKV:    connectKV,
		newServer:    runnerserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { signal.Notify(c, sig...) },
		signalStop:   signal.Stop,
	}
}

func connectKV(ctx context.Context, cfg config.Config, logger *slog.Logger) (*kv.Client, error) {
	opts := []kv.Option{
		kv.WithLogger(logger),
		kv.WithCanonicalOptions(rooms.CanonicalOptions{LowercasePath: cfg.CanonicalizeLowerPath}),
	}
	if !cfg.RedisEnabled() {
		return kv.New(nil, opts...), nil
	}
	return kv.Connect(ctx, redisURLWithSecret(cfg.RedisURL, cfg.RedisSharedSecret), opts...)
}

// redisURLWithSecret splices the shared secret into a credential-less URL so
// REDIS_AUTH_REQUIRED deployments authenticate without embedding the secret
// in REDIS_URL.
func redisURLWithSecret(raw, secret string) string {
	if secret == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User != nil {
		return raw
	}
	u.User = url.UserPassword("default", secret)
	return u.String()
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func runRunner(ctx context.Context, logger *slog.Logger, deps runnerDeps) error {
	if deps.loadConfig == nil || deps.connectKV == nil || deps.newServer == nil {
		return errors.New("missing runner dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	kvClient, err := deps.connectKV(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer kvClient.Close()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	summaries, err := summarize.New(ctx, cfg.GeminiAPIKey, summarize.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}

	personas, err := persona.Load(cfg.PersonaDir)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	srv := deps.newServer(cfg, runnerserver.Deps{
		Logger:   logger,
		KV:       kvClient,
		Personas: personas,
		Session: session.Deps{
			Profiles:  profile.NewClient(cfg.MeshAPIEndpoint, cfg.MeshSharedSecret, profile.WithLogger(logger)),
			Store:     db,
			Summaries: summaries,
		},
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting runner",
		"addr", cfg.Addr,
		"redis", kvClient.Enabled(),
		"store", db.Enabled(),
		"summaries", summaries.Enabled(),
		"forwarder", string(cfg.Forwarder),
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	if cfg.AutoStart && cfg.RoomURL != "" {
		entry := srv.AutoStartSession(cfg.RoomURL, cfg.RoomToken)
		logger.Info("auto-started session", "session", entry.Session.ID(), "room", cfg.RoomURL)
	}

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case reason := <-srv.Exit():
		logger.Info("session requested process exit", "reason", reason)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if !srv.Shutdown(shutdownCtx) {
		logger.Warn("session teardown did not finish before the deadline")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("runner stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps runnerDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-rooms: %v\n", err)
		return 1
	}

	if err := runRunner(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "vai-rooms: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRunnerDeps()))
}

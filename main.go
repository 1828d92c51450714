// Command twitch-creamery runs a fleet of Twitch chat bots from one process.
// It:
//   - Loads bots.yaml plus environment configuration and initializes
//     structured logging.
//   - Builds the shared token cache over an encrypted token store (Postgres
//     when DB_DSN is set, a local directory otherwise).
//   - Starts one supervised session per bot: authenticate, connect, subscribe
//     declared topics, and recover from token expiry and transport drops.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and
//     /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/perplexistential/twitch-creamery/bot"
	"github.com/perplexistential/twitch-creamery/cogs"
	"github.com/perplexistential/twitch-creamery/config"
	"github.com/perplexistential/twitch-creamery/crypto"
	"github.com/perplexistential/twitch-creamery/db"
	"github.com/perplexistential/twitch-creamery/irc"
	"github.com/perplexistential/twitch-creamery/oauth"
	"github.com/perplexistential/twitch-creamery/server"
	"github.com/perplexistential/twitch-creamery/subs"
	"github.com/perplexistential/twitch-creamery/telemetry"
	"github.com/perplexistential/twitch-creamery/tokenstore"
	"github.com/perplexistential/twitch-creamery/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	// Config
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	shutdownTracing, err := telemetry.InitTracing("twitch-creamery", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	sealer, err := crypto.NewAESSealer(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		slog.Error("encryption key invalid; set ENCRYPTION_KEY to a base64 32-byte key", slog.Any("err", err))
		os.Exit(1)
	}

	// Token store: Postgres when DB_DSN is set, local directory otherwise.
	var (
		store    tokenstore.Store
		database *sql.DB
	)
	if os.Getenv("DB_DSN") != "" {
		database, err = db.Connect()
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.Migrate(migrateCtx, database); err != nil {
			cancel()
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		cancel()
		store, err = tokenstore.NewDBStore(database, sealer)
	} else {
		store, err = tokenstore.NewFileStore(cfg.TokenDir, sealer)
	}
	if err != nil {
		slog.Error("failed to build token store", slog.Any("err", err))
		os.Exit(1)
	}

	cache := oauth.NewCache(store, 0)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := make([]*bot.Session, 0, len(cfg.Bots))
	for _, bc := range cfg.Bots {
		s, err := buildSession(cache, bc)
		if err != nil {
			slog.Error("failed to build bot", slog.String("bot", bc.Name), slog.Any("err", err))
			os.Exit(1)
		}
		sessions = append(sessions, s)
	}
	sup := bot.NewSupervisor(cfg.Stagger, sessions...)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics)
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, sup, database); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("starting bots", slog.Int("count", len(sessions)))
	if err := sup.Run(ctx); err != nil {
		slog.Error("one or more bot sessions terminated", slog.Any("err", err))
	}
	slog.Info("shutting down")
}

// buildSession wires one configured bot into a supervised session: provider
// client, interactive authorizer, Helix resolver, subscription manager, IRC
// dialer, and cogs.
func buildSession(cache *oauth.Cache, bc config.BotConfig) (*bot.Session, error) {
	api := &twitchapi.Client{ClientID: bc.ClientID, ClientSecret: bc.ClientSecret}
	cache.Register(oauth.Identity{
		Name: bc.Name,
		API:  api,
		Authorizer: &oauth.Authenticator{
			API:     api,
			Host:    "localhost",
			Port:    bc.AuthPort,
			Scopes:  bc.Scopes,
			OpenURL: openBrowser(),
		},
	})

	helix := &twitchapi.HelixClient{
		ClientID: bc.ClientID,
		Token: func(ctx context.Context) (string, error) {
			pair, err := cache.GetOrCreate(ctx, bc.Name)
			if err != nil {
				return "", err
			}
			return pair.AccessToken, nil
		},
	}

	handlers := make([]bot.Handler, 0, len(bc.Cogs))
	for name, data := range bc.Cogs {
		if data == nil {
			data = map[string]any{}
		}
		if _, ok := data["prefix"]; !ok {
			data["prefix"] = bc.Prefix
		}
		h, err := cogs.New(name, data)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}

	return &bot.Session{
		Name:     bc.Name,
		Topics:   bc.Topics,
		Cache:    cache,
		Dialer:   &irc.Dialer{Username: bc.Name},
		Subs:     subs.NewManager(helix, 0, 0),
		Handlers: handlers,
	}, nil
}

// openBrowser returns a consent-URL opener when AUTH_OPEN_BROWSER=1; headless
// deployments leave it unset and the URL is logged for the operator instead.
func openBrowser() func(url string) error {
	if os.Getenv("AUTH_OPEN_BROWSER") != "1" {
		return nil
	}
	return func(url string) error {
		var cmd string
		switch runtime.GOOS {
		case "darwin":
			cmd = "open"
		default:
			cmd = "xdg-open"
		}
		return exec.Command(cmd, url).Start()
	}
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT. Defaults:
// level=info, format=text.
func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

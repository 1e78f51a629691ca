// Package main provides the nowsync CLI application entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"nowsync/internal/core"
	httpserver "nowsync/internal/http"
	"nowsync/internal/local"
	"nowsync/internal/spotify"
	"nowsync/internal/store"
)

const defaultServerHost = "0.0.0.0"

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nowsync",
	Short: "nowsync - canonical now-playing reconciliation service",
	Long: `nowsync merges playback observations from the on-device media session and
the Spotify companion link into a single canonical now-playing value, keeps the
remote link alive through network churn, and serves the result over HTTP.`,
	RunE: runNowsync,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")
	rootCmd.PersistentFlags().String("spotify-client-id", "", "Spotify client ID")
	rootCmd.PersistentFlags().String("spotify-client-secret", "", "Spotify client secret")
	rootCmd.PersistentFlags().String("spotify-redirect-url", "", "OAuth callback URL")
	rootCmd.PersistentFlags().Int("reconcile-interval-secs", 2, "Periodic reconciliation interval in seconds")
	rootCmd.PersistentFlags().Int("recency-window-secs", 3, "Conflict recency override window in seconds")
	rootCmd.PersistentFlags().Int("local-staleness-secs", 30, "Local snapshot staleness window in seconds")
	rootCmd.PersistentFlags().Int("remote-staleness-secs", 3, "Remote snapshot staleness window in seconds")
	rootCmd.PersistentFlags().Int("settle-delay-ms", 250, "Post-command settle delay in milliseconds")
	rootCmd.PersistentFlags().Int("local-poll-secs", 2, "Local media session poll interval in seconds")
	rootCmd.PersistentFlags().Int("connect-timeout-secs", 10, "Remote connect timeout in seconds")
	rootCmd.PersistentFlags().Int("snapshot-timeout-ms", 1500, "Remote snapshot timeout in milliseconds")
	rootCmd.PersistentFlags().Int("fast-retry-secs", 5, "Reconnect interval during the fast retry phase in seconds")
	rootCmd.PersistentFlags().Int("slow-retry-secs", 30, "Reconnect interval after the fast retry phase in seconds")
	rootCmd.PersistentFlags().Int("fast-retry-limit", 10, "Consecutive failures before switching to slow retries")
	rootCmd.PersistentFlags().Int("liveness-interval-secs", 30, "Remote liveness check interval in seconds")
	rootCmd.PersistentFlags().String("db-path", "./nowsync.db", "Sqlite database path")
	rootCmd.PersistentFlags().Int("history-max", 10000, "Play history dedup window size")
	rootCmd.PersistentFlags().String("server-host", defaultServerHost, "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix("NOWSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log.Level, config.Log.Format)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	configureEngine(cfg)
	configureRemote(cfg)
	configureStore(cfg)
	configureServer(cfg)
	// Last: the redirect URL fallback derives from the final server address.
	configureSpotify(cfg)

	return cfg
}

func configureSpotify(cfg *core.Config) {
	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	cfg.Spotify.ClientSecret = viper.GetString("spotify-client-secret")
	cfg.Spotify.RedirectURL = viper.GetString("spotify-redirect-url")

	if cfg.Spotify.RedirectURL == "" {
		serverHost := cfg.Server.Host
		if serverHost == defaultServerHost {
			serverHost = "127.0.0.1"
		}
		cfg.Spotify.RedirectURL = fmt.Sprintf("http://%s:%d/callback", serverHost, cfg.Server.Port)
	}
}

func configureEngine(cfg *core.Config) {
	cfg.Engine.ReconcileInterval = secsFlag("reconcile-interval-secs", cfg.Engine.ReconcileInterval)
	cfg.Engine.RecencyWindow = secsFlag("recency-window-secs", cfg.Engine.RecencyWindow)
	cfg.Engine.LocalStalenessWindow = secsFlag("local-staleness-secs", cfg.Engine.LocalStalenessWindow)
	cfg.Engine.RemoteStalenessWindow = secsFlag("remote-staleness-secs", cfg.Engine.RemoteStalenessWindow)
	if ms := viper.GetInt("settle-delay-ms"); ms > 0 {
		cfg.Engine.SettleDelay = time.Duration(ms) * time.Millisecond
	}
	cfg.Local.PollInterval = secsFlag("local-poll-secs", cfg.Local.PollInterval)
}

func configureRemote(cfg *core.Config) {
	cfg.Remote.ConnectTimeout = secsFlag("connect-timeout-secs", cfg.Remote.ConnectTimeout)
	if ms := viper.GetInt("snapshot-timeout-ms"); ms > 0 {
		cfg.Remote.SnapshotTimeout = time.Duration(ms) * time.Millisecond
	}
	cfg.Remote.FastRetryInterval = secsFlag("fast-retry-secs", cfg.Remote.FastRetryInterval)
	cfg.Remote.SlowRetryInterval = secsFlag("slow-retry-secs", cfg.Remote.SlowRetryInterval)
	if limit := viper.GetInt("fast-retry-limit"); limit > 0 {
		cfg.Remote.FastRetryLimit = limit
	}
	cfg.Remote.LivenessInterval = secsFlag("liveness-interval-secs", cfg.Remote.LivenessInterval)
}

func configureStore(cfg *core.Config) {
	if path := viper.GetString("db-path"); path != "" {
		cfg.Store.DatabasePath = path
	}
	if max := viper.GetInt("history-max"); max > 0 {
		cfg.Store.HistoryMax = max
	}
}

func configureServer(cfg *core.Config) {
	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	cfg.Server.Port = viper.GetInt("server-port")
	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Format = viper.GetString("log-format")
}

func secsFlag(name string, fallback time.Duration) time.Duration {
	if secs := viper.GetInt(name); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func buildLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if strings.ToLower(format) == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runNowsync(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting nowsync",
		zap.String("version", "1.0.0"),
		zap.String("db_path", config.Store.DatabasePath),
		zap.String("redirect_url", config.Spotify.RedirectURL))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	services, err := initializeServices()
	if err != nil {
		return err
	}
	defer services.db.Close()

	return runServices(ctx, services)
}

type services struct {
	db         *store.DB
	engine     *core.Engine
	manager    *core.ResilienceManager
	spotify    *spotify.Client
	httpServer *httpserver.Server
}

func initializeServices() (*services, error) {
	db, err := store.Open(config.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	credentials := store.NewCredentialStore(db)
	history, err := store.NewHistoryRecorder(&config.Store, db, logger.Named("history"))
	if err != nil {
		db.Close()
		return nil, err
	}

	metrics := httpserver.NewMetrics()
	spotifyClient := spotify.NewClient(&config.Spotify, &config.Remote, logger.Named("spotify"))

	engine := core.NewEngine(config, spotifyClient, metrics, logger.Named("engine"))
	localAdapter := local.NewAdapter(&config.Local, newMediaSession(), engine, logger.Named("local"))
	engine.AttachLocalSource(localAdapter)

	manager := core.NewResilienceManager(config, spotifyClient, credentials, engine, metrics,
		logger.Named("resilience"))
	engine.SetStatusProvider(manager.Status)
	engine.Subscribe(history.Record)

	httpServer := httpserver.NewServer(&config.Server, engine, manager, spotifyClient, history,
		spotifyClient, metrics, logger.Named("http"))

	return &services{
		db:         db,
		engine:     engine,
		manager:    manager,
		spotify:    spotifyClient,
		httpServer: httpServer,
	}, nil
}

// newMediaSession returns the host media session binding. Hosts without one
// run with NoSession and the engine reports remote-backed state only.
func newMediaSession() local.MediaSession {
	return local.NoSession{}
}

func runServices(ctx context.Context, svcs *services) error {
	g, gCtx := errgroup.WithContext(ctx)

	if err := svcs.engine.Start(gCtx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := svcs.manager.Start(gCtx); err != nil {
		return fmt.Errorf("failed to start resilience manager: %w", err)
	}

	if !svcs.manager.HasCredential() {
		logger.Info("No remote credential saved; authorize via the login endpoint",
			zap.String("auth_url", svcs.spotify.AuthURL("nowsync")))
	}

	g.Go(func() error {
		return svcs.httpServer.Start(gCtx)
	})

	logger.Info("nowsync started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	err := g.Wait()

	svcs.manager.Stop()
	svcs.engine.Stop()

	if err != nil {
		logger.Error("nowsync stopped with error", zap.Error(err))
		return err
	}

	logger.Info("nowsync stopped gracefully")
	return nil
}

func validateConfig() error {
	if config.Spotify.ClientID == "" {
		return fmt.Errorf("spotify client ID is required")
	}
	if config.Spotify.ClientSecret == "" {
		return fmt.Errorf("spotify client secret is required")
	}
	if config.Engine.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	if config.Remote.FastRetryInterval <= 0 || config.Remote.SlowRetryInterval <= 0 {
		return fmt.Errorf("retry intervals must be positive")
	}
	return nil
}

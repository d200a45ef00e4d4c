package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tokengate/tokengate/internal/alerts"
	"github.com/tokengate/tokengate/internal/api"
	"github.com/tokengate/tokengate/internal/breaker"
	"github.com/tokengate/tokengate/internal/cleanup"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/logging"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/oauth"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/scheduler"
	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/internal/telegram"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the TokenGate server",
	Long: `Start the TokenGate server in main mode.

This command starts the HTTP server that handles OAuth authorization
flows, token refresh scheduling, and credential management.

Example:
  tokengate serve --config config.yaml --db ./data/tokengate.db

The server will start listening on the address configured in the config file.`,
	RunE: runServe,
}

var serveFlags struct {
	Host       string
	Port       int
	Timeout    time.Duration
	TLS        bool
	TLSCert    string
	TLSKey     string
	TLSVersion string
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", 30*time.Second, "Shutdown timeout")
	serveCmd.Flags().BoolVar(&serveFlags.TLS, "tls", false, "Enable TLS/HTTPS")
	serveCmd.Flags().StringVar(&serveFlags.TLSCert, "cert", "", "TLS certificate file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSKey, "key", "", "TLS key file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSVersion, "tls-version", "1.3", "Minimum TLS version (1.2 or 1.3)")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if globalFlags.Verbose {
		log.Println("Starting TokenGate server...")
		log.Printf("Config path: %s", globalFlags.Config)
		log.Printf("Database path: %s", globalFlags.DBPath)
	}

	// Load configuration
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Apply CLI flags to config
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.TLS {
		cfg.Server.TLS.Enabled = true
	}
	if serveFlags.TLSCert != "" {
		cfg.Server.TLS.CertFile = serveFlags.TLSCert
	}
	if serveFlags.TLSKey != "" {
		cfg.Server.TLS.KeyFile = serveFlags.TLSKey
	}
	if serveFlags.TLSVersion != "" {
		cfg.Server.TLS.MinVersion = serveFlags.TLSVersion
	}

	// Validate TLS configuration if enabled
	if cfg.Server.TLS.Enabled {
		if err := validateTLSConfig(cfg.Server.TLS); err != nil {
			return fmt.Errorf("TLS validation failed: %w", err)
		}
	}

	logger := logging.NewLogger(logging.WithLevel(logging.LogLevel(cfg.Server.LogLevel)))
	m := metrics.NewMetrics("tokengate")

	// Create SQLite store with WAL mode enabled. The refresh buffer is
	// also the store's expiry safety margin.
	sqliteStore, err := store.NewSQLiteStoreWithBuffer(globalFlags.DBPath, cfg.Refresh.Buffer)
	if err != nil {
		return fmt.Errorf("failed to create SQLite store: %w", err)
	}

	if globalFlags.Verbose {
		log.Printf("Database initialized at: %s", globalFlags.DBPath)
	}

	// Periodic database maintenance and abandoned-credential purge
	if cfg.Cleanup.Enabled {
		janitor := cleanup.NewManager(sqliteStore.DB(), cleanup.Config{
			Interval:       cfg.Cleanup.Interval,
			Retention:      cfg.Cleanup.Retention,
			AnalyzeEnabled: true,
		}, logger)
		janitor.Start()
		defer janitor.Stop()
	}

	// Circuit breakers shared by all managers
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		WindowDuration:   cfg.Breaker.WindowDuration,
	})

	// Outbound rate limiter, one bucket set per provider
	limits := make(map[string]config.ServiceLimits, len(cfg.Providers))
	for name, p := range cfg.Providers {
		limits[name] = p.Limits
	}
	limiter := ratelimit.NewLimiter(limits, logger)

	// Telegram notifier and alert pipeline
	var alertSvc *alerts.Service
	if cfg.Telegram.Enabled {
		tgClient, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			log.Printf("Telegram setup warning: %v", err)
		} else if tgClient.IsEnabled() {
			if !cfg.Alerts.Enabled {
				cfg.Alerts.Enabled = true
			}
			alertSvc = alerts.NewService(cfg.Alerts, tgClient, logger)
			alertSvc.Start()
		}
	}

	// Per-provider OAuth managers
	managers := oauth.NewRegistry(cfg, oauth.ManagerDeps{
		Store:    sqliteStore,
		Breakers: breakers,
		Limiter:  limiter,
		Logger:   logger,
		Metrics:  m,
	})
	managers.Start()

	// Proactive refresh scheduler
	refreshers := make([]scheduler.TokenRefresher, 0, len(managers.All()))
	for _, mgr := range managers.All() {
		refreshers = append(refreshers, mgr)
	}
	var notifier scheduler.Notifier
	if alertSvc != nil {
		notifier = alertSvc
	}
	sched := scheduler.New(refreshers, scheduler.NewConditions(), cfg.Refresh, logger, notifier, m)
	sched.Start()

	// Watch the config file for credential rotation; providers read the
	// loader's copy on the next reload.
	if err := loader.StartWatcher(); err != nil {
		log.Printf("Config watcher warning: %v", err)
	}
	defer loader.StopWatcher()

	// Create API server
	server := api.NewServer(cfg.Server, cfg.API, api.Components{
		Store:     sqliteStore,
		Managers:  managers,
		Scheduler: sched,
		Alerts:    alertSvc,
		Breakers:  breakers,
		Limiter:   limiter,
		Metrics:   m,
		Logger:    logger,
	})

	// Setup graceful shutdown
	setupGracefulShutdown(server, serveFlags.Timeout)

	// Determine address
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)

	if cfg.Server.TLS.Enabled {
		log.Printf("Starting TokenGate HTTPS server on %s", addr)
		log.Printf("TLS cert: %s, key: %s, min_version: %s", cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.MinVersion)
	} else {
		log.Printf("Starting TokenGate HTTP server on %s", addr)
	}
	log.Printf("Database: %s (WAL mode enabled)", globalFlags.DBPath)
	log.Printf("Providers: %v", managers.Providers())

	if err := server.Run(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// validateTLSConfig validates TLS configuration
func validateTLSConfig(tls config.TLSConfig) error {
	if tls.CertFile == "" {
		return fmt.Errorf("TLS certificate file is required when TLS is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("TLS key file is required when TLS is enabled")
	}

	// Check if certificate file exists
	if _, err := os.Stat(tls.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file does not exist: %s", tls.CertFile)
	}

	// Check if key file exists
	if _, err := os.Stat(tls.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file does not exist: %s", tls.KeyFile)
	}

	// Validate TLS version
	if tls.MinVersion != "" && tls.MinVersion != "1.2" && tls.MinVersion != "1.3" {
		return fmt.Errorf("TLS min_version must be either \"1.2\" or \"1.3\", got: %s", tls.MinVersion)
	}

	return nil
}

// setupGracefulShutdown handles graceful shutdown of all components
func setupGracefulShutdown(server *api.Server, timeout time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v", sig)

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Shutdown server (stops scheduler, managers, alerts, store)
		log.Println("Shutting down API server...")
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Error during server shutdown: %v", err)
		}
	}()
}

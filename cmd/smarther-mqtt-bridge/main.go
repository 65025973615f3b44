// Smarther MQTT Bridge
//
// This is the main entry point for the Smarther MQTT bridge: a daemon
// that mirrors Legrand/BTicino Smarther thermostats onto an MQTT broker.
// Retained state topics carry the last known device state, set topics
// accept commands, and the cloud API is reconciled by polling plus
// optional webhook push.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lucafoss/smarther-mqtt-bridge/migrations"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/auth"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/bridge"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/infrastructure/config"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/infrastructure/database"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/infrastructure/logging"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/smarther"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/webhook"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// webhookStopTimeout bounds subscription cleanup during shutdown.
const webhookStopTimeout = 10 * time.Second

func main() {
	args := os.Args[1:]

	// The first non-flag argument selects the subcommand; bare
	// invocation runs the bridge.
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "version":
		fmt.Printf("smarther-mqtt-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	case "run":
		// Fall through to the flag parsing below.
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\nusage: smarther-mqtt-bridge [run|version] [-config path]\n", cmd)
		os.Exit(2)
	}

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to the YAML configuration file")
	_ = fs.Parse(args) //nolint:errcheck // ExitOnError handles failures

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	// This is the Go pattern for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx, getConfigPath(*configFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently: nil
// means a graceful shutdown (exit 0), anything else is fatal (exit 1).
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Path to the YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Smarther MQTT bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Cloud API client. The token source is attached after the credential
	// manager exists; the client itself serves as the manager's refresher.
	cloud := smarther.NewClient(smarther.ClientOptions{
		BaseURL:         cfg.Cloud.BaseURL,
		TokenURL:        cfg.Cloud.TokenURL,
		ClientID:        cfg.Cloud.ClientID,
		ClientSecret:    cfg.Cloud.ClientSecret,
		SubscriptionKey: cfg.Cloud.SubscriptionKey,
		Timeout:         cfg.GetRequestTimeout(),
		Logger:          log,
	})

	// Credential manager, seeded from the store. An empty store is fatal:
	// the initial refresh token comes from the one-time setup flow.
	tokens, err := auth.NewManager(ctx, auth.ManagerOptions{
		Refresher: cloud,
		Store:     auth.NewSQLiteStore(db.DB),
		Margin:    cfg.GetTokenRefreshMargin(),
		Logger:    log,
	})
	if err != nil {
		if errors.Is(err, auth.ErrNoCredential) {
			return fmt.Errorf("no stored credential: complete the OAuth2 setup flow first (%w)", err)
		}
		return fmt.Errorf("initialising credential manager: %w", err)
	}
	cloud.SetTokenSource(tokens)
	log.Info("credential manager initialised",
		"token_expires", tokens.Current().ExpiresAt,
	)

	// Token watchdog keeps the credential fresh in the background and
	// reports unrecoverable auth failures on its Fatal channel.
	watchdog := auth.NewWatchdog(tokens, log)
	go watchdog.Run(ctx)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Set up MQTT logging callbacks
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	topics := mqtt.Topics{Base: cfg.MQTT.BaseTopic}

	// Per-device reconciler
	reconciler, err := bridge.New(bridge.Options{
		Topics:            topics,
		Publisher:         mqttClient,
		Cloud:             cloud,
		QoS:               byte(cfg.MQTT.QoS),
		CommandDeadline:   cfg.GetCommandDeadline(),
		RetryMaxAttempts:  cfg.Bridge.RetryMaxAttempts,
		RetryInitialDelay: cfg.GetRetryInitialDelay(),
		RetryMaxDelay:     cfg.GetRetryMaxDelay(),
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("creating reconciler: %w", err)
	}

	topoRepo := bridge.NewSQLiteTopologyRepository(db.DB)

	// Webhook push path (optional). The poll loop remains authoritative,
	// so a failed webhook setup degrades to poll-only instead of failing
	// the bridge.
	var push <-chan smarther.ModuleStatus
	if cfg.Webhook.Endpoint != "" {
		server, stopWebhook, webhookErr := startWebhook(ctx, cfg, cloud, db, topoRepo, log)
		if webhookErr != nil {
			log.Warn("webhook push disabled, continuing poll-only", "error", webhookErr)
		} else {
			defer stopWebhook()
			push = server.Push()
		}
	} else {
		log.Info("webhook push disabled (no endpoint configured)")
	}

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Orchestrator owns bootstrap, polling, command routing and the
	// offline queue. Run blocks until shutdown or a fatal auth error.
	orch, err := bridge.NewOrchestrator(bridge.OrchestratorOptions{
		Topics:           topics,
		Broker:           mqttClient,
		Cloud:            cloud,
		Reconciler:       reconciler,
		Repository:       topoRepo,
		Push:             push,
		Fatal:            watchdog.Fatal(),
		QoS:              byte(cfg.MQTT.QoS),
		PollInterval:     cfg.GetPollInterval(),
		OfflineQueueSize: cfg.Bridge.OfflineQueueSize,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	log.Info("initialisation complete, bridge running")

	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("bridge stopped: %w", err)
	}

	// Deferred Close() calls will run in reverse order:
	// 1. Webhook (if enabled)
	// 2. MQTT
	// 3. Database

	log.Info("Smarther MQTT bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Precedence: -config flag, SMARTHER_CONFIG environment variable, default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("SMARTHER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startWebhook brings up the notification listener and registers the
// bridge's endpoint with the cloud for every known plant.
//
// Plant IDs come from the cloud, falling back to the cached topology so
// a cloud outage at startup does not lose the listener; registrations
// are retried implicitly on the next restart.
//
// Parameters:
//   - ctx: Context for the registration calls
//   - cfg: Application configuration
//   - cloud: Cloud API client for subscription calls
//   - db: Open database for the subscription store
//   - topoRepo: Cached topology fallback for plant IDs
//   - log: Logger instance
//
// Returns:
//   - *webhook.Server: Running notification server
//   - func(): Teardown unregistering subscriptions and closing the server
//   - error: If the server or subscription manager could not start
func startWebhook(ctx context.Context, cfg *config.Config, cloud *smarther.Client, db *database.DB, topoRepo *bridge.SQLiteTopologyRepository, log *logging.Logger) (*webhook.Server, func(), error) {
	plantIDs, err := loadPlantIDs(ctx, cloud, topoRepo)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving plant IDs: %w", err)
	}

	server := webhook.NewServer(cfg.Webhook, log)
	server.SetActivePlants(plantIDs)
	if err := server.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting webhook server: %w", err)
	}
	log.Info("webhook server started",
		"listen", fmt.Sprintf("%s:%d", cfg.Webhook.ListenHost, cfg.Webhook.ListenPort),
		"endpoint", cfg.Webhook.Endpoint,
	)

	subs, err := webhook.NewManager(webhook.ManagerOptions{
		Cloud:    cloud,
		Store:    webhook.NewSQLiteSubscriptionStore(db.DB),
		Endpoint: cfg.Webhook.Endpoint,
		Logger:   log,
	})
	if err != nil {
		_ = server.Close()
		return nil, nil, fmt.Errorf("creating subscription manager: %w", err)
	}
	if err := subs.Start(ctx, plantIDs); err != nil {
		_ = server.Close()
		return nil, nil, fmt.Errorf("registering webhooks: %w", err)
	}

	stop := func() {
		// Shutdown runs after ctx is cancelled; give the cleanup calls
		// their own deadline.
		stopCtx, cancel := context.WithTimeout(context.Background(), webhookStopTimeout)
		defer cancel()
		subs.Stop(stopCtx)
		log.Info("closing webhook server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing webhook server", "error", closeErr)
		}
	}
	return server, stop, nil
}

// loadPlantIDs fetches the plant list from the cloud, falling back to
// the cached topology when the cloud is unreachable.
func loadPlantIDs(ctx context.Context, cloud *smarther.Client, topoRepo *bridge.SQLiteTopologyRepository) ([]string, error) {
	plants, err := cloud.ListPlants(ctx)
	if err == nil {
		ids := make([]string, 0, len(plants))
		for _, p := range plants {
			ids = append(ids, p.ID)
		}
		return ids, nil
	}

	cached, cacheErr := topoRepo.Load(ctx)
	if cacheErr != nil || len(cached) == 0 {
		return nil, fmt.Errorf("cloud unreachable and no cached topology: %w", err)
	}
	ids := make([]string, 0, len(cached))
	for _, p := range cached {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Cloud health is established by the orchestrator's bootstrap; it
	// falls back to the cached topology when the API is down.

	return nil
}

// Gray Logic Lutron Bridge
//
// This is the main entry point for the Lutron bridge service. It keeps a
// telnet integration session open to a Lutron lighting bridge, publishes
// the bridge's reports to Gray Logic Core over MQTT and serves a small
// HTTP/WebSocket status surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-lutron/internal/api"
	"github.com/nerrad567/gray-logic-lutron/internal/bridges/lutron"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-lutron/internal/journal"
	"github.com/nerrad567/gray-logic-lutron/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/lutron.yaml"

const (
	// startTimeout bounds the initial bridge connection attempt.
	startTimeout = 30 * time.Second

	// journalPruneInterval is how often old journal entries are dropped.
	journalPruneInterval = 24 * time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Linear startup sequence
	log := logging.Default()
	log.Info("starting Gray Logic Lutron bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Log file close on exit
	log.Info("configuration loaded",
		"path", configPath,
		"bridge_address", cfg.Lutron.Address,
		"credentials", cfg.Lutron.Credentials.String(),
	)

	// Session journal (optional)
	var repo *journal.SQLiteRepository
	var store checkpointer
	if cfg.Journal.Enabled {
		db, openErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
			Migrations:  migrations.FS,
		})
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}

		repo = journal.NewSQLiteRepository(db.DB)
		store = db
		pruneJournal(ctx, repo, store, cfg.Journal.RetentionDays, log)
		log.Info("session journal ready", "path", cfg.Database.Path)
	} else {
		log.Info("session journal disabled")
	}

	// InfluxDB (optional)
	var metrics lutron.MetricsWriter
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB, influxdb.WithDefaultTag("service", cfg.MQTT.Broker.ClientID))
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		metrics = influxClient
		if repo != nil {
			repo.SetMirror(cfg.Lutron.BridgeID, influxClient)
		}
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// MQTT, with the bridge's offline health message as the will.
	lwt, err := json.Marshal(lutron.NewLWTMessage(cfg.Lutron.BridgeID))
	if err != nil {
		return fmt.Errorf("building LWT: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(lutron.HealthTopic(), lwt))
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

	// Lutron session
	clientOpts := lutron.ClientOptions{
		Config: clientConfig(cfg.Lutron),
		Dialer: telnetDialer(cfg.Lutron),
		Logger: log.With("component", "lutron"),
	}
	if repo != nil {
		clientOpts.Journal = repo
	}
	client := lutron.NewClient(clientOpts)

	// HTTP API (optional). The hub exists before Start so the bridge can
	// broadcast to it.
	var server *api.Server
	var events lutron.EventSink
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log,
			Client:  client,
			MQTT:    mqttClient,
			Version: version,
		}
		if repo != nil {
			deps.Journal = repo
		}
		server, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		events = server.Hub()
	}

	bridge, err := lutron.NewBridge(lutron.BridgeOptions{
		BridgeID:       cfg.Lutron.BridgeID,
		Version:        version,
		HealthInterval: cfg.Lutron.HealthInterval,
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Client:         client,
		Logger:         log.With("component", "bridge"),
		Events:         events,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected, republishing health")
		if pubErr := bridge.PublishHealth(); pubErr != nil {
			log.Warn("republishing health failed", "error", pubErr)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	if err := startClient(ctx, client, log); err != nil {
		return err
	}
	defer func() {
		log.Info("stopping lutron client")
		client.Stop()
	}()

	if server != nil {
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loadedAddress := cfg.Lutron.Address
		return config.Watch(gctx, configPath,
			func(next *config.Config) {
				applyReload(gctx, client, loadedAddress, next, log)
				loadedAddress = next.Lutron.Address
			},
			func(err error) { log.Warn("config reload failed", "error", err) },
		)
	})
	if repo != nil && cfg.Journal.RetentionDays > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(journalPruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					pruneJournal(gctx, repo, store, cfg.Journal.RetentionDays, log)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("background task stopped", "error", err)
	}

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_LUTRON_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_LUTRON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// clientConfig maps the lutron config section onto the client settings.
func clientConfig(c config.LutronConfig) lutron.ClientConfig {
	return lutron.ClientConfig{
		Address: c.Address,
		Credentials: lutron.Credentials{
			Login:    c.Credentials.Login,
			Password: c.Credentials.Password,
		},
		RequireLogin:         c.RequireLogin,
		MaxFrameBuffer:       c.MaxFrameBuffer,
		WatchdogInitialDelay: c.Watchdog.InitialDelay,
		WatchdogPeriod:       c.Watchdog.Period,
		ProbeTolerance:       c.Watchdog.ProbeTolerance,
		ProbeCommand:         c.Watchdog.ProbeCommand,
		BackoffFloor:         c.Watchdog.BackoffFloor,
		BackoffCeiling:       c.Watchdog.BackoffCeiling,
	}
}

// telnetDialer builds the transport dialer from the lutron config section.
func telnetDialer(c config.LutronConfig) *lutron.TelnetDialer {
	return &lutron.TelnetDialer{
		ConnectTimeout: c.ConnectTimeout,
		PollInterval:   c.PollInterval,
		WriteTimeout:   c.WriteTimeout,
	}
}

// clientStarter is the part of lutron.Client started at boot.
type clientStarter interface {
	Start(ctx context.Context) error
}

// startClient starts the bridge session. A missing address is not fatal.
// A retained message on the MQTT config topic may already have started the
// client, in which case that session is kept.
func startClient(ctx context.Context, client clientStarter, log *logging.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	err := client.Start(startCtx)
	switch {
	case errors.Is(err, lutron.ErrNoBridgeAddress):
		log.Warn("no bridge address configured, waiting for one via config or MQTT")
	case errors.Is(err, lutron.ErrAlreadyRunning):
		log.Info("lutron client already started from MQTT config")
	case err != nil:
		return fmt.Errorf("starting lutron client: %w", err)
	}
	return nil
}

// addressUpdater is the part of lutron.Client a config reload touches.
type addressUpdater interface {
	UpdateAddress(ctx context.Context, address string) error
}

// applyReload applies a reloaded configuration. The log level and the
// bridge address take effect live; other changes need a restart. The
// address is applied only when it differs from loadedAddress, the value
// from the previous load, so an address set over MQTT survives edits to
// unrelated settings.
func applyReload(ctx context.Context, client addressUpdater, loadedAddress string, next *config.Config, log *logging.Logger) {
	log.Info("configuration reloaded", "bridge_address", next.Lutron.Address, "log_level", next.Logging.Level)
	if err := log.SetLevel(next.Logging.Level); err != nil {
		log.Warn("keeping current log level", "error", err)
	}
	if next.Lutron.Address == loadedAddress {
		return
	}
	if err := client.UpdateAddress(ctx, next.Lutron.Address); err != nil {
		if errors.Is(err, lutron.ErrNoBridgeAddress) {
			log.Warn("bridge address cleared, client stopped")
			return
		}
		log.Error("applying bridge address failed", "error", err)
	}
}

// checkpointer reclaims database space after a prune.
type checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// pruneJournal drops journal entries older than the retention period and,
// when anything was removed, checkpoints the database.
func pruneJournal(ctx context.Context, repo journal.Repository, store checkpointer, retentionDays int, log *logging.Logger) {
	cutoff, ok := journal.RetentionCutoff(time.Now(), retentionDays)
	if !ok {
		return
	}
	removed, err := repo.Prune(ctx, cutoff)
	if err != nil {
		log.Warn("pruning session journal failed", "error", err)
		return
	}
	if removed == 0 {
		return
	}
	log.Info("session journal pruned", "removed", removed, "retention_days", retentionDays)
	if store != nil {
		if err := store.Checkpoint(ctx); err != nil {
			log.Warn("database checkpoint failed", "error", err)
		}
	}
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the Lutron
// bridge's MQTTClient interface. The infrastructure handlers return an
// error; the bridge's do not.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements lutron.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements lutron.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements lutron.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

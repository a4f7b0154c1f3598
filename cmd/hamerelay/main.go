// Hame Relay - MQTT relay for Hame energy storage devices
//
// The relay subscribes to the telemetry and control topics of every
// configured device, keeps per-device state fragments, forwards commands,
// polls devices on their declared cadence and republishes decoded state as
// retained JSON.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/hame-relay-core/internal/api"
	"github.com/nerrad567/hame-relay-core/internal/device"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/config"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/database"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/logging"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/metrics"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hame-relay-core/internal/relay"
	"github.com/nerrad567/hame-relay-core/internal/schema"
	"github.com/nerrad567/hame-relay-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Hame relay",
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
	defer log.Close() //nolint:errcheck // nothing left to log to
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"devices", len(cfg.Devices),
	)

	registry, err := loadSchemas(cfg.Router.SchemaFile)
	if err != nil {
		return err
	}
	log.Info("device schemas loaded", "types", registry.DeviceTypes())

	router := device.NewRouter(device.Options{
		ResponseTimeout:     cfg.GetResponseTimeout(),
		DefaultPollInterval: cfg.GetDefaultPollInterval(),
		Logger:              log.Component("router"),
	})
	if router.Initialize(configuredDevices(cfg.Devices), registry) == 0 {
		log.Warn("no devices registered; the relay will idle")
	}

	var (
		db      *database.DB
		history *device.SQLiteStateHistoryRepository
	)
	if cfg.Router.History.Enabled {
		db, err = database.Open(ctx, database.Config{
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

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		history = device.NewSQLiteStateHistoryRepository(db.DB)
		log.Info("state history enabled",
			"path", cfg.Database.Path,
			"retention_hours", cfg.Router.History.RetentionHours,
		)
	}

	promRegistry, relayMetrics := metrics.New()

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log.Component("mqtt"))
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	hub := api.NewHub(cfg.WS, log.Component("websocket"))
	go hub.Run(ctx)

	relayOpts := relay.Options{
		Router:  router,
		MQTT:    mqttClient,
		QoS:     mqttClient.QoS(),
		Events:  hub,
		Metrics: relayMetrics,
		Logger:  log.Component("relay"),
	}
	// Assign optional sinks only when present so the interfaces stay nil.
	if history != nil {
		relayOpts.History = history
		relayOpts.HistoryRetention = time.Duration(cfg.Router.History.RetentionHours) * time.Hour
	}
	if influxClient != nil {
		relayOpts.Telemetry = influxClient
	}

	rly, err := relay.New(relayOpts)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	if err := rly.Start(ctx); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}
	defer rly.Stop()

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:       cfg.API,
			WS:           cfg.WS,
			Metrics:      cfg.Metrics,
			Logger:       log.Component("api"),
			Router:       router,
			MQTT:         mqttClient,
			Availability: rly,
			Gatherer:     promRegistry,
			Hub:          hub,
			Version:      version,
		}
		if history != nil {
			deps.History = history
			deps.DB = db
		}

		srv, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration path, honouring HAMERELAY_CONFIG.
func getConfigPath() string {
	if path := os.Getenv("HAMERELAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadSchemas returns the built-in definitions, overlaid with path when set.
func loadSchemas(path string) (*schema.Registry, error) {
	registry, err := schema.NewBuiltinRegistry()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := registry.LoadFile(path); err != nil {
			return nil, fmt.Errorf("loading schema file: %w", err)
		}
	}
	return registry, nil
}

func configuredDevices(entries []config.DeviceConfig) []device.Device {
	devices := make([]device.Device, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, device.Device{DeviceType: e.DeviceType, DeviceID: e.DeviceID})
	}
	return devices
}

// healthCheck verifies every connected dependency. db and influxClient may
// be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

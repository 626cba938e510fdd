package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-bridgehost/internal/api"
	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
	"github.com/nerrad567/gray-logic-bridgehost/internal/history"
	"github.com/nerrad567/gray-logic-bridgehost/internal/host"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-bridgehost/migrations"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// historyRetention is how long status history is kept.
const historyRetention = 30 * 24 * time.Hour

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the host and every child bridge in the bridges file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = getConfigPath()
			}
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default $BRIDGEHOST_CONFIG or "+defaultConfigPath+")")
	return cmd
}

// getConfigPath returns BRIDGEHOST_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("BRIDGEHOST_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the host, separated from the command for testability. It returns
// once ctx is cancelled and every worker has been shut down.
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // Linear startup sequence
	log := logging.Default()
	log.Info("starting bridgehost",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	if cfg.Host.NoTimestamp {
		cfg.Logging.NoTimestamp = true
	}
	if cfg.Host.Debug {
		cfg.Logging.Level = "debug"
	}
	log = logging.New(cfg.Logging, version)

	// Database and status history
	db, err := database.Open(ctx, database.Config{
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
	log.Info("database ready", "path", cfg.Database.Path)

	historyRepo := history.NewSQLiteRepository(db.DB)
	if pruned, pruneErr := historyRepo.Prune(ctx, time.Now().Add(-historyRetention)); pruneErr != nil {
		log.Warn("failed to prune status history", "error", pruneErr)
	} else if pruned > 0 {
		log.Info("pruned status history", "entries", pruned)
	}

	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)
	metrics := api.NewMetrics()

	recorder := history.NewRecorder(historyRepo)
	recorder.SetLogger(log.With("component", "history"))
	defer recorder.Close()

	listeners := childbridge.Listeners{recorder, hub, metrics}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, uuid.NewString())
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		listeners = append(listeners, mqtt.NewStatusListener(mqttClient))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
			"instance_id", mqttClient.InstanceID(),
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
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
		listeners = append(listeners, influxdb.NewStatusListener(influxClient))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Child bridges
	launcher, err := newLauncher(cfg.Host, log)
	if err != nil {
		return err
	}
	h, err := host.New(host.Config{
		BridgesFile:      cfg.Host.BridgesFile,
		Options:          workerOptions(cfg.Host),
		Launcher:         launcher,
		Ports:            cfg.Ports,
		Listener:         listeners,
		ShutdownGrace:    cfg.Host.ShutdownGrace,
		WatchBridgesFile: cfg.Host.WatchBridgesFile,
	}, log.With("component", "host"))
	if err != nil {
		return fmt.Errorf("loading child bridges: %w", err)
	}

	if mqttClient != nil {
		if subErr := mqttClient.SubscribeCommands(h); subErr != nil {
			log.Warn("failed to subscribe to bridge commands", "error", subErr)
		}
	}

	// Management API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Host:     h,
			History:  historyRepo,
			Hub:      hub,
			Metrics:  metrics,
			DB:       db,
			Version:  version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		if influxClient != nil {
			deps.InfluxDB = influxClient
		}

		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("management API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete", "bridges", len(h.Bridges()), "rejected", len(h.Rejected()))

	// Blocks until ctx is cancelled, then shuts every worker down.
	if err := h.Run(ctx); err != nil {
		log.Warn("child bridge shutdown incomplete", "error", err)
	}

	if influxClient != nil {
		influxClient.Flush()
	}
	log.Info("bridgehost stopped")
	return nil
}

// newLauncher returns a launcher spawning "<binary> worker ...".
func newLauncher(cfg config.HostConfig, log *logging.Logger) (*childbridge.ProcessLauncher, error) {
	binary := cfg.WorkerBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker binary: %w", err)
		}
		binary = self
	}
	return &childbridge.ProcessLauncher{
		Binary:          binary,
		BaseArgs:        []string{"worker"},
		GracefulTimeout: cfg.GracefulTimeout,
		Logger:          log.With("component", "process"),
	}, nil
}

// workerOptions mirrors the host settings onto every worker.
func workerOptions(cfg config.HostConfig) childbridge.Options {
	return childbridge.Options{
		Debug:            cfg.Debug,
		Color:            cfg.Color,
		Insecure:         cfg.Insecure,
		NoTimestamp:      cfg.NoTimestamp,
		KeepOrphans:      cfg.KeepOrphans,
		StoragePath:      cfg.StoragePath,
		PluginPath:       cfg.PluginPath,
		DebugEnv:         os.Getenv(childbridge.EnvDebug),
		WorkerOptionsEnv: os.Getenv(childbridge.EnvWorkerOptions),
	}
}

// healthCheck verifies every connected backend answers.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

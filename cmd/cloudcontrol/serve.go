package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/cloudcontrol-core/internal/agent"
	"github.com/nerrad567/cloudcontrol-core/internal/api"
	"github.com/nerrad567/cloudcontrol-core/internal/device"
	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/config"
	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/database"
	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/logging"
	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/cloudcontrol-core/internal/session"
	"github.com/nerrad567/cloudcontrol-core/internal/telemetry"
	"github.com/nerrad567/cloudcontrol-core/migrations"
)

// sessionCloseTimeout bounds draining of in-flight device operations on shutdown.
const sessionCloseTimeout = 15 * time.Second

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the device session server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, path)
		},
	}
}

// run is the actual application logic, separated from main for testability.
// It blocks until ctx is cancelled, then tears everything down in reverse
// order of startup.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - cfg: Loaded and validated configuration
//   - configPath: Where cfg came from, "" for built-in defaults
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, cfg *config.Config, configPath string) error {
	log := logging.New(cfg.Logging, version)
	log.Info("starting CloudControl Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)
	if configPath == "" {
		log.Info("no configuration file found, using defaults")
	} else {
		log.Info("configuration loaded", "path", configPath)
	}

	raiseFileLimit(log, cfg.Session.Pool.MaxConnections)

	// Open database
	db, err := database.Open(ctx, cfg.Database)
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

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete", "applied", len(applied))

	// Initialise device registry
	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.Component("registry"))
	registry.SetDefaultPort(cfg.Agent.DefaultPort)
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	regStats := registry.GetStats()
	log.Info("device registry initialised", "devices", regStats.TotalDevices, "present", regStats.Present)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT)
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
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// Session core
	sessions, err := buildSessions(cfg, registry, agent.NewTransport(cfg.Agent), log)
	if err != nil {
		return fmt.Errorf("building session manager: %w", err)
	}

	var points telemetry.PointWriter
	if influxClient != nil {
		points = influxClient
	}
	recorder := telemetry.NewRecorder(cfg.MQTT.Broker.ClientID, points)
	sessions.SetObserver(recorder)
	sessions.Start()
	defer func() {
		log.Info("closing session manager")
		closeCtx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()
		if closeErr := sessions.Close(closeCtx); closeErr != nil {
			log.Error("error closing session manager", "error", closeErr)
		}
	}()
	log.Info("session manager started",
		"max_connections", cfg.Session.Pool.MaxConnections,
		"max_per_device", cfg.Session.Pool.MaxPerDevice,
		"workers", sessions.Stats().Workers.Workers,
		"operations", len(sessions.Operations()),
	)

	// Device discovery (requires MQTT)
	if mqttClient != nil && cfg.Discovery.Enabled {
		discovery := device.NewDiscovery(registry, mqttClient, byte(cfg.MQTT.QoS))
		discovery.SetLogger(log.Component("discovery"))
		discovery.OnOffline(sessions.Forget)
		if startErr := discovery.Start(); startErr != nil {
			return fmt.Errorf("starting device discovery: %w", startErr)
		}
		defer func() {
			log.Info("stopping device discovery")
			discovery.Stop()
		}()
		log.Info("device discovery started")
	}

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Registry: registry,
		Sessions: sessions,
		Recorder: recorder,
		MQTT:     mqttClient,
		DB:       db.DB,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	// Periodic session telemetry
	if cfg.Telemetry.Enabled && (points != nil || mqttClient != nil) {
		reporter := telemetry.NewReporter(telemetry.ReporterConfig{
			Instance:  cfg.MQTT.Broker.ClientID,
			Interval:  cfg.Telemetry.Interval,
			Source:    sessions,
			Points:    points,
			Publisher: publisherOrNil(mqttClient),
		})
		reporter.SetLogger(log.Component("telemetry"))
		reporter.Start(ctx)
		defer func() {
			log.Info("stopping telemetry reporter")
			reporter.Stop()
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: telemetry, API, discovery,
	// sessions (batches, workers, connections), InfluxDB, MQTT, database.

	log.Info("CloudControl Core stopped")
	return nil
}

// buildSessions maps the session section of the configuration onto the
// pool, worker offload, result cache and façade.
func buildSessions(cfg *config.Config, resolver session.Resolver, transport session.Transport, log *logging.Logger) (*session.Manager, error) {
	s := cfg.Session

	ops, err := operationTable(s.Operations)
	if err != nil {
		return nil, err
	}

	pool, err := session.NewPool(session.PoolConfig{
		MaxConnections:      s.Pool.MaxConnections,
		MaxPerDevice:        s.Pool.MaxPerDevice,
		IdleTimeout:         s.Pool.IdleTimeout,
		HealthCheckInterval: s.Pool.HealthCheckInterval,
		SweepInterval:       s.Pool.SweepInterval,
		AcquireTimeout:      s.Pool.AcquireTimeout,
		ProbeTimeout:        s.Pool.ProbeTimeout,
	}, resolver, transport)
	if err != nil {
		return nil, err
	}

	workers, err := session.NewOffload(session.OffloadConfig{
		PerCPU:         s.Workers.PerCPU,
		Max:            s.Workers.Max,
		QueueDepth:     s.Workers.QueueSize,
		StuckThreshold: s.Workers.StuckThreshold,
	})
	if err != nil {
		return nil, err
	}

	cache, err := session.NewCache(s.Cache.MaxEntries)
	if err != nil {
		return nil, err
	}

	mgr, err := session.NewManager(session.ManagerConfig{
		Operations:         ops,
		DefaultTimeout:     s.OperationTimeout,
		UnhealthyOnTimeout: s.UnhealthyOnTimeout,
		Batch: session.BatchConfig{
			Size:          s.Batch.Size,
			FlushInterval: s.Batch.FlushInterval,
			Timeout:       s.Batch.Timeout,
		},
	}, pool, workers, cache)
	if err != nil {
		return nil, err
	}
	mgr.SetLogger(log.Component("session"))
	return mgr, nil
}

// operationTable converts configured operations to session specs.
func operationTable(ops map[string]config.OperationConfig) (session.OperationTable, error) {
	table := make(session.OperationTable, len(ops))
	for name, op := range ops {
		strategy, err := session.ParseStrategy(op.Strategy)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", name, err)
		}
		table[name] = session.OperationSpec{Strategy: strategy, TTL: op.TTL, Timeout: op.Timeout}
	}
	return table, nil
}

// publisherOrNil avoids handing the reporter a typed nil interface.
func publisherOrNil(c *mqtt.Client) telemetry.Publisher {
	if c == nil {
		return nil
	}
	return c
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - apiServer: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
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
	if err := apiServer.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

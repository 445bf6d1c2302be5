// serialdeviced - MQTT bridge for serial devices
//
// serialdeviced keeps reconnecting sessions to serial ports and exposes
// them over MQTT: clients connect, send to and close devices by publishing
// to {ns}/{device}/{connect|send|close}, and receive status records and
// device output on {ns}/{device}/status and {ns}/{device}/received.
//
// Subcommands:
//   - run: start the bridge (default)
//   - ports: print the local port inventory
//   - events: print recorded session events
//   - probe: find the port whose device answers a request
//   - version: print build information
//
// With api.enabled set, a read-only HTTP status API and WebSocket event
// stream are served alongside the bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-serial/internal/api"
	"github.com/nerrad567/gray-logic-serial/internal/bridges/serialdev"
	"github.com/nerrad567/gray-logic-serial/internal/history"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
	"github.com/nerrad567/gray-logic-serial/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// shutdownTimeout bounds how long sessions get to release their ports.
const shutdownTimeout = 10 * time.Second

// healthCheckTimeout bounds the startup check of every connection.
const healthCheckTimeout = 10 * time.Second

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "serialdeviced",
		Short: "MQTT bridge for serial devices",
		Long: `serialdeviced bridges serial ports to MQTT.

Each connected device gets a session that survives unplugging: when the
port disappears the session publishes an empty status and reconnects as
soon as the port is back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $SERIALDEVICE_CONFIG or "+config.DefaultPath+")")

	root.AddCommand(
		newRunCmd(opts),
		newPortsCmd(opts),
		newEventsCmd(opts),
		newProbeCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), opts)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "serialdeviced %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// loadConfig resolves and loads the configuration for any subcommand.
func loadConfig(opts *rootOptions) (*config.Config, string, error) {
	path, explicit := config.ResolvePath(opts.configPath)
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// runBridge is the daemon, separated from main for testability.
func runBridge(ctx context.Context, opts *rootOptions) error {
	log := logging.Default()
	log.Info("starting serialdeviced",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, path, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", path)

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // best-effort on exit
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Session history (optional)
	var (
		recorder serialdev.Recorder
		events   history.Repository
		checks   []namedCheck
	)
	if cfg.Database.Enabled {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		repo := history.NewSQLiteRepository(db.DB)
		recorder, events = repo, repo
		checks = append(checks, namedCheck{"database", db})
		log.Info("session history enabled", "path", db.Path())
	} else {
		log.Info("session history disabled")
	}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.Serial.Namespace)
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
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	checks = append(checks, namedCheck{"mqtt", mqttClient})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	var telemetry serialdev.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
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
		telemetry = influxClient
		checks = append(checks, namedCheck{"influxdb", influxClient})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	discovery := serialport.NewDiscovery(serialport.SystemOpener)
	bridge, err := serialdev.New(serialdev.Options{
		MQTT:                mqttClient,
		Discovery:           discovery,
		Opener:              serialport.SystemOpener,
		Topics:              mqttClient.Topics(),
		QoS:                 byte(cfg.MQTT.QoS), //nolint:gosec // validated 0-2
		PollInterval:        cfg.Serial.PollInterval,
		FirstConnectTimeout: cfg.Serial.FirstConnectTimeout,
		SendTimeout:         cfg.Serial.SendTimeout,
		HealthInterval:      cfg.GetHealthInterval(),
		Comports:            serialport.ListOptions{CheckAvailable: true},
		Version:             version,
		History:             recorder,
		Telemetry:           telemetry,
		Logger:              log.With("component", "serialdev"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	// Status API (optional)
	if cfg.API.Enabled {
		apiServer, err := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log.With("component", "api"),
			Bridge:  bridge,
			Ports:   discovery,
			History: events,
			MQTT:    mqttClient,
			Topics:  mqttClient.Topics(),
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		checks = append(checks, namedCheck{"api", apiServer})
		log.Info("status API listening", "address", apiServer.Addr())
	}

	if err := checkHealth(ctx, checks); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		bridge.Stop(stopCtx) //nolint:errcheck // already failing
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")
	log.Info("initialisation complete, waiting for shutdown signal",
		"namespace", cfg.Serial.Namespace,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, closing sessions")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := bridge.Stop(stopCtx); err != nil {
		log.Error("error stopping bridge", "error", err)
	}

	log.Info("serialdeviced stopped")
	return nil
}

// healthChecker is implemented by every connection the daemon holds.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type namedCheck struct {
	name    string
	checker healthChecker
}

// checkHealth runs the checks in order and returns the first failure.
func checkHealth(ctx context.Context, checks []namedCheck) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	for _, c := range checks {
		if err := c.checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// openDatabase opens the history database and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: time.Duration(cfg.Database.BusyTimeout) * time.Second,
		Migrations:  migrations.FS,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

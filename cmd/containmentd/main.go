// Containment Core - facility telemetry service
//
// This is the main entry point for containmentd. It connects to the site
// broker, correlates device commands with their answers, tracks device
// liveness from message arrival, forwards readings to InfluxDB and serves
// the status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	_ "github.com/nerrad567/containment-core/migrations"

	"github.com/nerrad567/containment-core/internal/api"
	"github.com/nerrad567/containment-core/internal/brokerconfig"
	"github.com/nerrad567/containment-core/internal/infrastructure/config"
	"github.com/nerrad567/containment-core/internal/infrastructure/database"
	"github.com/nerrad567/containment-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/containment-core/internal/infrastructure/logging"
	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/containment-core/internal/ingest"
	"github.com/nerrad567/containment-core/internal/liveness"
	"github.com/nerrad567/containment-core/internal/telemetry"
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

// subscribeRetryDelay is the wait between attempts to subscribe device
// topics while the broker is unreachable.
const subscribeRetryDelay = 5 * time.Second

// options are the command-line flags.
type options struct {
	configPath  string
	issueToken  string
	tokenRole   string
	tokenTTL    time.Duration
	showVersion bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("containmentd %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	// Cancel on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.issueToken != "" {
		err = issueToken(opts, os.Stdout)
	} else {
		err = run(ctx, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads the command line. The config path falls back to
// CONTAINMENT_CONFIG and then to defaultConfigPath.
func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("containmentd", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (env CONTAINMENT_CONFIG)")
	fs.StringVar(&opts.issueToken, "issue-token", "", "print an API access token for this subject and exit")
	fs.StringVar(&opts.tokenRole, "token-role", "operator", "role recorded in an issued token")
	fs.DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of an issued token")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.configPath == "" {
		opts.configPath = configPathFromEnv()
	}
	return opts, nil
}

// configPathFromEnv returns CONTAINMENT_CONFIG if set, otherwise the default.
func configPathFromEnv() string {
	if path := os.Getenv("CONTAINMENT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// issueToken prints a signed API token using the configured JWT secret.
func issueToken(opts options, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueToken(cfg.Security.JWT, opts.issueToken, opts.tokenRole, opts.tokenTTL)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - opts: Parsed command-line options
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, opts options) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Containment Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", opts.configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.ConfigFrom(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
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
	log.Info("database ready", "path", cfg.Database.Path)

	// Resolve the broker endpoint
	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
	base := mqtt.EndpointFromConfig(cfg.MQTT)
	base.StatusTopic = topics.SystemStatus()

	brokers := brokerconfig.NewSQLiteRepository(db.DB)
	var resolveFrom brokerconfig.Repository
	if cfg.MQTT.UseStoredConfig {
		resolveFrom = brokers
	}
	eff, err := brokerconfig.Resolve(ctx, resolveFrom, base)
	if err != nil {
		return fmt.Errorf("resolving broker endpoint: %w", err)
	}
	log.Info("broker endpoint resolved",
		"broker", eff.Endpoint.Address(),
		"source", eff.Source,
		"config_id", eff.ConfigID,
	)

	rt, err := newRuntime(cfg, eff.Endpoint, mqtt.PahoDialer, log)
	if err != nil {
		return err
	}
	defer rt.close()

	// Connect to InfluxDB (optional)
	var sinks liveness.Sinks
	sinks = append(sinks, rt.republisher(topics))
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		sinks = append(sinks, influxClient)

		if cfg.Ingest.Enabled {
			rt.enableIngest(influxClient, cfg.Ingest.SaveInterval)
		}
	} else {
		log.Info("InfluxDB disabled, readings and liveness history are not stored")
	}

	if err := rt.bindDevices(cfg.Devices); err != nil {
		return err
	}

	// Start the liveness monitor
	monitor, err := liveness.NewMonitor(rt.tracker, liveness.MonitorConfig{
		Interval: cfg.Liveness.CheckInterval,
		Store:    liveness.NewSQLiteStore(db.DB),
		Sink:     sinks,
		Devices:  deviceBindings(cfg.Devices),
		Logger:   log.Component("liveness"),
	})
	if err != nil {
		return fmt.Errorf("creating liveness monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting liveness monitor: %w", err)
	}
	defer func() {
		log.Info("stopping liveness monitor")
		monitor.Stop()
	}()

	// Connect and subscribe device topics in the background so the API is
	// reachable while the broker is down.
	go rt.subscribeLoop(ctx)

	// Start the API server
	server, err := api.New(api.Deps{
		Config:            cfg.API,
		WS:                cfg.WebSocket,
		Security:          cfg.Security,
		Correlator:        cfg.Correlator,
		Logger:            log,
		Tracker:           rt.tracker,
		Primary:           rt.conn,
		PrimaryCorrelator: rt.corr,
		Registry:          rt.registry,
		Binder:            rt,
		BrokerConfigs:     brokers,
		BaseEndpoint:      base,
		Dialer:            mqtt.PahoDialer,
		Version:           version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"devices", len(cfg.Devices),
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server
	// 2. Liveness monitor (final snapshot)
	// 3. InfluxDB (if enabled)
	// 4. Sessions, correlators and the shared connection
	// 5. Database

	log.Info("Containment Core stopped")
	return nil
}

// deviceBindings lists the configured devices for monitor initialisation.
func deviceBindings(devices []config.DeviceConfig) []liveness.DeviceBinding {
	out := make([]liveness.DeviceBinding, 0, len(devices))
	for _, d := range devices {
		out = append(out, liveness.DeviceBinding{DeviceID: d.ID, Topic: d.Topic})
	}
	return out
}

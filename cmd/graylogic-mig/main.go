// Gray Logic MIG gateway.
//
// Hosts the X10 and ZigBee interface adapters behind one MQTT command bus,
// an HTTP API and a WebSocket feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-mig/internal/api"
	"github.com/nerrad567/gray-logic-mig/internal/bridges/x10"
	"github.com/nerrad567/gray-logic-mig/internal/bridges/zigbee"
	"github.com/nerrad567/gray-logic-mig/internal/discovery"
	"github.com/nerrad567/gray-logic-mig/internal/gateway"
	"github.com/nerrad567/gray-logic-mig/internal/history"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mig/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
	"github.com/nerrad567/gray-logic-mig/internal/process"
	"github.com/nerrad567/gray-logic-mig/internal/registry"
	"github.com/nerrad567/gray-logic-mig/migrations"
)

// Set at build time via -ldflags "-X main.version=1.0.0 -X main.commit=abc123".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled. Deferred
// closes run in reverse start order.
func run(ctx context.Context) error { //nolint:gocognit,funlen // linear startup sequence
	log := logging.Default()
	log.Info("starting Gray Logic MIG", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT", "stats", mqttClient.Stats())
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	influxClient, err := connectInflux(ctx, cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	emitter := mig.NewEmitter(mig.EmitterConfig{
		QueueSize: cfg.Gateway.NotificationQueue,
		Workers:   cfg.Gateway.NotificationWorkers,
		Logger:    log,
	})
	defer emitter.Close()

	properties := history.NewSQLitePropertyRepository(db.DB)
	commands := history.NewSQLiteCommandRepository(db.DB)

	gwOpts := gateway.Options{
		MQTT:           mqttClient,
		Emitter:        emitter,
		Properties:     properties,
		Commands:       commands,
		Logger:         log.With("component", "gateway"),
		Version:        version,
		HealthInterval: cfg.GetHealthInterval(),
		Retention:      time.Duration(cfg.Database.HistoryRetentionDays) * 24 * time.Hour,
	}
	if influxClient != nil {
		gwOpts.Telemetry = influxClient
	}
	gw, err := gateway.New(gwOpts)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	daemons, err := startDaemons(ctx, cfg.Interfaces, log)
	if err != nil {
		return err
	}
	defer stopDaemons(daemons)

	domains, err := registerInterfaces(gw, cfg, mqttClient, emitter, log)
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer func() {
		log.Info("stopping gateway")
		gw.Stop()
	}()
	log.Info("gateway started", "interfaces", domains)

	var server *api.Server
	if cfg.API.Enabled {
		server, err = api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Gateway:  gw,
			Emitter:  emitter,
			History:  properties,
			Commands: commands,
			Version:  version,
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
	}

	if cfg.Discovery.Enabled && server != nil {
		adv := discovery.NewAdvertiser(discovery.Config{
			Instance:  cfg.Discovery.Instance,
			Interface: cfg.Discovery.Interface,
			Port:      server.Port(),
			Version:   version,
			Site:      cfg.Site.ID,
			Domains:   domains,
		}, log)
		if err := adv.Start(); err != nil {
			log.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer adv.Stop()
		}
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectInflux returns nil without error when InfluxDB is disabled.
func connectInflux(ctx context.Context, cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(ctx, cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client, nil
}

// startDaemons launches the helper daemons of enabled interfaces that are
// marked as managed. They outlive ctx so the gateway can stop first.
func startDaemons(ctx context.Context, cfg config.InterfacesConfig, log *logging.Logger) ([]*process.Supervisor, error) {
	daemons := []struct {
		name    string
		enabled bool
		cfg     config.DaemonConfig
		probe   func(context.Context) error
	}{
		{"mochad", cfg.X10.Enabled, cfg.X10.Daemon, mochadProbe(cfg.X10.Mochad)},
		{"zigbee2mqtt", cfg.ZigBee.Enabled, cfg.ZigBee.Daemon, nil},
	}

	var started []*process.Supervisor
	for _, d := range daemons {
		if !d.enabled || !d.cfg.Managed {
			continue
		}
		sup := process.New(process.Config{
			Name:         d.name,
			Binary:       d.cfg.Binary,
			Args:         d.cfg.Args,
			Dir:          d.cfg.WorkDir,
			RestartDelay: d.cfg.GetRestartDelay(),
			MaxRestarts:  d.cfg.MaxRestarts,
			Probe:        d.probe,
		}, log.With("component", "process"))
		if err := sup.Start(context.WithoutCancel(ctx)); err != nil {
			stopDaemons(started)
			return nil, fmt.Errorf("starting %s: %w", d.name, err)
		}
		started = append(started, sup)
	}
	return started, nil
}

func stopDaemons(daemons []*process.Supervisor) {
	for i := len(daemons) - 1; i >= 0; i-- {
		daemons[i].Stop()
	}
}

// mochadProbe returns a TCP probe for tcp:// endpoints, nil otherwise.
func mochadProbe(endpoint string) func(context.Context) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "tcp" || u.Host == "" {
		return nil
	}
	return process.TCPProbe(u.Host)
}

// registerInterfaces creates the enabled adapters and registers them with
// the gateway. It returns the registered domains.
func registerInterfaces(gw *gateway.Gateway, cfg *config.Config, mqttClient *mqtt.Client, emitter *mig.Emitter, log *logging.Logger) ([]string, error) {
	var domains []string

	if cfg.Interfaces.X10.Enabled {
		adapter := x10.New(x10.Config{
			Port:       cfg.Interfaces.X10.Port,
			HouseCodes: cfg.Interfaces.X10.HouseCodes,
			Mochad:     cfg.Interfaces.X10.Mochad,
		}, x10.Options{
			Publisher: emitter,
			Store:     registry.NewFileStore(cfg.Interfaces.X10.DataFile),
			Logger:    log.ForInterface(mig.DomainX10),
		})
		if err := gw.Register(adapter); err != nil {
			return nil, fmt.Errorf("registering X10: %w", err)
		}
		domains = append(domains, mig.DomainX10)
	}

	if cfg.Interfaces.ZigBee.Enabled {
		adapter := zigbee.New(zigbee.Config{
			Port:      cfg.Interfaces.ZigBee.Port,
			Driver:    cfg.Interfaces.ZigBee.Driver,
			BaseTopic: cfg.Interfaces.ZigBee.BaseTopic,
		}, zigbee.Options{
			MQTT:      mqttClient,
			Publisher: emitter,
			Store:     registry.NewFileStore(cfg.Interfaces.ZigBee.DataFile),
			Logger:    log.ForInterface(mig.DomainZigBee),
		})
		if err := gw.Register(adapter); err != nil {
			return nil, fmt.Errorf("registering ZigBee: %w", err)
		}
		domains = append(domains, mig.DomainZigBee)
	}

	if len(domains) == 0 {
		log.Warn("no interfaces enabled")
	}
	return domains, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic MIG gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Interfaces InterfacesConfig `yaml:"interfaces"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
	// HistoryRetentionDays bounds the property_events table. 0 keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT settings for the HTTP API.
// An empty secret disables token checks entirely.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// DiscoveryConfig controls mDNS advertisement of the HTTP API.
type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance"`
	Interface string `yaml:"interface"`
}

// GatewayConfig contains settings for the interface host.
type GatewayConfig struct {
	// HealthInterval is the health publish period in seconds.
	HealthInterval int `yaml:"health_interval"`
	// NotificationQueue is the emitter queue depth.
	NotificationQueue int `yaml:"notification_queue"`
	// NotificationWorkers is the number of emitter workers.
	NotificationWorkers int `yaml:"notification_workers"`
}

// InterfacesConfig groups the per-protocol adapter settings.
type InterfacesConfig struct {
	X10    X10Config    `yaml:"x10"`
	ZigBee ZigBeeConfig `yaml:"zigbee"`
}

// X10Config contains settings for the X10 adapter.
type X10Config struct {
	Enabled bool `yaml:"enabled"`
	// Port selects the transceiver: "CM19-USB" (RF only), "USB" (CM15), or a serial path.
	Port string `yaml:"port"`
	// HouseCodes is a comma separated list of monitored house codes, e.g. "A,B".
	HouseCodes string `yaml:"house_codes"`
	// Mochad is the mochad daemon endpoint, e.g. "tcp://localhost:1099".
	Mochad string `yaml:"mochad"`
	// DataFile is where the module registry is persisted.
	DataFile string `yaml:"data_file"`
	// Daemon optionally runs mochad as a supervised child process.
	Daemon DaemonConfig `yaml:"daemon"`
}

// ZigBeeConfig contains settings for the ZigBee adapter.
type ZigBeeConfig struct {
	Enabled bool `yaml:"enabled"`
	// Port is the coordinator serial port, forwarded to zigbee2mqtt.
	Port string `yaml:"port"`
	// Driver is the coordinator adapter type (zstack, ember, deconz, zigate).
	Driver string `yaml:"driver"`
	// BaseTopic is the zigbee2mqtt MQTT base topic.
	BaseTopic string `yaml:"base_topic"`
	// DataFile is where the module registry is persisted.
	DataFile string `yaml:"data_file"`
	// Daemon optionally runs zigbee2mqtt as a supervised child process.
	Daemon DaemonConfig `yaml:"daemon"`
}

// DaemonConfig describes a helper daemon the gateway starts and restarts.
// The daemon must stay in the foreground.
type DaemonConfig struct {
	Managed bool     `yaml:"managed"`
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`
	// RestartDelay is in seconds.
	RestartDelay int `yaml:"restart_delay"`
	// MaxRestarts caps consecutive restarts; 0 means unlimited.
	MaxRestarts int `yaml:"max_restarts"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_X10_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:                 "./data/graylogic-mig.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-mig",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{Issuer: "graylogic"},
		},
		Discovery: DiscoveryConfig{
			Instance: "Gray Logic MIG",
		},
		Gateway: GatewayConfig{
			HealthInterval:      30,
			NotificationQueue:   256,
			NotificationWorkers: 4,
		},
		Interfaces: InterfacesConfig{
			X10: X10Config{
				Port:       "CM19-USB",
				HouseCodes: "A",
				Mochad:     "tcp://localhost:1099",
				DataFile:   "./data/x10_modules.xml",
				Daemon: DaemonConfig{
					Binary:       "/usr/local/sbin/mochad",
					Args:         []string{"-d"},
					RestartDelay: 5,
					MaxRestarts:  10,
				},
			},
			ZigBee: ZigBeeConfig{
				Port:      "/dev/ttyUSB0",
				Driver:    "zstack",
				BaseTopic: "zigbee2mqtt",
				DataFile:  "./data/zigbee_modules.xml",
				Daemon: DaemonConfig{
					Binary:       "/usr/bin/npm",
					Args:         []string{"start"},
					WorkDir:      "/opt/zigbee2mqtt",
					RestartDelay: 5,
					MaxRestarts:  10,
				},
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("GRAYLOGIC_X10_PORT"); v != "" {
		cfg.Interfaces.X10.Port = v
	}
	if v := os.Getenv("GRAYLOGIC_X10_MOCHAD"); v != "" {
		cfg.Interfaces.X10.Mochad = v
	}
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_PORT"); v != "" {
		cfg.Interfaces.ZigBee.Port = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The API runs unauthenticated on a trusted LAN when no secret is set.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if x := c.Interfaces.X10; x.Enabled {
		if x.Port == "" {
			errs = append(errs, "interfaces.x10.port is required")
		}
		if x.Mochad == "" {
			errs = append(errs, "interfaces.x10.mochad is required")
		}
		if x.Daemon.Managed && x.Daemon.Binary == "" {
			errs = append(errs, "interfaces.x10.daemon.binary is required when managed")
		}
	}

	if z := c.Interfaces.ZigBee; z.Enabled {
		if z.BaseTopic == "" {
			errs = append(errs, "interfaces.zigbee.base_topic is required")
		}
		if z.Daemon.Managed && z.Daemon.Binary == "" {
			errs = append(errs, "interfaces.zigbee.daemon.binary is required when managed")
		}
	}

	if c.Gateway.NotificationWorkers < 1 {
		errs = append(errs, "gateway.notification_workers must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetRestartDelay returns the daemon restart delay as a Duration.
func (d DaemonConfig) GetRestartDelay() time.Duration {
	return time.Duration(d.RestartDelay) * time.Second
}

// GetHealthInterval returns the gateway health publish period.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Gateway.HealthInterval) * time.Second
}

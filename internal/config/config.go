package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "TREESYNC"
	defaultHTTPAddress         = "0.0.0.0:3000"
	defaultDatabaseDriver      = DriverSQLite
	defaultDatabasePath        = "treesync.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultCookieName          = "app_session"
	defaultIssuer              = "tauth"
	defaultQuietPeriod         = 15 * time.Second
	defaultMaxWait             = 150 * time.Second
	defaultPollInterval        = time.Second
	defaultCompactAfter        = 30 * 24 * time.Hour
	defaultMaintenanceInterval = time.Duration(0)
)

const (
	// DriverSQLite selects the embedded sqlite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a postgres store reached through DatabaseDSN.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	DatabaseDriver  string
	DatabasePath    string
	DatabaseDSN     string
	LogLevel        string
	LogFormat       string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	Snapshot        SnapshotConfig
	AlertsNtfyURL   string
	Maintenance     MaintenanceConfig
}

// SnapshotConfig controls the debounced capture scheduler.
type SnapshotConfig struct {
	QuietPeriod  time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration
}

// MaintenanceConfig controls background compaction and decimation.
type MaintenanceConfig struct {
	Interval      time.Duration
	CompactAfter  time.Duration
	KeepSnapshots int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("snapshot.quiet_period", defaultQuietPeriod)
	configViper.SetDefault("snapshot.max_wait", defaultMaxWait)
	configViper.SetDefault("snapshot.poll_interval", defaultPollInterval)
	configViper.SetDefault("alerts.ntfy_url", "")
	configViper.SetDefault("maintenance.interval", defaultMaintenanceInterval)
	configViper.SetDefault("maintenance.compact_after", defaultCompactAfter)
	configViper.SetDefault("maintenance.keep_snapshots", 0)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		Snapshot: SnapshotConfig{
			QuietPeriod:  configViper.GetDuration("snapshot.quiet_period"),
			MaxWait:      configViper.GetDuration("snapshot.max_wait"),
			PollInterval: configViper.GetDuration("snapshot.poll_interval"),
		},
		AlertsNtfyURL: strings.TrimSpace(configViper.GetString("alerts.ntfy_url")),
		Maintenance: MaintenanceConfig{
			Interval:      configViper.GetDuration("maintenance.interval"),
			CompactAfter:  configViper.GetDuration("maintenance.compact_after"),
			KeepSnapshots: configViper.GetInt("maintenance.keep_snapshots"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadMaintenance parses the subset of configuration needed by one-shot maintenance commands.
func LoadMaintenance(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
	}
	if err := cfg.validateDatabase(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// splitOrigins accepts list values as well as comma separated env strings.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("tauth.issuer is required")
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("http.allowed_origins must list explicit origins because sessions use cookies")
		}
	}
	if c.Snapshot.QuietPeriod <= 0 {
		return fmt.Errorf("snapshot.quiet_period must be positive")
	}
	if c.Snapshot.MaxWait < c.Snapshot.QuietPeriod {
		return fmt.Errorf("snapshot.max_wait must not be shorter than snapshot.quiet_period")
	}
	if c.Snapshot.PollInterval <= 0 {
		return fmt.Errorf("snapshot.poll_interval must be positive")
	}
	if c.Maintenance.Interval < 0 {
		return fmt.Errorf("maintenance.interval must not be negative")
	}
	if c.Maintenance.Interval > 0 && c.Maintenance.CompactAfter <= 0 {
		return fmt.Errorf("maintenance.compact_after must be positive when maintenance is enabled")
	}
	if c.Maintenance.KeepSnapshots < 0 {
		return fmt.Errorf("maintenance.keep_snapshots must not be negative")
	}
	return nil
}

func (c AppConfig) validateDatabase() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	return nil
}

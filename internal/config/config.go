package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for prerun. It is built once by Load and
// passed explicitly to every component.
type Config struct {
	CKAN      CKANConfig      `mapstructure:"ckan"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Maintenance holds the raw MAINTENANCE_MODE value. Only "true"
	// (any case) enables maintenance mode.
	Maintenance string `mapstructure:"maintenance_mode"`
}

type CKANConfig struct {
	Binary   string         `mapstructure:"binary"`
	Ini      string         `mapstructure:"ini"`
	Plugins  string         `mapstructure:"plugins"`
	Sysadmin SysadminConfig `mapstructure:"sysadmin"`
}

type SysadminConfig struct {
	Name     string `mapstructure:"name"`
	Password string `mapstructure:"password"`
	Email    string `mapstructure:"email"`
}

type BootstrapConfig struct {
	RetryAttempts  int             `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration   `mapstructure:"retry_delay"`
	TransientPause time.Duration   `mapstructure:"transient_pause"`
	Postgres       PostgresConfig  `mapstructure:"postgres"`
	Datastore      DatastoreConfig `mapstructure:"datastore"`
	Solr           SolrConfig      `mapstructure:"solr"`
	Redis          RedisConfig     `mapstructure:"redis"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type DatastoreConfig struct {
	WriteURL string `mapstructure:"write_url"`
}

type SolrConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
}

// MaintenanceMode reports whether the whole bootstrap must be bypassed.
func (c *Config) MaintenanceMode() bool {
	return strings.EqualFold(strings.TrimSpace(c.Maintenance), "true")
}

// PluginList splits the configured plugin string on whitespace, keeping order.
func (c *CKANConfig) PluginList() []string {
	return strings.Fields(c.Plugins)
}

// Complete reports whether name, password and email are all set. Sysadmin
// provisioning is all-or-nothing.
func (s SysadminConfig) Complete() bool {
	return s.Name != "" && s.Password != "" && s.Email != ""
}

// envBindings maps config keys to the environment variable names used by the
// CKAN container images. These are bound without the PRERUN_ prefix.
var envBindings = map[string]string{
	"ckan.ini":                      "CKAN_INI",
	"ckan.plugins":                  "CKAN__PLUGINS",
	"ckan.sysadmin.name":            "CKAN_SYSADMIN_NAME",
	"ckan.sysadmin.password":        "CKAN_SYSADMIN_PASSWORD",
	"ckan.sysadmin.email":           "CKAN_SYSADMIN_EMAIL",
	"bootstrap.postgres.url":        "CKAN_SQLALCHEMY_URL",
	"bootstrap.datastore.write_url": "CKAN_DATASTORE_WRITE_URL",
	"bootstrap.solr.url":            "CKAN_SOLR_URL",
	"bootstrap.redis.url":           "CKAN_REDIS_URL",
	"maintenance_mode":              "MAINTENANCE_MODE",
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables: the CKAN_* names listed in envBindings, and every
// other key with the PRERUN_ prefix (e.g. PRERUN_BOOTSTRAP_RETRY_DELAY).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PRERUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s to %s: %w", key, env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.Bootstrap.RetryAttempts < 1 {
		return nil, fmt.Errorf("bootstrap.retry_attempts must be at least 1, got %d", cfg.Bootstrap.RetryAttempts)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ckan.binary", "ckan")
	v.SetDefault("ckan.ini", "/srv/app/ckan.ini")
	v.SetDefault("ckan.plugins", "")

	v.SetDefault("bootstrap.retry_attempts", 5)
	v.SetDefault("bootstrap.retry_delay", 10*time.Second)
	v.SetDefault("bootstrap.transient_pause", 5*time.Second)

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "ckan-prerun")
	v.SetDefault("telemetry.log_level", "info")
}

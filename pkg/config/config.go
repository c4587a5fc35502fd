package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sandboxrunner/metric-store/pkg/store"
)

// Config represents the metricd configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Stream  StreamConfig  `yaml:"stream" mapstructure:"stream"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Name           string        `yaml:"name" mapstructure:"name"`
	Version        string        `yaml:"version" mapstructure:"version"`
	Address        string        `yaml:"address" mapstructure:"address"`
	Port           int           `yaml:"port" mapstructure:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxRequestSize int64         `yaml:"max_request_size" mapstructure:"max_request_size"`
	CORSOrigins    []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// StoreConfig holds metric store configuration
type StoreConfig struct {
	// ValuePolicy is one of allow, reject_nan, reject_non_finite.
	ValuePolicy string `yaml:"value_policy" mapstructure:"value_policy"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter      string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure      bool    `yaml:"insecure" mapstructure:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
	Environment   string  `yaml:"environment" mapstructure:"environment"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// StreamConfig holds WebSocket watch stream configuration
type StreamConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	SendBuffer   int           `yaml:"send_buffer" mapstructure:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	CheckOrigin  bool          `yaml:"check_origin" mapstructure:"check_origin"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:           "metricd",
			Version:        "1.0.0",
			Address:        "localhost",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB
			CORSOrigins:    []string{"*"},
		},
		Store: StoreConfig{
			ValuePolicy: string(store.ValuePolicyAllow),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputFile: "",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "stdout",
			Endpoint:      "localhost:4318",
			Insecure:      true,
			SamplingRatio: 1.0,
			Environment:   "development",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Stream: StreamConfig{
			Enabled:      true,
			SendBuffer:   256,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			CheckOrigin:  false,
		},
	}
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("metricd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/metricd")
		v.AddConfigPath("/etc/metricd")
	}

	// METRICD_SERVER_PORT overrides server.port
	v.SetEnvPrefix("METRICD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnvKeys registers every known key so AutomaticEnv applies to
// Unmarshal even when the key is absent from the config file.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.name", "server.address", "server.port", "server.read_timeout",
		"server.write_timeout", "server.max_request_size",
		"store.value_policy",
		"logging.level", "logging.format", "logging.output_file",
		"tracing.enabled", "tracing.exporter", "tracing.endpoint", "tracing.insecure",
		"tracing.sampling_ratio", "tracing.environment",
		"metrics.enabled", "metrics.path",
		"stream.enabled", "stream.send_buffer", "stream.write_timeout",
		"stream.ping_interval", "stream.check_origin",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// SaveConfig saves the configuration to a file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	if c.Server.MaxRequestSize < 64 {
		return fmt.Errorf("max request size must be at least 64 bytes")
	}

	if _, err := store.ParseValuePolicy(c.Store.ValuePolicy); err != nil {
		return err
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		validExporters := map[string]bool{
			"stdout": true, "otlp": true, "jaeger": true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing exporter: %s (must be stdout, otlp, or jaeger)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing sampling ratio must be between 0 and 1")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}

	if c.Stream.Enabled && c.Stream.SendBuffer < 1 {
		return fmt.Errorf("stream send buffer must be at least 1")
	}

	return nil
}

// Addr returns the listen address in host:port form
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// CreateDirectories creates the log file directory if one is configured
func (c *Config) CreateDirectories() error {
	if c.Logging.OutputFile == "" {
		return nil
	}

	dir := filepath.Dir(c.Logging.OutputFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

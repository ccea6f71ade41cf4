// Package config loads the ftpd configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (FTPD_*, e.g. FTPD_LOGGING_LEVEL=DEBUG)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the ftpd configuration.
type Config struct {
	// Listen is the control connection address.
	Listen string `mapstructure:"listen" yaml:"listen" validate:"required"`

	Banner     string `mapstructure:"banner" yaml:"banner,omitempty"`
	SystemType string `mapstructure:"system_type" yaml:"system_type,omitempty"`

	// PublicHost is the IPv4 address advertised in PASV replies when the
	// server sits behind NAT.
	PublicHost string `mapstructure:"public_host" yaml:"public_host,omitempty" validate:"omitempty,ipv4"`

	PassivePorts PortRange `mapstructure:"passive_ports" yaml:"passive_ports"`

	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
	Limits   LimitsConfig   `mapstructure:"limits" yaml:"limits"`

	// DisableCommands lists verbs answered with 502.
	DisableCommands []string `mapstructure:"disable_commands" yaml:"disable_commands,omitempty"`

	// TransferLog is an xferlog file path; empty disables it.
	TransferLog string `mapstructure:"transfer_log" yaml:"transfer_log,omitempty"`

	ShutdownTimeout Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// PortRange bounds the passive data ports. Zero values mean ephemeral ports.
type PortRange struct {
	Min int `mapstructure:"min" yaml:"min" validate:"omitempty,min=1,max=65535"`
	Max int `mapstructure:"max" yaml:"max" validate:"omitempty,gtefield=Min,max=65535"`
}

type TimeoutsConfig struct {
	Idle    Duration `mapstructure:"idle" yaml:"idle" validate:"gt=0"`
	Write   Duration `mapstructure:"write" yaml:"write" validate:"gt=0"`
	Dial    Duration `mapstructure:"dial" yaml:"dial" validate:"gt=0"`
	Passive Duration `mapstructure:"passive" yaml:"passive" validate:"gt=0"`
}

// LimitsConfig holds connection and bandwidth limits. Zero disables a limit.
type LimitsConfig struct {
	MaxConnections      int `mapstructure:"max_connections" yaml:"max_connections" validate:"gte=0"`
	MaxConnectionsPerIP int `mapstructure:"max_connections_per_ip" yaml:"max_connections_per_ip" validate:"gte=0"`

	// Bandwidth limits in bytes per second.
	SessionBandwidth int64 `mapstructure:"session_bandwidth" yaml:"session_bandwidth" validate:"gte=0"`
	GlobalBandwidth  int64 `mapstructure:"global_bandwidth" yaml:"global_bandwidth" validate:"gte=0"`
}

// StorageConfig selects the file tree served to clients.
type StorageConfig struct {
	// Type is one of "os", "memory" or "s3".
	Type     string   `mapstructure:"type" yaml:"type" validate:"required,oneof=os memory s3"`
	ReadOnly bool     `mapstructure:"read_only" yaml:"read_only"`
	Root     string   `mapstructure:"root" yaml:"root,omitempty" validate:"required_if=Type os"`
	S3       S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`
}

// AuthConfig is the credential table. Password hashes are bcrypt, as
// produced by "ftpd hash-password".
type AuthConfig struct {
	Anonymous bool         `mapstructure:"anonymous" yaml:"anonymous"`
	Users     []UserConfig `mapstructure:"users" yaml:"users" validate:"dive"`
}

type UserConfig struct {
	Name         string `mapstructure:"name" yaml:"name" validate:"required"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash" validate:"required"`
}

// UserMap returns the users keyed by name.
func (a AuthConfig) UserMap() map[string]string {
	m := make(map[string]string, len(a.Users))
	for _, u := range a.Users {
		m[u.Name] = u.PasswordHash
	}
	return m
}

type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR.
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen" validate:"required_if=Enabled true"`
}

type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:          ":2121",
		ShutdownTimeout: Duration(30 * time.Second),
		Timeouts: TimeoutsConfig{
			Idle:    Duration(5 * time.Minute),
			Write:   Duration(30 * time.Second),
			Dial:    Duration(10 * time.Second),
			Passive: Duration(30 * time.Second),
		},
		Storage: StorageConfig{Type: "memory"},
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9121"},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
		},
	}
}

// setDefaults registers every default with viper so that each key is
// also reachable through its FTPD_* environment variable.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("banner", d.Banner)
	v.SetDefault("system_type", d.SystemType)
	v.SetDefault("public_host", d.PublicHost)
	v.SetDefault("passive_ports.min", d.PassivePorts.Min)
	v.SetDefault("passive_ports.max", d.PassivePorts.Max)
	v.SetDefault("timeouts.idle", d.Timeouts.Idle.Std().String())
	v.SetDefault("timeouts.write", d.Timeouts.Write.Std().String())
	v.SetDefault("timeouts.dial", d.Timeouts.Dial.Std().String())
	v.SetDefault("timeouts.passive", d.Timeouts.Passive.Std().String())
	v.SetDefault("limits.max_connections", d.Limits.MaxConnections)
	v.SetDefault("limits.max_connections_per_ip", d.Limits.MaxConnectionsPerIP)
	v.SetDefault("limits.session_bandwidth", d.Limits.SessionBandwidth)
	v.SetDefault("limits.global_bandwidth", d.Limits.GlobalBandwidth)
	_ = v.BindEnv("disable_commands")
	v.SetDefault("transfer_log", d.TransferLog)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout.Std().String())
	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.read_only", d.Storage.ReadOnly)
	v.SetDefault("storage.root", d.Storage.Root)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("auth.anonymous", d.Auth.Anonymous)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
}

// Loader reads the configuration and, optionally, watches the file.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader returns a Loader for path. An empty path means no file:
// defaults and environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("FTPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("yaml")
		}
	}
	return &Loader{v: v, path: path}
}

// Load is NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads the file, applies environment overrides and validates the
// result. A configured path that does not exist is an error.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Path returns the config file in use, or "" for none.
func (l *Loader) Path() string {
	return l.path
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook converts "30s" style strings, and raw nanosecond
// numbers, into Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			d, err := time.ParseDuration(v)
			return Duration(d), err
		case int:
			return Duration(v), nil
		case int64:
			return Duration(v), nil
		case float64:
			return Duration(v), nil
		default:
			return data, nil
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its field constraints.
func Validate(cfg *Config) error {
	if (cfg.PassivePorts.Min == 0) != (cfg.PassivePorts.Max == 0) {
		return errors.New("passive_ports: min and max must be set together")
	}
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Save writes cfg to path as YAML. The file may hold password hashes, so
// it is created owner-only.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

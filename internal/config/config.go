package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/pkg/logger"
)

// Config describes everything tasktrackd needs at start-up.
type Config struct {
	API     APIConfig     `json:"api" yaml:"api" toml:"api"`
	Push    PushConfig    `json:"push" yaml:"push" toml:"push"`
	Poll    PollConfig    `json:"poll" yaml:"poll" toml:"poll"`
	Store   StoreConfig   `json:"store" yaml:"store" toml:"store"`
	Tracker TrackerConfig `json:"tracker" yaml:"tracker" toml:"tracker"`
	Log     logger.Config `json:"log" yaml:"log" toml:"log"`
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup" toml:"cleanup"`
	Server  ServerConfig  `json:"server" yaml:"server" toml:"server"`
}

// APIConfig points at the job-status REST API.
type APIConfig struct {
	BaseURL        string   `json:"base_url" yaml:"base_url" toml:"base_url"`
	Token          string   `json:"token" yaml:"token" toml:"token"`
	Timeout        Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	SubmitEndpoint string   `json:"submit_endpoint" yaml:"submit_endpoint" toml:"submit_endpoint"`
}

// PushConfig selects and tunes the push channel.
type PushConfig struct {
	// Transport is websocket, amqp or none.
	Transport string `json:"transport" yaml:"transport" toml:"transport"`
	// URL defaults to the status endpoint derived from api.base_url.
	URL         string   `json:"url" yaml:"url" toml:"url"`
	Exchange    string   `json:"exchange" yaml:"exchange" toml:"exchange"`
	Backoff     string   `json:"backoff" yaml:"backoff" toml:"backoff"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	Delay       Duration `json:"delay" yaml:"delay" toml:"delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
}

// PollConfig tunes the polling synchronizer.
type PollConfig struct {
	Interval         Duration `json:"interval" yaml:"interval" toml:"interval"`
	Always           bool     `json:"always" yaml:"always" toml:"always"`
	RefreshPerSecond float64  `json:"refresh_per_second" yaml:"refresh_per_second" toml:"refresh_per_second"`
	RefreshBurst     int      `json:"refresh_burst" yaml:"refresh_burst" toml:"refresh_burst"`
}

// StoreConfig selects the client-state backend.
type StoreConfig struct {
	// Driver is memory, file, redis, mysql, postgres or sqlite.
	Driver    string      `json:"driver" yaml:"driver" toml:"driver"`
	Path      string      `json:"path" yaml:"path" toml:"path"`
	DSN       string      `json:"dsn" yaml:"dsn" toml:"dsn"`
	Namespace string      `json:"namespace" yaml:"namespace" toml:"namespace"`
	Redis     RedisConfig `json:"redis" yaml:"redis" toml:"redis"`
	// CleanupInterval drives expiry sweeps of the memory backend.
	CleanupInterval Duration `json:"cleanup_interval" yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// RedisConfig holds the redis connection used by the redis driver.
type RedisConfig struct {
	Address  string `json:"address" yaml:"address" toml:"address"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DB       int    `json:"db" yaml:"db" toml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix" toml:"prefix"`
}

// TrackerConfig tunes the lifecycle controller.
type TrackerConfig struct {
	Workspace   string   `json:"workspace" yaml:"workspace" toml:"workspace"`
	AutoRelease bool     `json:"auto_release" yaml:"auto_release" toml:"auto_release"`
	ActivityTTL Duration `json:"activity_ttl" yaml:"activity_ttl" toml:"activity_ttl"`
}

// CleanupConfig schedules remote cleanup in watch mode. An empty schedule
// disables it.
type CleanupConfig struct {
	Schedule string `json:"schedule" yaml:"schedule" toml:"schedule"`
}

// ServerConfig exposes the local status API and Prometheus metrics in watch
// mode. An empty address disables it.
type ServerConfig struct {
	Address string `json:"address" yaml:"address" toml:"address"`
}

// Duration is a time.Duration written as "5s", "1m30s" and so on.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler. It serves json, yaml
// and toml alike.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a configuration with every default applied, relative to
// the working directory.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults(".")
	return &cfg
}

// Load parses the file at path. The format follows the extension: .json,
// .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "config path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read config file")
	}

	var cfg Config
	if err := decode(filepath.Ext(path), content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse config file")
	}

	cfg.ApplyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(ext string, content []byte, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		return dec.Decode(cfg)
	case ".toml":
		md, err := toml.Decode(string(content), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Push.Transport {
	case "websocket", "amqp", "none":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "unknown push transport "+c.Push.Transport)
	}
	if c.Push.Transport == "amqp" && c.Push.URL == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "push.url is required for the amqp transport")
	}
	switch c.Push.Backoff {
	case "fixed", "exponential":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "unknown push backoff "+c.Push.Backoff)
	}
	switch c.Store.Driver {
	case "memory", "file", "redis", "mysql", "postgres", "sqlite":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "unknown store driver "+c.Store.Driver)
	}
	if (c.Store.Driver == "mysql" || c.Store.Driver == "postgres") && c.Store.DSN == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "store.dsn is required for the "+c.Store.Driver+" driver")
	}
	return nil
}

// ApplyDefaults fills unset fields and normalises names. Relative paths
// resolve against baseDir. It is safe to call more than once.
func (c *Config) ApplyDefaults(baseDir string) {
	if c.API.Timeout <= 0 {
		c.API.Timeout = Duration(15 * time.Second)
	}

	c.Push.Transport = strings.ToLower(strings.TrimSpace(c.Push.Transport))
	if c.Push.Transport == "" {
		c.Push.Transport = "websocket"
	}
	c.Push.Backoff = strings.ToLower(strings.TrimSpace(c.Push.Backoff))
	if c.Push.Backoff == "" {
		c.Push.Backoff = "fixed"
	}
	if c.Push.MaxAttempts <= 0 {
		c.Push.MaxAttempts = 5
	}
	if c.Push.Delay <= 0 {
		c.Push.Delay = Duration(5 * time.Second)
	}
	if c.Push.MaxDelay <= 0 {
		c.Push.MaxDelay = Duration(time.Minute)
	}

	if c.Poll.Interval <= 0 {
		c.Poll.Interval = Duration(3 * time.Second)
	}
	if c.Poll.RefreshPerSecond <= 0 {
		c.Poll.RefreshPerSecond = 1
	}
	if c.Poll.RefreshBurst <= 0 {
		c.Poll.RefreshBurst = 1
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = "tasktrack"
	}
	if c.Store.CleanupInterval <= 0 {
		c.Store.CleanupInterval = Duration(time.Minute)
	}
	switch c.Store.Driver {
	case "file":
		c.Store.Path = resolve(baseDir, c.Store.Path, filepath.Join("data", "tasktrack-state.json"))
	case "sqlite":
		if c.Store.DSN == "" {
			c.Store.DSN = resolve(baseDir, c.Store.Path, filepath.Join("data", "tasktrack.db"))
		}
	case "redis":
		if c.Store.Redis.Address == "" {
			c.Store.Redis.Address = "127.0.0.1:6379"
		}
	}

	if c.Tracker.ActivityTTL <= 0 {
		c.Tracker.ActivityTTL = Duration(10 * time.Minute)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if len(c.Log.OutputPaths) == 0 {
		c.Log.OutputPaths = []string{"stderr"}
	}
	if c.Log.Audit.Enabled {
		c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path, filepath.Join("logs", "audit.log"))
	}
}

func resolve(baseDir, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Package config loads the configuration of the mcpclient command: the identity the client announces,
// logging and metrics settings, and the servers to connect to.
//
// Files are YAML (.yaml, .yml) or TOML (.toml). Values missing from the file keep their defaults, and a
// few settings can be overridden from the environment:
//
//	MCPCLIENT_LOG_DIR          directory of the date-partitioned log files
//	MCPCLIENT_LOG_LEVEL        debug, info, warn or error
//	MCPCLIENT_METRICS_ADDR     listen address of the /metrics endpoint, empty to disable
//	MCPCLIENT_REQUEST_TIMEOUT  default request timeout of every server, e.g. 30s
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	mcp "github.com/zengliwei/go-mcp-client"
)

// Config is the complete configuration of the command.
type Config struct {
	Client  ClientConfig
	Log     LogConfig
	Metrics MetricsConfig
	Servers []mcp.ServerConfig
}

// ClientConfig is how the client presents itself to servers.
type ClientConfig struct {
	Name    string
	Version string
	// RequestTimeout is the timeout of servers that do not set their own.
	RequestTimeout time.Duration
}

// LogConfig configures the log output.
type LogConfig struct {
	Dir   string
	Level slog.Level
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

type fileConfig struct {
	Client struct {
		Name           string `yaml:"name" toml:"name"`
		Version        string `yaml:"version" toml:"version"`
		RequestTimeout string `yaml:"request_timeout" toml:"request_timeout"`
	} `yaml:"client" toml:"client"`
	Log struct {
		Dir   string `yaml:"dir" toml:"dir"`
		Level string `yaml:"level" toml:"level"`
	} `yaml:"log" toml:"log"`
	Metrics struct {
		Addr string `yaml:"addr" toml:"addr"`
	} `yaml:"metrics" toml:"metrics"`
	Servers []fileServer `yaml:"servers" toml:"servers"`
}

type fileServer struct {
	Name           string            `yaml:"name" toml:"name"`
	Transport      string            `yaml:"transport" toml:"transport"`
	Command        string            `yaml:"command" toml:"command"`
	Args           []string          `yaml:"args" toml:"args"`
	WorkingDir     string            `yaml:"working_dir" toml:"working_dir"`
	Env            map[string]string `yaml:"env" toml:"env"`
	URL            string            `yaml:"url" toml:"url"`
	Timeout        string            `yaml:"timeout" toml:"timeout"`
	StartupTimeout string            `yaml:"startup_timeout" toml:"startup_timeout"`
	MaxMessageSize int               `yaml:"max_message_size" toml:"max_message_size"`
}

type envConfig struct {
	LogDir         string        `env:"MCPCLIENT_LOG_DIR"`
	LogLevel       string        `env:"MCPCLIENT_LOG_LEVEL"`
	MetricsAddr    string        `env:"MCPCLIENT_METRICS_ADDR"`
	RequestTimeout time.Duration `env:"MCPCLIENT_REQUEST_TIMEOUT"`
}

// definedFunc reports whether the file set the value at the given key path.
type definedFunc func(keys ...string) bool

// Default returns the configuration used for everything a file does not set.
func Default() Config {
	return Config{
		Client: ClientConfig{
			Name:           "mcp-client",
			Version:        "0.1.0",
			RequestTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Dir:   "logs",
			Level: slog.LevelInfo,
		},
	}
}

// Load reads the file at path, applies environment overrides and validates the result. An empty path
// loads the defaults and the environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	var (
		raw     fileConfig
		defined definedFunc = func(...string) bool { return false }
	)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}

		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			defined, err = decodeYAML(data, &raw)
		case ".toml":
			defined, err = decodeTOML(data, &raw)
		default:
			err = fmt.Errorf("unsupported config format %q", ext)
		}
		if err != nil {
			return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if err := applyFile(&cfg, raw, defined); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	servers, err := buildServers(raw.Servers, cfg.Client.RequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Servers = servers

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every server and rejects duplicate server names.
func (c Config) Validate() error {
	if c.Client.Name == "" {
		return errors.New("client name is required")
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, srv := range c.Servers {
		if err := srv.Validate(); err != nil {
			return err
		}
		if _, ok := seen[srv.Name]; ok {
			return fmt.Errorf("duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = struct{}{}
	}
	return nil
}

// Server returns the server configuration with the given name.
func (c Config) Server(name string) (mcp.ServerConfig, bool) {
	for _, srv := range c.Servers {
		if srv.Name == name {
			return srv, true
		}
	}
	return mcp.ServerConfig{}, false
}

func decodeYAML(data []byte, raw *fileConfig) (definedFunc, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	return func(keys ...string) bool {
		var cur any = doc
		for _, key := range keys {
			m, ok := cur.(map[string]any)
			if !ok {
				return false
			}
			if cur, ok = m[key]; !ok {
				return false
			}
		}
		return true
	}, nil
}

func decodeTOML(data []byte, raw *fileConfig) (definedFunc, error) {
	meta, err := toml.Decode(string(data), raw)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys: %v", undecoded)
	}
	return meta.IsDefined, nil
}

func applyFile(cfg *Config, raw fileConfig, defined definedFunc) error {
	if defined("client", "name") {
		cfg.Client.Name = strings.TrimSpace(raw.Client.Name)
	}
	if defined("client", "version") {
		cfg.Client.Version = strings.TrimSpace(raw.Client.Version)
	}
	if defined("client", "request_timeout") {
		d, err := parseDuration("client.request_timeout", raw.Client.RequestTimeout)
		if err != nil {
			return err
		}
		cfg.Client.RequestTimeout = d
	}

	if defined("log", "dir") {
		cfg.Log.Dir = strings.TrimSpace(raw.Log.Dir)
	}
	if defined("log", "level") {
		level, err := parseLevel(raw.Log.Level)
		if err != nil {
			return err
		}
		cfg.Log.Level = level
	}

	if defined("metrics", "addr") {
		cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}

	return nil
}

func applyEnv(cfg *Config) error {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("failed to decode environment: %w", err)
	}

	if env.LogDir != "" {
		cfg.Log.Dir = env.LogDir
	}
	if env.LogLevel != "" {
		level, err := parseLevel(env.LogLevel)
		if err != nil {
			return err
		}
		cfg.Log.Level = level
	}
	if env.MetricsAddr != "" {
		cfg.Metrics.Addr = env.MetricsAddr
	}
	if env.RequestTimeout > 0 {
		cfg.Client.RequestTimeout = env.RequestTimeout
	}

	return nil
}

func buildServers(raw []fileServer, defaultTimeout time.Duration) ([]mcp.ServerConfig, error) {
	servers := make([]mcp.ServerConfig, 0, len(raw))
	for i, srv := range raw {
		cfg := mcp.ServerConfig{
			Name:       strings.TrimSpace(srv.Name),
			Transport:  mcp.TransportType(strings.ToLower(strings.TrimSpace(srv.Transport))),
			Command:    srv.Command,
			Args:       srv.Args,
			WorkingDir: srv.WorkingDir,
			Env:        srv.Env,
			URL:        strings.TrimSpace(srv.URL),
			Timeout:    defaultTimeout,

			MaxMessageSize: srv.MaxMessageSize,
		}
		if cfg.Transport == "" {
			cfg.Transport = mcp.TransportStdio
		}

		if srv.Timeout != "" {
			d, err := parseDuration(fmt.Sprintf("servers[%d].timeout", i), srv.Timeout)
			if err != nil {
				return nil, err
			}
			cfg.Timeout = d
		}
		if srv.StartupTimeout != "" {
			d, err := parseDuration(fmt.Sprintf("servers[%d].startup_timeout", i), srv.StartupTimeout)
			if err != nil {
				return nil, err
			}
			cfg.StartupTimeout = d
		}

		servers = append(servers, cfg)
	}
	return servers, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", key, d)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

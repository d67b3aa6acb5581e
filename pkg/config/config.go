// Package config loads chatsync settings: defaults, then an optional .env
// file, then a YAML file, then CHATSYNC_* environment variables. Command-line
// flags are applied last by the caller.
package config

import (
	"bytes"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/connection"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/session"
)

const EnvPrefix = "CHATSYNC_"

// Duration reads and writes YAML duration strings such as "5s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	ServerURL    string `yaml:"server_url"`
	APIBaseURL   string `yaml:"api_base_url"`
	Token        string `yaml:"token,omitempty"`
	ModelVersion string `yaml:"model_version,omitempty"`
	// SessionID resumes an existing session on start.
	SessionID string `yaml:"session_id,omitempty"`

	History    HistoryConfig        `yaml:"history"`
	Identity   IdentityConfig       `yaml:"identity"`
	Connection ConnectionConfig     `yaml:"connection"`
	Session    SessionConfig        `yaml:"session"`
	Store      StoreConfig          `yaml:"store"`
	Redis      redisstream.Settings `yaml:"redis"`
	Log        LogConfig            `yaml:"log"`
}

type HistoryConfig struct {
	BatchSize int      `yaml:"batch_size"`
	Timeout   Duration `yaml:"timeout"`
}

type IdentityConfig struct {
	Timeout  Duration `yaml:"timeout"`
	Attempts int      `yaml:"attempts"`
	Backoff  Duration `yaml:"backoff"`
}

type ConnectionConfig struct {
	MaxAttempts         int      `yaml:"max_attempts"`
	InitialInterval     Duration `yaml:"initial_interval"`
	MaxInterval         Duration `yaml:"max_interval"`
	RandomizationFactor float64  `yaml:"randomization_factor"`
	Multiplier          float64  `yaml:"multiplier"`
	PingInterval        Duration `yaml:"ping_interval"`
	PongWait            Duration `yaml:"pong_wait"`
	WriteTimeout        Duration `yaml:"write_timeout"`
	HandshakeTimeout    Duration `yaml:"handshake_timeout"`
}

type SessionConfig struct {
	CreateDebounce Duration `yaml:"create_debounce"`
}

// StoreConfig selects the transcript cache. An empty path keeps it in memory.
type StoreConfig struct {
	Path        string `yaml:"path,omitempty"`
	MaxMessages int    `yaml:"max_messages"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	conn := connection.DefaultOptions()
	return Config{
		ServerURL:  "ws://localhost:3000/ws",
		APIBaseURL: "http://localhost:3000/api",
		History: HistoryConfig{
			BatchSize: 20,
			Timeout:   Duration(15 * time.Second),
		},
		Identity: IdentityConfig{
			Timeout:  Duration(10 * time.Second),
			Attempts: 4,
			Backoff:  Duration(500 * time.Millisecond),
		},
		Connection: ConnectionConfig{
			MaxAttempts:         conn.MaxAttempts,
			InitialInterval:     Duration(conn.InitialInterval),
			MaxInterval:         Duration(conn.MaxInterval),
			RandomizationFactor: conn.RandomizationFactor,
			Multiplier:          conn.Multiplier,
			PingInterval:        Duration(conn.PingInterval),
			PongWait:            Duration(conn.PongWait),
			WriteTimeout:        Duration(conn.WriteTimeout),
			HandshakeTimeout:    Duration(conn.HandshakeTimeout),
		},
		Session: SessionConfig{CreateDebounce: Duration(session.DefaultDebounce)},
		Store:   StoreConfig{MaxMessages: 1000},
		Redis:   redisstream.DefaultSettings(),
		Log:     LogConfig{Level: "info", Format: "auto"},
	}
}

// Load builds a Config. A missing .env file is ignored; a missing YAML file is
// an error only when path is set.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, errors.Wrap(err, "load .env")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("SERVER_URL", &c.ServerURL)
	str("API_BASE_URL", &c.APIBaseURL)
	str("TOKEN", &c.Token)
	str("MODEL_VERSION", &c.ModelVersion)
	str("SESSION_ID", &c.SessionID)
	str("STORE_PATH", &c.Store.Path)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("REDIS_ADDR", &c.Redis.Addr)

	if v, ok := lookup(EnvPrefix + "BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%sBATCH_SIZE", EnvPrefix)
		}
		c.History.BatchSize = n
	}
	if v, ok := lookup(EnvPrefix + "REDIS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sREDIS_ENABLED", EnvPrefix)
		}
		c.Redis.Enabled = b
	}
	return nil
}

func (c Config) Validate() error {
	if err := validateURL("server_url", c.ServerURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("api_base_url", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}
	if c.History.BatchSize <= 0 {
		return errors.Errorf("history.batch_size must be positive, got %d", c.History.BatchSize)
	}
	if c.Identity.Attempts <= 0 {
		return errors.Errorf("identity.attempts must be positive, got %d", c.Identity.Attempts)
	}
	if c.Connection.MaxAttempts <= 0 {
		return errors.Errorf("connection.max_attempts must be positive, got %d", c.Connection.MaxAttempts)
	}
	if c.Connection.PingInterval > 0 && c.Connection.PongWait > 0 && c.Connection.PongWait <= c.Connection.PingInterval {
		return errors.New("connection.pong_wait must exceed connection.ping_interval")
	}
	if f := c.Connection.RandomizationFactor; f < 0 || f > 1 {
		return errors.Errorf("connection.randomization_factor must be within [0,1], got %v", f)
	}
	if c.Store.MaxMessages < 0 {
		return errors.New("store.max_messages must not be negative")
	}
	return c.Redis.Validate()
}

func validateURL(field, raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "%s", field)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return errors.Errorf("%s must be a %s URL, got %q", field, strings.Join(schemes, "/"), raw)
}

// ConnectionOptions maps the connection section onto connection.Options.
func (c Config) ConnectionOptions() connection.Options {
	return connection.Options{
		URL:                 c.ServerURL,
		MaxAttempts:         c.Connection.MaxAttempts,
		InitialInterval:     c.Connection.InitialInterval.Std(),
		MaxInterval:         c.Connection.MaxInterval.Std(),
		RandomizationFactor: c.Connection.RandomizationFactor,
		Multiplier:          c.Connection.Multiplier,
		PingInterval:        c.Connection.PingInterval.Std(),
		PongWait:            c.Connection.PongWait.Std(),
		WriteTimeout:        c.Connection.WriteTimeout.Std(),
		HandshakeTimeout:    c.Connection.HandshakeTimeout.Std(),
	}
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "***"
	}
	return c
}

func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

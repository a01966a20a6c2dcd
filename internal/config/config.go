package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.chatd/config.toml.
type Config struct {
	DefaultInstance string       `toml:"default_instance"`
	Server          ServerConfig `toml:"server"`
	Auth            AuthConfig   `toml:"auth"`
	Push            PushConfig   `toml:"push"`
	Store           StoreConfig  `toml:"store"`
}

type ServerConfig struct {
	HTTPAddr     string   `toml:"http_addr"`
	AuthTimeout  Duration `toml:"auth_timeout"`
	PingInterval Duration `toml:"ping_interval"`
	SendBuffer   int      `toml:"send_buffer"`
	InboundRPS   float64  `toml:"inbound_rps"`
	InboundBurst int      `toml:"inbound_burst"`
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string `toml:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	JWTIssuer string `toml:"jwt_issuer"`
}

type PushConfig struct {
	// RedisAddr selects the Redis dispatcher; empty logs notifications instead.
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	RedisKey      string   `toml:"redis_key"`
	RedisChannel  string   `toml:"redis_channel"`
	PollInterval  Duration `toml:"poll_interval"`
	BatchSize     int      `toml:"batch_size"`
	MaxAttempts   int      `toml:"max_attempts"`
	PurgeCron     string   `toml:"purge_cron"`
	Retain        Duration `toml:"retain"`
}

type StoreConfig struct {
	// Path overrides the per-instance database location.
	Path string `toml:"path"`
}

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file or variable says otherwise.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:     "127.0.0.1:8080",
			AuthTimeout:  Duration{10 * time.Second},
			PingInterval: Duration{30 * time.Second},
			SendBuffer:   256,
			InboundRPS:   20,
			InboundBurst: 40,
		},
		Auth: AuthConfig{
			JWTIssuer: "chat-auth",
		},
		Push: PushConfig{
			RedisKey:     "chat:push:queue",
			RedisChannel: "chat:push",
			PollInterval: Duration{500 * time.Millisecond},
			BatchSize:    100,
			MaxAttempts:  3,
			PurgeCron:    "0 3 * * *",
			Retain:       Duration{7 * 24 * time.Hour},
		},
	}
}

// Load reads config from path on top of Default. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv loads envFile (if present) into the process environment and then
// overrides cfg with any CHATD_* variables that are set.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	str := map[string]*string{
		"CHATD_HTTP_ADDR":      &c.Server.HTTPAddr,
		"CHATD_JWT_SECRET":     &c.Auth.JWTSecret,
		"CHATD_JWT_ISSUER":     &c.Auth.JWTIssuer,
		"CHATD_REDIS_ADDR":     &c.Push.RedisAddr,
		"CHATD_REDIS_PASSWORD": &c.Push.RedisPassword,
		"CHATD_PURGE_CRON":     &c.Push.PurgeCron,
		"CHATD_DB_PATH":        &c.Store.Path,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CHATD_SEND_BUFFER":   &c.Server.SendBuffer,
		"CHATD_INBOUND_BURST": &c.Server.InboundBurst,
		"CHATD_REDIS_DB":      &c.Push.RedisDB,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("CHATD_INBOUND_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CHATD_INBOUND_RPS: %w", err)
		}
		c.Server.InboundRPS = f
	}
	if v, ok := os.LookupEnv("CHATD_AUTH_TIMEOUT"); ok {
		if err := c.Server.AuthTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("CHATD_AUTH_TIMEOUT: %w", err)
		}
	}
	return nil
}

// Validate checks the values the daemon cannot start without.
func (c *Config) Validate() error {
	var problems []error
	if c.Server.HTTPAddr == "" {
		problems = append(problems, errors.New("server.http_addr is required"))
	}
	if c.Server.SendBuffer <= 0 {
		problems = append(problems, errors.New("server.send_buffer must be positive"))
	}
	if c.Server.AuthTimeout.Duration <= 0 {
		problems = append(problems, errors.New("server.auth_timeout must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		problems = append(problems, errors.New("auth.jwt_secret is required"))
	}
	if c.Push.PollInterval.Duration <= 0 {
		problems = append(problems, errors.New("push.poll_interval must be positive"))
	}
	if c.Push.PurgeCron != "" && !gronx.IsValid(c.Push.PurgeCron) {
		problems = append(problems, fmt.Errorf("push.purge_cron %q is not a valid cron expression", c.Push.PurgeCron))
	}
	return errors.Join(problems...)
}

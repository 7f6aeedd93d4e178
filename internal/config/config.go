package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	DBFile      string   `toml:"db_file"`
	APIAddr     string   `toml:"api_addr"`
	AdminAddr   string   `toml:"admin_addr"`
	UploadsPath string   `toml:"uploads_path"`
	AuthSecret  string   `toml:"auth_secret"`
	TokenExpiry Duration `toml:"token_expiry"`
	// RedisAddr selects the Redis presence backend. Empty keeps presence in memory.
	RedisAddr string `toml:"redis_addr,omitempty"`

	// Client side.
	ServerURL      string   `toml:"server_url"`
	Token          string   `toml:"token,omitempty"`
	TypingIdle     Duration `toml:"typing_idle"`
	TypingExpiry   Duration `toml:"typing_expiry"`
	PresenceRetry  Duration `toml:"presence_retry"`
	PresenceTries  int      `toml:"presence_max_retries"`
	RequestTimeout Duration `toml:"request_timeout"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func Default() *Config {
	return &Config{
		DBFile:         "chatter.db",
		APIAddr:        ":8080",
		AdminAddr:      "localhost:8081",
		UploadsPath:    "uploads",
		TokenExpiry:    Duration{24 * time.Hour},
		ServerURL:      "http://localhost:8080",
		TypingIdle:     Duration{time.Second},
		TypingExpiry:   Duration{3 * time.Second},
		PresenceRetry:  Duration{time.Second},
		PresenceTries:  3,
		RequestTimeout: Duration{10 * time.Second},
	}
}

// Load builds the configuration from defaults, the optional TOML file named by
// CHATTER_CONFIG and environment overrides, in that order.
func Load(cliMode bool) (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CHATTER_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DBFile = getEnv("CHATTER_DB", c.DBFile)
	c.APIAddr = getEnv("API_ADDR", c.APIAddr)
	c.AdminAddr = getEnv("ADMIN_ADDR", c.AdminAddr)
	c.UploadsPath = getEnv("UPLOADS_PATH", c.UploadsPath)
	c.AuthSecret = getEnv("AUTH_SECRET", c.AuthSecret)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.ServerURL = getEnv("CHATTER_SERVER", c.ServerURL)
	c.Token = getEnv("CHATTER_TOKEN", c.Token)

	durations := []struct {
		key string
		dst *Duration
	}{
		{"TOKEN_EXPIRY", &c.TokenExpiry},
		{"TYPING_IDLE", &c.TypingIdle},
		{"TYPING_EXPIRY", &c.TypingExpiry},
		{"PRESENCE_RETRY", &c.PresenceRetry},
		{"REQUEST_TIMEOUT", &c.RequestTimeout},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		if err := d.dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}

	if v, ok := os.LookupEnv("PRESENCE_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PRESENCE_MAX_RETRIES: %w", err)
		}
		c.PresenceTries = n
	}
	return nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry.Duration <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.TypingIdle.Duration <= 0 || c.TypingExpiry.Duration <= 0 {
		return fmt.Errorf("typing durations must be greater than 0")
	}

	if c.PresenceRetry.Duration <= 0 || c.PresenceTries <= 0 {
		return fmt.Errorf("presence retry settings must be greater than 0")
	}

	if c.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be greater than 0")
	}

	return nil
}

// Save writes c as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

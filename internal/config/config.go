package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"courier/internal/content"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	DataDir     string `toml:"data_dir"`
	ServerURL   string `toml:"server_url"`
	RealtimeURL string `toml:"realtime_url"`
	HealthURL   string `toml:"health_url"`
	StatusAddr  string `toml:"status_addr"`

	UserID     string `toml:"user_id"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	TOTPSecret string `toml:"totp_secret"`
	Token      string `toml:"token"`

	RequestTimeout time.Duration `toml:"-"`
	SyncInterval   time.Duration `toml:"-"`
	ProbeInterval  time.Duration `toml:"-"`
	GracePeriod    time.Duration `toml:"-"`
	TokenExpiry    time.Duration `toml:"-"`
	MaxAttempts    int           `toml:"max_attempts"`
	BatchSize      int           `toml:"batch_size"`
}

// file mirrors Config for the TOML file, with durations written as strings
// like "15s".
type file struct {
	Config
	RequestTimeout string `toml:"request_timeout"`
	SyncInterval   string `toml:"sync_interval"`
	ProbeInterval  string `toml:"probe_interval"`
	GracePeriod    string `toml:"grace_period"`
	TokenExpiry    string `toml:"token_expiry"`
}

// Load builds the configuration from defaults, the optional TOML file named
// by COURIER_CONFIG and the environment, in that order. cliMode skips the
// checks only the engine needs.
func Load(cliMode bool) (*Config, error) {
	cfg := &Config{
		DataDir:        "data",
		ServerURL:      "http://localhost:8080",
		StatusAddr:     "localhost:8091",
		RequestTimeout: 15 * time.Second,
		SyncInterval:   5 * time.Second,
		ProbeInterval:  10 * time.Second,
		GracePeriod:    2 * time.Second,
		TokenExpiry:    12 * time.Hour,
		MaxAttempts:    5,
		BatchSize:      10,
	}

	if path := os.Getenv("COURIER_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	cfg.derive()

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read config: %w", err)
	}
	f := file{Config: *c}
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("cannot parse config: %w", err)
	}
	*c = f.Config
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"request_timeout", f.RequestTimeout, &c.RequestTimeout},
		{"sync_interval", f.SyncInterval, &c.SyncInterval},
		{"probe_interval", f.ProbeInterval, &c.ProbeInterval},
		{"grace_period", f.GracePeriod, &c.GracePeriod},
		{"token_expiry", f.TokenExpiry, &c.TokenExpiry},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.DataDir = getEnv("COURIER_DATA", c.DataDir)
	c.ServerURL = getEnv("COURIER_SERVER", c.ServerURL)
	c.RealtimeURL = getEnv("COURIER_REALTIME_URL", c.RealtimeURL)
	c.HealthURL = getEnv("COURIER_HEALTH_URL", c.HealthURL)
	c.StatusAddr = getEnv("COURIER_STATUS_ADDR", c.StatusAddr)
	c.UserID = getEnv("COURIER_USER_ID", c.UserID)
	c.Username = getEnv("COURIER_USERNAME", c.Username)
	c.Password = getEnv("COURIER_PASSWORD", c.Password)
	c.TOTPSecret = getEnv("COURIER_TOTP_SECRET", c.TOTPSecret)
	c.Token = getEnv("COURIER_TOKEN", c.Token)

	durations := map[string]*time.Duration{
		"COURIER_REQUEST_TIMEOUT": &c.RequestTimeout,
		"COURIER_SYNC_INTERVAL":   &c.SyncInterval,
		"COURIER_PROBE_INTERVAL":  &c.ProbeInterval,
		"COURIER_GRACE_PERIOD":    &c.GracePeriod,
		"TOKEN_EXPIRY":            &c.TokenExpiry,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"COURIER_MAX_ATTEMPTS": &c.MaxAttempts,
		"COURIER_BATCH_SIZE":   &c.BatchSize,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// derive fills the endpoints that default to locations on the server.
func (c *Config) derive() {
	c.ServerURL = strings.TrimSuffix(c.ServerURL, "/")
	if c.RealtimeURL == "" {
		c.RealtimeURL = "ws" + strings.TrimPrefix(c.ServerURL, "http") + "/api/chat"
	}
	if c.HealthURL == "" {
		c.HealthURL = c.ServerURL + "/"
	}
	if c.UserID == "" {
		c.UserID = c.Username
	}
}

func (c *Config) Validate(cliMode bool) error {
	if c.StatusAddr == "" {
		return fmt.Errorf("COURIER_STATUS_ADDR is required")
	}
	if cliMode {
		return nil
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("COURIER_SERVER must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.Token == "" && c.Username == "" {
		return fmt.Errorf("COURIER_TOKEN or COURIER_USERNAME is required")
	}
	if c.Username != "" {
		if err := content.ValidateUsername(c.Username); err != nil {
			return fmt.Errorf("COURIER_USERNAME: %w", err)
		}
	}
	if c.UserID == "" {
		return fmt.Errorf("COURIER_USER_ID is required with a static token")
	}
	if c.DataDir == "" {
		return fmt.Errorf("COURIER_DATA is required")
	}

	if c.RequestTimeout <= 0 || c.SyncInterval <= 0 || c.ProbeInterval <= 0 || c.GracePeriod <= 0 {
		return fmt.Errorf("timeouts and intervals must be greater than 0")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("COURIER_MAX_ATTEMPTS must be greater than 0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("COURIER_BATCH_SIZE must be greater than 0")
	}

	return nil
}

func (c *Config) DBFile() string {
	return filepath.Join(c.DataDir, "courier.db")
}

func (c *Config) FilesPath() string {
	return filepath.Join(c.DataDir, "files")
}

// StatusURL is the base URL CLI commands use to reach a running engine.
func (c *Config) StatusURL() string {
	return "http://" + c.StatusAddr
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the service and the CLI.
// Values come from defaults, then an optional YAML file, then MANGAVAULT_* env vars.
type Config struct {
	BaseURL    string `yaml:"base_url"`
	APIBaseURL string `yaml:"api_base_url"`
	ChromePath string `yaml:"chrome_path"`
	Headless   bool   `yaml:"headless"`
	UserAgent  string `yaml:"user_agent"`

	ImageDir string `yaml:"image_dir"`
	DBPath   string `yaml:"db_path"` // empty: ~/.mangavault/data.db
	HTTPAddr string `yaml:"http_addr"`
	TCPAddr  string `yaml:"tcp_addr"`

	BacklogLimit    int    `yaml:"backlog_limit"`
	BacklogSchedule string `yaml:"backlog_schedule"`

	ExtractWorkers    int           `yaml:"extract_workers"`
	WriteWorkers      int           `yaml:"write_workers"`
	ItemAttempts      int           `yaml:"item_attempts"`
	ItemTimeout       time.Duration `yaml:"item_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PollRetries       int           `yaml:"poll_retries"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`

	Debug bool `yaml:"debug"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://cuutruyen.net",
		Headless:          true,
		UserAgent:         defaultUserAgent,
		ImageDir:          "images",
		HTTPAddr:          ":8080",
		TCPAddr:           ":7070",
		BacklogLimit:      5,
		BacklogSchedule:   "@every 2m",
		ExtractWorkers:    5,
		WriteWorkers:      10,
		ItemAttempts:      3,
		ItemTimeout:       45 * time.Second,
		PollInterval:      2 * time.Second,
		PollRetries:       10,
		NavigationTimeout: 60 * time.Second,
		RequestsPerSecond: 2,
	}
}

// LoadConfig builds the configuration. An empty path skips the file;
// a missing file at an explicit path is an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("MANGAVAULT_CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = cfg.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("config: base_url is required")
	case c.ExtractWorkers <= 0:
		return fmt.Errorf("config: extract_workers must be > 0")
	case c.WriteWorkers <= 0:
		return fmt.Errorf("config: write_workers must be > 0")
	case c.ItemAttempts <= 0:
		return fmt.Errorf("config: item_attempts must be > 0")
	case c.BacklogLimit <= 0:
		return fmt.Errorf("config: backlog_limit must be > 0")
	}
	return nil
}

// ImagePath returns the absolute image root.
func (c Config) ImagePath() string {
	if filepath.IsAbs(c.ImageDir) {
		return c.ImageDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return c.ImageDir
	}
	return filepath.Join(wd, c.ImageDir)
}

func applyEnv(c *Config) {
	envString("MANGAVAULT_BASE_URL", &c.BaseURL)
	envString("MANGAVAULT_API_BASE_URL", &c.APIBaseURL)
	envString("MANGAVAULT_CHROME_PATH", &c.ChromePath)
	envString("MANGAVAULT_USER_AGENT", &c.UserAgent)
	envString("MANGAVAULT_IMAGE_DIR", &c.ImageDir)
	envString("MANGAVAULT_DB_PATH", &c.DBPath)
	envString("MANGAVAULT_HTTP_ADDR", &c.HTTPAddr)
	envString("MANGAVAULT_TCP_ADDR", &c.TCPAddr)
	envString("MANGAVAULT_BACKLOG_SCHEDULE", &c.BacklogSchedule)
	envInt("MANGAVAULT_BACKLOG_LIMIT", &c.BacklogLimit)
	envInt("MANGAVAULT_EXTRACT_WORKERS", &c.ExtractWorkers)
	envInt("MANGAVAULT_WRITE_WORKERS", &c.WriteWorkers)
	envInt("MANGAVAULT_ITEM_ATTEMPTS", &c.ItemAttempts)
	envInt("MANGAVAULT_POLL_RETRIES", &c.PollRetries)
	envDuration("MANGAVAULT_ITEM_TIMEOUT", &c.ItemTimeout)
	envDuration("MANGAVAULT_POLL_INTERVAL", &c.PollInterval)
	envDuration("MANGAVAULT_NAVIGATION_TIMEOUT", &c.NavigationTimeout)
	envFloat("MANGAVAULT_REQUESTS_PER_SECOND", &c.RequestsPerSecond)
	envBool("MANGAVAULT_HEADLESS", &c.Headless)
	envBool("MANGAVAULT_DEBUG", &c.Debug)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// envInt ignores values that do not parse, keeping the previous setting.
func envInt(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// envDuration takes Go duration syntax, e.g. "45s".
func envDuration(key string, dst *time.Duration) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

func envFloat(key string, dst *float64) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func envBool(key string, dst *bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

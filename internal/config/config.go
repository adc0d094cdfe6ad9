// Package config loads process settings. Precedence, highest first:
// command-line flags (applied by each main), environment, YAML file, defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the YAML file when no -config flag is given.
const EnvConfigPath = "FORGEJUDGE_CONFIG"

type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
	Client    ClientConfig    `yaml:"client"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type RedisConfig struct {
	// URL is a redis:// URL or host:port.
	URL string `yaml:"url"`
	// Namespace prefixes job keys: <namespace>:<questionNo>.
	Namespace string `yaml:"namespace"`
	// List is the shared work list.
	List string `yaml:"list"`
}

type WorkerConfig struct {
	Slots         int           `yaml:"slots"`
	Dir           string        `yaml:"dir"`
	PopTimeout    time.Duration `yaml:"pop_timeout"`
	ClaimInterval time.Duration `yaml:"claim_interval"`
	ResponseTTL   time.Duration `yaml:"response_ttl"`
}

type ToolchainConfig struct {
	// Mode is "local" (host process) or "docker".
	Mode            string        `yaml:"mode"`
	Binary          string        `yaml:"binary"`
	Image           string        `yaml:"image"`
	ProjectRoot     string        `yaml:"project_root"`
	CacheDir        string        `yaml:"cache_dir"`
	ArtifactsDir    string        `yaml:"artifacts_dir"`
	BootstrapTarget string        `yaml:"bootstrap_target"`
	Versions        []string      `yaml:"versions"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Path resolves p against ProjectRoot unless it is absolute.
func (t ToolchainConfig) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(t.ProjectRoot, p)
}

type ClientConfig struct {
	Directory    string        `yaml:"directory"`
	SolcVersion  string        `yaml:"solc_version"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ServerConfig struct {
	Addr      string        `yaml:"addr"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     float64       `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`
	// AllowedOrigins restricts CORS; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// TrustedProxies (addresses or CIDRs) may set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	NoColor bool   `yaml:"no_color"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			URL:       "redis://127.0.0.1:6379/0",
			Namespace: "forgejudge",
			List:      "forgejudge:jobs",
		},
		Worker: WorkerConfig{
			Slots:         5,
			Dir:           "tmp/worker",
			PopTimeout:    time.Second,
			ClaimInterval: 20 * time.Millisecond,
			ResponseTTL:   time.Minute,
		},
		Toolchain: ToolchainConfig{
			Mode:            "local",
			Binary:          "forge",
			Image:           "ghcr.io/foundry-rs/foundry:latest",
			ProjectRoot:     ".",
			CacheDir:        "cache",
			ArtifactsDir:    "out",
			BootstrapTarget: "lib/forge-std/src",
			Versions:        []string{"0.8.20", "0.8.21", "0.8.22", "0.8.23"},
			Timeout:         2 * time.Minute,
		},
		Client: ClientConfig{
			Directory:    "usercode",
			SolcVersion:  "0.8.20",
			Timeout:      5 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:      ":8080",
			RateLimit: 0.5,
			Burst:     5,
			Timeout:   30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment (after loading .env if present). path may be empty.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && v != "" {
			var items []string
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			*dst = items
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := ParseSeconds(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := lookup("THREAD_NUM"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("THREAD_NUM: %w", err))
		} else {
			c.Worker.Slots = n
		}
	}
	str("REDIS_HOST", &c.Redis.URL)
	str("CONNECTION_STR", &c.Redis.URL)
	str("REDIS_PREFIX", &c.Redis.Namespace)
	str("REDIS_LIST_NAME", &c.Redis.List)
	str("REDIS_WORKER_DIR", &c.Worker.Dir)
	str("DIRECTORY", &c.Client.Directory)
	str("SOLC_VERSION", &c.Client.SolcVersion)
	dur("TIMEOUT", &c.Client.Timeout)
	str("TOOLCHAIN_MODE", &c.Toolchain.Mode)
	str("TOOLCHAIN_BINARY", &c.Toolchain.Binary)
	str("TOOLCHAIN_IMAGE", &c.Toolchain.Image)
	str("PROJECT_ROOT", &c.Toolchain.ProjectRoot)
	dur("TOOLCHAIN_TIMEOUT", &c.Toolchain.Timeout)
	list("SOLC_VERSIONS", &c.Toolchain.Versions)
	str("SERVER_ADDR", &c.Server.Addr)
	list("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	list("TRUSTED_PROXIES", &c.Server.TrustedProxies)
	str("LOG_LEVEL", &c.Log.Level)
	if _, ok := lookup("NO_COLOR"); ok {
		c.Log.NoColor = true
	}

	return errors.Join(errs...)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Slots < 1 {
		errs = append(errs, fmt.Errorf("worker.slots must be at least 1, got %d", c.Worker.Slots))
	}
	if c.Redis.Namespace == "" {
		errs = append(errs, errors.New("redis.namespace is required"))
	}
	if c.Redis.List == "" {
		errs = append(errs, errors.New("redis.list is required"))
	}
	if c.Toolchain.Mode != "local" && c.Toolchain.Mode != "docker" {
		errs = append(errs, fmt.Errorf("toolchain.mode must be local or docker, got %q", c.Toolchain.Mode))
	}
	if c.Client.PollInterval <= 0 {
		errs = append(errs, errors.New("client.poll_interval must be positive"))
	}
	return errors.Join(errs...)
}

// ParseSeconds accepts a bare number of seconds ("5") or a Go duration
// ("1m30s"). Negative and non-finite values are rejected.
func ParseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if n >= maxSeconds {
			return 0, fmt.Errorf("duration %q out of range", s)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// maxSeconds is the largest whole number of seconds a time.Duration holds.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

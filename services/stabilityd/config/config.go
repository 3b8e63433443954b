package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/buckhoff/stabilityfund/native/stability"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for stabilityd.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	DatabasePath  string       `yaml:"database"`
	ParamsPath    string       `yaml:"params"`
	TokenSymbol   string       `yaml:"symbol"`
	Oracle        OracleConfig `yaml:"oracle"`
	Sources       []Source     `yaml:"sources"`
	Roles         RolesConfig  `yaml:"roles"`
	Admin         AdminConfig  `yaml:"admin"`
}

// OracleConfig tunes the feed polling loop.
type OracleConfig struct {
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
	MinFeeds int      `yaml:"min_feeds"`
	Updater  string   `yaml:"updater"`
}

// Source describes an upstream price feed.
type Source struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	Assets   map[string]string `yaml:"assets"`
	Rate     string            `yaml:"rate"`
}

// RolesConfig lists the addresses granted each engine capability at boot.
type RolesConfig struct {
	OracleUpdaters  []string `yaml:"oracle_updaters"`
	ReserveManagers []string `yaml:"reserve_managers"`
	Burners         []string `yaml:"burners"`
	Guardians       []string `yaml:"guardians"`
	RiskOfficers    []string `yaml:"risk_officers"`
}

// AdminConfig secures the HTTP API.
type AdminConfig struct {
	BearerToken string          `yaml:"bearer_token"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	TLS         TLSConfig       `yaml:"tls"`
}

// RateLimitConfig throttles inbound requests.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

// TLSConfig describes optional TLS termination for the API listener.
type TLSConfig struct {
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
}

// Load reads service configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadParams decodes the engine parameter groups from the TOML file referenced
// by the service configuration.
func LoadParams(path string) (stability.Config, error) {
	params := stability.Config{}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return params.Normalise(), nil
	}
	if _, err := toml.DecodeFile(trimmed, &params); err != nil {
		return params, fmt.Errorf("decode params: %w", err)
	}
	return params.Normalise(), nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/stabilityd.sqlite"
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "STBL"
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Admin.RateLimit.RequestsPerSecond <= 0 {
		cfg.Admin.RateLimit.RequestsPerSecond = 20
	}
	if cfg.Admin.RateLimit.Burst <= 0 {
		cfg.Admin.RateLimit.Burst = 40
	}
}

func validate(cfg Config) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one price source must be configured")
	}
	for _, src := range cfg.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return fmt.Errorf("source name required")
		}
		switch strings.ToLower(strings.TrimSpace(src.Type)) {
		case "coingecko", "manual":
		default:
			return fmt.Errorf("source %s: unknown type %q", name, src.Type)
		}
	}
	if strings.TrimSpace(cfg.Oracle.Updater) == "" {
		return fmt.Errorf("oracle updater address must be configured")
	}
	if strings.TrimSpace(cfg.Admin.BearerToken) == "" {
		return fmt.Errorf("admin bearer token must be configured")
	}
	return nil
}

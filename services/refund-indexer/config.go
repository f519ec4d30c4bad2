package indexer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
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

// Config captures runtime configuration for the indexer.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	LedgerURL     string         `yaml:"ledger_url"`
	Database      DatabaseConfig `yaml:"database"`
	Consumer      ConsumerConfig `yaml:"consumer"`
	Recon         ReconConfig    `yaml:"recon"`
}

// DatabaseConfig selects the gorm dialector and its DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ConsumerConfig tunes the websocket consumer loop.
type ConsumerConfig struct {
	DialTimeout Duration `yaml:"dial_timeout"`
	Backoff     Duration `yaml:"backoff"`
}

// ReconConfig controls the nightly reconciliation run.
type ReconConfig struct {
	OutputDir string   `yaml:"output_dir"`
	RunHour   int      `yaml:"run_hour"`
	RunMinute int      `yaml:"run_minute"`
	Window    Duration `yaml:"window"`
	DryRun    bool     `yaml:"dry_run"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
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

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8190"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "refund-indexer.db"
	}
	if cfg.Consumer.DialTimeout.Duration == 0 {
		cfg.Consumer.DialTimeout.Duration = 10 * time.Second
	}
	if cfg.Consumer.Backoff.Duration == 0 {
		cfg.Consumer.Backoff.Duration = 5 * time.Second
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "refund-data/recon"
	}
	if cfg.Recon.Window.Duration == 0 {
		cfg.Recon.Window.Duration = 24 * time.Hour
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.LedgerURL) == "" {
		return fmt.Errorf("ledger_url is required")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	return nil
}

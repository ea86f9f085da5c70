package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for avidx.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Worker     WorkerConfig     `toml:"worker"`
	PDS        PDSConfig        `toml:"pds"`
	Governance GovernanceConfig `toml:"governance"`
}

// DatabaseConfig represents configuration for the index database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ScannerConfig controls the periodic staleness scan. Cutoffs are the age
// boundaries between priority tiers, ordered urgent < recent < normal.
type ScannerConfig struct {
	Interval     Duration `toml:"interval"`      // time between scan runs
	BatchSize    int      `toml:"batch_size"`    // max candidates per tier per run
	UrgentCutoff Duration `toml:"urgent_cutoff"` // younger than this is urgent
	RecentCutoff Duration `toml:"recent_cutoff"`
	NormalCutoff Duration `toml:"normal_cutoff"` // older than this is background
}

// WorkerConfig controls the freshness worker pool.
type WorkerConfig struct {
	Concurrency   int `toml:"concurrency"`
	QueueCapacity int `toml:"queue_capacity"`
	MaxAttempts   int `toml:"max_attempts"`
}

// PDSConfig controls outbound record fetches.
type PDSConfig struct {
	Timeout Duration `toml:"timeout"`
}

// GovernanceConfig identifies the governance repo that reconciliation
// records are published to. Publishing is disabled when PDSURL is empty.
type GovernanceConfig struct {
	PDSURL      string `toml:"pds_url"`
	RepoDID     string `toml:"repo_did"`
	AccessToken string `toml:"access_token"`
}

// Duration wraps time.Duration so TOML values can be written as "6h" or "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a Config with the provided base directory and defaults
// for everything else.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Scanner: ScannerConfig{
			Interval:     Duration{time.Hour},
			BatchSize:    100,
			UrgentCutoff: Duration{6 * time.Hour},
			RecentCutoff: Duration{24 * time.Hour},
			NormalCutoff: Duration{168 * time.Hour},
		},
		Worker: WorkerConfig{
			Concurrency:   4,
			QueueCapacity: 10000,
			MaxAttempts:   3,
		},
		PDS: PDSConfig{
			Timeout: Duration{5 * time.Second},
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

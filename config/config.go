package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendcore/native/lending"
	"lendcore/storage"
)

// Config is the protocol configuration loaded by lendingd at startup.
type Config struct {
	DataDir         string         `toml:"DataDir"`
	StorageBackend  string         `toml:"StorageBackend"`
	AllowMigrate    bool           `toml:"AllowMigrate"`
	MaxAccountBytes int            `toml:"MaxAccountBytes"`
	Lending         lending.Config `toml:"lending"`
	Assets          []AssetListing `toml:"assets"`
	Pauses          Pauses         `toml:"pauses"`
	Quota           Quota          `toml:"quota"`
	Oracle          Oracle         `toml:"oracle"`
}

// Load loads the configuration from the given path. A missing file is created
// with the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used for a fresh deployment.
func Default() *Config {
	return &Config{
		DataDir:        "./lendcore-data",
		StorageBackend: storage.BackendLevelDB,
		Lending:        lending.DefaultConfig(),
		Quota:          Quota{MaxRequestsPerEpoch: 120, EpochSeconds: 60},
		Oracle:         Oracle{MaxAgeSeconds: 120},
	}
}

func (c *Config) normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	if c.StorageBackend == "" {
		c.StorageBackend = storage.BackendLevelDB
	}
	c.Lending.EnsureDefaults()
	for i := range c.Assets {
		c.Assets[i].Token = strings.TrimSpace(c.Assets[i].Token)
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.normalize()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

package config

import (
	"fmt"
	"strings"

	"lendcore/native/lending"
	"lendcore/storage"
)

// ValidateConfig checks the loaded configuration before any component is built.
func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	switch c.StorageBackend {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.StorageBackend)
	}
	if c.StorageBackend != storage.BackendMemory && c.DataDir == "" {
		return fmt.Errorf("config: DataDir required for %s backend", c.StorageBackend)
	}
	if c.MaxAccountBytes < 0 {
		return fmt.Errorf("config: MaxAccountBytes must not be negative")
	}
	if err := c.Lending.Validate(); err != nil {
		return fmt.Errorf("config: lending: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Assets))
	for i, listing := range c.Assets {
		if listing.Token == "" {
			return fmt.Errorf("config: assets[%d]: token required", i)
		}
		if _, dup := seen[listing.Token]; dup {
			return fmt.Errorf("config: asset %s listed twice", listing.Token)
		}
		seen[listing.Token] = struct{}{}
		if err := listing.Config.Validate(); err != nil {
			return fmt.Errorf("config: asset %s: %w", listing.Token, err)
		}
	}
	for _, feed := range c.Oracle.Feeds {
		if strings.TrimSpace(feed.Name) == "" || strings.TrimSpace(feed.URL) == "" {
			return fmt.Errorf("config: oracle feeds need a name and url")
		}
	}
	for token, price := range c.Oracle.Manual {
		if strings.TrimSpace(price.USD) == "" {
			return fmt.Errorf("config: manual price for %s is empty", token)
		}
	}
	return nil
}

// AssetConfigs returns the configured listings keyed by token.
func (c *Config) AssetConfigs() map[lending.TokenID]lending.AssetConfig {
	out := make(map[lending.TokenID]lending.AssetConfig, len(c.Assets))
	for _, listing := range c.Assets {
		out[lending.TokenID(listing.Token)] = listing.Config.Clone()
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"positionscan/internal/models"
)

// ChainConfig holds the per-chain scanner settings.
type ChainConfig struct {
	ChainID      uint64        `yaml:"chain_id"`
	Endpoint     string        `yaml:"endpoint"`
	APIKey       string        `yaml:"api_key"`
	NFPMAddress  string        `yaml:"nfpm_address"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StartHeight  uint64        `yaml:"start_height"`
}

// IndexerConfig holds the chain-independent scanner tuning knobs.
type IndexerConfig struct {
	SafetyLag   uint64        `yaml:"safety_lag"`
	WindowDepth uint64        `yaml:"window_depth"`
	MaxRange    uint64        `yaml:"max_range"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

type Config struct {
	DatabaseURL string                        `yaml:"database_url"`
	APIPort     int                           `yaml:"api_port"`
	Indexer     IndexerConfig                 `yaml:"indexer"`
	Chains      map[models.Chain]*ChainConfig `yaml:"chains"`
}

const (
	DefaultPollInterval = 12 * time.Second
	DefaultSafetyLag    = 64
	DefaultWindowDepth  = 64
	DefaultMaxRange     = 1000
	DefaultMaxRetries   = 5
	DefaultBaseBackoff  = 500 * time.Millisecond

	// NFPM deployment shared by ethereum and arbitrum. Base uses a
	// different deployment and must be configured explicitly.
	NFPMAddressMainnet = "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets deploy environments override the file without
// editing it, matching the container setup.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DB_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.APIPort = p
		}
	}
}

func (c *Config) ApplyDefaults() {
	if c.APIPort == 0 {
		c.APIPort = 8080
	}
	if c.Indexer.SafetyLag == 0 {
		c.Indexer.SafetyLag = DefaultSafetyLag
	}
	if c.Indexer.WindowDepth == 0 {
		c.Indexer.WindowDepth = DefaultWindowDepth
	}
	if c.Indexer.MaxRange == 0 {
		c.Indexer.MaxRange = DefaultMaxRange
	}
	if c.Indexer.MaxRetries == 0 {
		c.Indexer.MaxRetries = DefaultMaxRetries
	}
	if c.Indexer.BaseBackoff == 0 {
		c.Indexer.BaseBackoff = DefaultBaseBackoff
	}
	for chain, cc := range c.Chains {
		if cc.PollInterval == 0 {
			cc.PollInterval = DefaultPollInterval
		}
		if cc.NFPMAddress == "" {
			switch chain {
			case models.ChainEthereum, models.ChainArbitrum:
				cc.NFPMAddress = NFPMAddressMainnet
			}
		}
	}
}

// Validate rejects configurations the scanner cannot run with.
// A failure here is fatal at startup.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("config: at least one chain must be configured")
	}
	if c.Indexer.SafetyLag < c.Indexer.WindowDepth {
		return fmt.Errorf("config: safety_lag (%d) must be >= window_depth (%d)",
			c.Indexer.SafetyLag, c.Indexer.WindowDepth)
	}
	for chain, cc := range c.Chains {
		if !chain.Valid() {
			return fmt.Errorf("config: unknown chain %q", chain)
		}
		if cc.Endpoint == "" {
			return fmt.Errorf("config: chain %s: endpoint is required", chain)
		}
		if cc.NFPMAddress == "" {
			return fmt.Errorf("config: chain %s: nfpm_address is required", chain)
		}
		if cc.PollInterval < time.Second {
			return fmt.Errorf("config: chain %s: poll_interval %s is below 1s", chain, cc.PollInterval)
		}
	}
	return nil
}

// Package config loads and validates the gateway's YAML configuration.
// The signer key may arrive inline, via environment variable, via file, or
// from an encrypted keystore; it is resolved here and never logged.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
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

// Config captures the runtime configuration for bloomgated.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LedgerPath    string          `yaml:"ledger_path"`
	Chain         ChainConfig     `yaml:"chain"`
	Directory     DirectoryConfig `yaml:"directory"`
	Signer        SignerConfig    `yaml:"signer"`
	Parser        ParserConfig    `yaml:"parser"`
	Grants        GrantConfig     `yaml:"grants"`
	API           APIConfig       `yaml:"api"`
}

// ChainConfig locates the verifying contract and its chain.
type ChainConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	ChainID     uint64   `yaml:"chain_id"`
	Verifier    string   `yaml:"verifier"`
	CallTimeout Duration `yaml:"call_timeout"`
}

// DirectoryConfig configures the identity directory client.
type DirectoryConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	CacheTTL    Duration `yaml:"cache_ttl"`
	RatePerSec  float64  `yaml:"rate_per_sec"`
	HTTPTimeout Duration `yaml:"http_timeout"`
}

// SignerConfig resolves the backend signing key. Exactly one source must
// yield a key.
type SignerConfig struct {
	Key                string `yaml:"key"`
	KeyEnv             string `yaml:"key_env"`
	KeyFile            string `yaml:"key_file"`
	KeystorePath       string `yaml:"keystore"`
	KeystorePassphrase string `yaml:"keystore_passphrase_env"`
}

// ParserConfig tunes the tip command surface forms.
type ParserConfig struct {
	Keyword       string `yaml:"keyword"`
	Sigil         string `yaml:"sigil"`
	Emoji         string `yaml:"emoji"`
	MinimumAmount string `yaml:"minimum_amount"`
}

// GrantConfig tunes issuance policy.
type GrantConfig struct {
	TTL           Duration `yaml:"ttl"`
	ClaimWindow   Duration `yaml:"claim_window"`
	DailyReward   string   `yaml:"daily_reward"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// APIConfig configures inbound request authentication.
type APIConfig struct {
	Keys          map[string]string `yaml:"keys"`
	TimestampSkew Duration          `yaml:"timestamp_skew"`
}

// Load reads configuration from the supplied path.
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
	if err := cfg.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("signer: %w", err)
	}
	if err := cfg.Directory.normalise(); err != nil {
		return cfg, fmt.Errorf("directory: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7110"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "bloomgate.db"
	}
	if cfg.Chain.CallTimeout.Duration == 0 {
		cfg.Chain.CallTimeout.Duration = 5 * time.Second
	}
	if cfg.Directory.CacheTTL.Duration == 0 {
		cfg.Directory.CacheTTL.Duration = 30 * time.Second
	}
	if cfg.Directory.RatePerSec <= 0 {
		cfg.Directory.RatePerSec = 10
	}
	if cfg.Directory.HTTPTimeout.Duration == 0 {
		cfg.Directory.HTTPTimeout.Duration = 10 * time.Second
	}
	if cfg.Grants.TTL.Duration == 0 {
		cfg.Grants.TTL.Duration = 15 * time.Minute
	}
	if cfg.Grants.ClaimWindow.Duration == 0 {
		cfg.Grants.ClaimWindow.Duration = 24 * time.Hour
	}
	if cfg.Grants.DailyReward == "" {
		cfg.Grants.DailyReward = "500"
	}
	if cfg.Grants.SweepInterval.Duration == 0 {
		cfg.Grants.SweepInterval.Duration = time.Hour
	}
	if cfg.API.TimestampSkew.Duration == 0 {
		cfg.API.TimestampSkew.Duration = 5 * time.Minute
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint must be configured")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	if !common.IsHexAddress(cfg.Chain.Verifier) {
		return fmt.Errorf("chain verifier must be a hex address")
	}
	if strings.TrimSpace(cfg.Directory.BaseURL) == "" {
		return fmt.Errorf("directory base_url must be configured")
	}
	if len(cfg.API.Keys) == 0 {
		return fmt.Errorf("at least one API key must be configured")
	}
	return nil
}

// VerifierAddress returns the parsed verifying contract address. Call after
// Load has validated the config.
func (c ChainConfig) VerifierAddress() common.Address {
	return common.HexToAddress(c.Verifier)
}

func (d *DirectoryConfig) normalise() error {
	if d == nil {
		return fmt.Errorf("directory configuration missing")
	}
	d.APIKey = strings.TrimSpace(d.APIKey)
	d.APIKeyEnv = strings.TrimSpace(d.APIKeyEnv)
	if d.APIKey == "" && d.APIKeyEnv != "" {
		d.APIKey = strings.TrimSpace(os.Getenv(d.APIKeyEnv))
	}
	return nil
}

func (s *SignerConfig) normalise() error {
	if s == nil {
		return fmt.Errorf("signer configuration missing")
	}
	s.Key = strings.TrimSpace(s.Key)
	s.KeyEnv = strings.TrimSpace(s.KeyEnv)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	s.KeystorePath = strings.TrimSpace(s.KeystorePath)
	if s.Key != "" {
		return nil
	}
	switch {
	case s.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(s.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", s.KeyEnv)
		}
		s.Key = value
	case s.KeyFile != "":
		contents, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		s.Key = strings.TrimSpace(string(contents))
	case s.KeystorePath != "":
		// Resolved by the caller with the keystore passphrase; a keystore
		// path alone is a valid configuration.
		return nil
	default:
		return fmt.Errorf("signer key is required")
	}
	return nil
}

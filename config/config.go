package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"refundledger/crypto"
)

// Config is the daemon configuration. Secrets never live here: the static
// RPC token and the JWT signing secret are read from RFD_RPC_TOKEN and
// RFD_RPC_JWT_SECRET at startup.
type Config struct {
	RPCAddress         string         `toml:"RPCAddress"`
	DataDir            string         `toml:"DataDir"`
	JournalPath        string         `toml:"JournalPath"`
	NetworkName        string         `toml:"NetworkName"`
	MutationsPerMinute int            `toml:"MutationsPerMinute"`
	TrustProxyHeaders  bool           `toml:"TrustProxyHeaders"`
	JWTIssuer          string         `toml:"JWTIssuer"`
	JWTAudience        string         `toml:"JWTAudience"`
	Genesis            []GenesisAlloc `toml:"genesis"`
}

// GenesisAlloc seeds one account when the data directory is empty. The
// balance is a base-10 integer in wei.
type GenesisAlloc struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Decode parses the allocation into raw address bytes and a balance.
func (a GenesisAlloc) Decode() ([20]byte, *big.Int, error) {
	var addr [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(a.Address))
	if err != nil {
		return addr, nil, fmt.Errorf("config: invalid genesis address %q: %w", a.Address, err)
	}
	copy(addr[:], decoded.Bytes())

	raw := strings.TrimSpace(a.Balance)
	if raw == "" {
		return addr, big.NewInt(0), nil
	}
	balance, ok := new(big.Int).SetString(raw, 10)
	if !ok || balance.Sign() < 0 {
		return addr, nil, fmt.Errorf("config: invalid genesis balance %q for %s", a.Balance, a.Address)
	}
	return addr, balance, nil
}

// JournalFile resolves the journal location, defaulting to the data
// directory.
func (c *Config) JournalFile() string {
	if strings.TrimSpace(c.JournalPath) != "" {
		return c.JournalPath
	}
	return filepath.Join(c.DataDir, "events.db")
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./refund-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "refund-local"
	}
	if cfg.MutationsPerMinute <= 0 {
		cfg.MutationsPerMinute = 60
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:         ":8080",
		DataDir:            "./refund-data",
		NetworkName:        "refund-local",
		MutationsPerMinute: 60,
		Genesis:            []GenesisAlloc{},
	}
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

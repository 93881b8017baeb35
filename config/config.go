package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"lendbook/crypto"
	"lendbook/native/lending"
)

const (
	DefaultPoolName  = "lending/pool"
	DefaultAdminName = "lending/admin"
)

// Config is the ledger genesis: where the store lives, the immutable ledger
// parameters and the seed state of the in-process bank and oracle.
type Config struct {
	DataDir  string    `toml:"DataDir"`
	PoolName string    `toml:"PoolName"`
	Ledger   Ledger    `toml:"Ledger"`
	Balances []Balance `toml:"Balances"`
	Prices   []Price   `toml:"Prices"`
}

// Ledger holds the values written once at instantiation.
type Ledger struct {
	Admin                string   `toml:"Admin"`
	Oracle               string   `toml:"Oracle"`
	LiquidationThreshold uint64   `toml:"LiquidationThreshold"`
	Tokens               []string `toml:"Tokens"`
}

// Balance seeds a settlement account. Amounts are decimal strings.
type Balance struct {
	Account string `toml:"Account"`
	Token   string `toml:"Token"`
	Amount  string `toml:"Amount"`
}

// Price seeds the static oracle.
type Price struct {
	Token string `toml:"Token"`
	Price string `toml:"Price"`
}

// SeedBalance is a decoded Balance.
type SeedBalance struct {
	Account crypto.Address
	Token   string
	Amount  *uint256.Int
}

// Load reads the genesis file at path, writing a default one first when it
// does not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode genesis %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("genesis %s: unknown key %s", path, undecoded[0])
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("genesis %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = "./lendbook-data"
	}
	cfg.PoolName = strings.TrimSpace(cfg.PoolName)
	if cfg.PoolName == "" {
		cfg.PoolName = DefaultPoolName
	}
	cfg.Ledger.Admin = strings.TrimSpace(cfg.Ledger.Admin)
	cfg.Ledger.Oracle = strings.TrimSpace(cfg.Ledger.Oracle)
	tokens := make([]string, 0, len(cfg.Ledger.Tokens))
	for _, token := range cfg.Ledger.Tokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	cfg.Ledger.Tokens = tokens
}

// Validate checks that every value decodes.
func (cfg *Config) Validate() error {
	if _, err := cfg.LendingConfig(); err != nil {
		return err
	}
	if _, err := cfg.SeedBalances(); err != nil {
		return err
	}
	if _, err := cfg.SeedPrices(); err != nil {
		return err
	}
	return nil
}

// LendingConfig returns the ledger parameters.
func (cfg *Config) LendingConfig() (lending.Config, error) {
	admin, err := crypto.DecodeAddress(cfg.Ledger.Admin)
	if err != nil {
		return lending.Config{}, fmt.Errorf("ledger admin: %w", err)
	}
	if cfg.Ledger.LiquidationThreshold == 0 {
		return lending.Config{}, fmt.Errorf("ledger liquidation threshold must be positive")
	}
	return lending.Config{
		Admin:                admin,
		Oracle:               cfg.Ledger.Oracle,
		LiquidationThreshold: cfg.Ledger.LiquidationThreshold,
	}, nil
}

// PoolAddress derives the escrow account from PoolName.
func (cfg *Config) PoolAddress() crypto.Address {
	return crypto.ModuleAddress(crypto.LendPrefix, cfg.PoolName)
}

// SeedBalances decodes the bank seed.
func (cfg *Config) SeedBalances() ([]SeedBalance, error) {
	out := make([]SeedBalance, 0, len(cfg.Balances))
	for i, b := range cfg.Balances {
		account, err := crypto.DecodeAddress(strings.TrimSpace(b.Account))
		if err != nil {
			return nil, fmt.Errorf("balances[%d] account: %w", i, err)
		}
		token := strings.TrimSpace(b.Token)
		if token == "" {
			return nil, fmt.Errorf("balances[%d] token required", i)
		}
		amount, err := uint256.FromDecimal(strings.TrimSpace(b.Amount))
		if err != nil {
			return nil, fmt.Errorf("balances[%d] amount: %w", i, err)
		}
		out = append(out, SeedBalance{Account: account, Token: token, Amount: amount})
	}
	return out, nil
}

// SeedPrices decodes the oracle seed.
func (cfg *Config) SeedPrices() (map[string]*uint256.Int, error) {
	out := make(map[string]*uint256.Int, len(cfg.Prices))
	for i, p := range cfg.Prices {
		token := strings.TrimSpace(p.Token)
		if token == "" {
			return nil, fmt.Errorf("prices[%d] token required", i)
		}
		price, err := uint256.FromDecimal(strings.TrimSpace(p.Price))
		if err != nil {
			return nil, fmt.Errorf("prices[%d] price: %w", i, err)
		}
		if price.BitLen() > 128 {
			return nil, fmt.Errorf("prices[%d] price exceeds 128 bits", i)
		}
		out[token] = price
	}
	return out, nil
}

// createDefault writes a local genesis administered by a derived module
// address.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  "./lendbook-data",
		PoolName: DefaultPoolName,
		Ledger: Ledger{
			Admin:                crypto.ModuleAddress(crypto.LendPrefix, DefaultAdminName).String(),
			Oracle:               "static",
			LiquidationThreshold: 150,
			Tokens:               []string{},
		},
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

package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config captures the runtime configuration for vaultd.
type Config struct {
	ListenAddress string   `toml:"ListenAddress"`
	DataDir       string   `toml:"DataDir"`
	DatabaseURL   string   `toml:"DatabaseURL"`
	TokenManifest string   `toml:"TokenManifest"`
	JWTSecretEnv  string   `toml:"JWTSecretEnv"`
	RatePerMinute int      `toml:"RatePerMinute"`
	RateBurst     int      `toml:"RateBurst"`
	Environment   string   `toml:"Environment"`
	OTLPEndpoint  string   `toml:"OTLPEndpoint"`
	OTLPHeaders   string   `toml:"OTLPHeaders"`
	Admins        []string `toml:"Admins"`
	Redeemers     []string `toml:"Redeemers"`
	FeedAdmins    []string `toml:"FeedAdmins"`
	Vault         Vault    `toml:"Vault"`
}

// Vault carries the engine parameters. Addresses are 0x-prefixed hex;
// amounts are 18-decimal integer strings.
type Vault struct {
	MToken            string `toml:"MToken"`
	MTokenFeed        string `toml:"MTokenFeed"`
	VaultAddress      string `toml:"VaultAddress"`
	TokensReceiver    string `toml:"TokensReceiver"`
	FeeReceiver       string `toml:"FeeReceiver"`
	InstantFeeBps     uint32 `toml:"InstantFeeBps"`
	VariationBps      uint32 `toml:"VariationBps"`
	MinMintAmount     string `toml:"MinMintAmount"`
	MinMintFirstTime  string `toml:"MinMintFirstTime"`
	MinRedeemAmount   string `toml:"MinRedeemAmount"`
	MinFiatRedeem     string `toml:"MinFiatRedeem"`
	FiatAdditionalBps uint32 `toml:"FiatAdditionalBps"`
	FiatFlatFee       string `toml:"FiatFlatFee"`
	DailyLimit        string `toml:"DailyLimit"`
	GreenlistEnabled  bool   `toml:"GreenlistEnabled"`
}

// Load reads and normalises the configuration at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Normalise(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalise fills defaults and validates the configuration.
func (c *Config) Normalise() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8545"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.JWTSecretEnv) == "" {
		c.JWTSecretEnv = "VAULTD_JWT_SECRET"
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 600
	}
	if c.RateBurst <= 0 {
		c.RateBurst = c.RatePerMinute / 10
		if c.RateBurst == 0 {
			c.RateBurst = 1
		}
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	for name, addr := range map[string]string{
		"Vault.MToken":         c.Vault.MToken,
		"Vault.VaultAddress":   c.Vault.VaultAddress,
		"Vault.TokensReceiver": c.Vault.TokensReceiver,
		"Vault.FeeReceiver":    c.Vault.FeeReceiver,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("config: %s: invalid address %q", name, addr)
		}
	}
	if strings.TrimSpace(c.Vault.MTokenFeed) == "" {
		return fmt.Errorf("config: Vault.MTokenFeed required")
	}
	for _, group := range [][]string{c.Admins, c.Redeemers, c.FeedAdmins} {
		for _, addr := range group {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("config: invalid operator address %q", addr)
			}
		}
	}
	return nil
}

// JWTSecret resolves the signing secret from the configured environment
// variable.
func (c *Config) JWTSecret() ([]byte, error) {
	secret := os.Getenv(c.JWTSecretEnv)
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("config: %s not set", c.JWTSecretEnv)
	}
	return []byte(secret), nil
}

// Address parses a 0x-prefixed hex address.
func Address(raw string) ([20]byte, error) {
	if !common.IsHexAddress(raw) {
		return [20]byte{}, fmt.Errorf("config: invalid address %q", raw)
	}
	return [20]byte(common.HexToAddress(raw)), nil
}

// Amount parses an 18-decimal integer string. Empty means zero.
func Amount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid amount %q", raw)
	}
	return value, nil
}

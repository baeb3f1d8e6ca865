package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
ListenAddress = ":9000"
DataDir = "/var/lib/vaultd"
TokenManifest = "tokens.yaml"

[Vault]
MToken = "0x0000000000000000000000000000000000000020"
MTokenFeed = "mtbill"
VaultAddress = "0x0000000000000000000000000000000000000005"
TokensReceiver = "0x0000000000000000000000000000000000000003"
FeeReceiver = "0x0000000000000000000000000000000000000004"
InstantFeeBps = 200
DailyLimit = "150000000000000000000"
`

const sampleManifest = `
tokens:
  - address: "0x0000000000000000000000000000000000000010"
    symbol: DAI
    decimals: 18
    feed: dai
  - address: "0x0000000000000000000000000000000000000011"
    symbol: USDC
    decimals: 6
    stable: true
feeds:
  - name: dai
    decimals: 8
    min_answer: "90000000"
    max_answer: "110000000"
    max_deviation_bps: 100
    healthy_diff: 72h
  - name: mtbill
    decimals: 8
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := Load(writeFile(t, "vaultd.toml", sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.RatePerMinute != 600 || cfg.RateBurst != 60 {
		t.Fatalf("rate defaults = %d/%d", cfg.RatePerMinute, cfg.RateBurst)
	}
	if cfg.JWTSecretEnv != "VAULTD_JWT_SECRET" {
		t.Fatalf("jwt env = %q", cfg.JWTSecretEnv)
	}
	if cfg.Vault.InstantFeeBps != 200 {
		t.Fatalf("fee = %d", cfg.Vault.InstantFeeBps)
	}
	limit, err := Amount(cfg.Vault.DailyLimit)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	if limit.String() != "150000000000000000000" {
		t.Fatalf("limit = %s", limit)
	}
	addr, err := Address(cfg.Vault.MToken)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	if addr[19] != 0x20 {
		t.Fatalf("address parsed wrong: %x", addr)
	}
}

func TestLoadConfigRejectsBadAddress(t *testing.T) {
	bad := `
[Vault]
MToken = "not-an-address"
MTokenFeed = "mtbill"
VaultAddress = "0x0000000000000000000000000000000000000005"
TokensReceiver = "0x0000000000000000000000000000000000000003"
FeeReceiver = "0x0000000000000000000000000000000000000004"
`
	if _, err := Load(writeFile(t, "vaultd.toml", bad)); err == nil {
		t.Fatalf("expected address validation error")
	}
}

func TestLoadManifest(t *testing.T) {
	manifest, err := LoadManifest(writeFile(t, "tokens.yaml", sampleManifest))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(manifest.Tokens) != 2 || len(manifest.Feeds) != 2 {
		t.Fatalf("unexpected sizes: %d tokens, %d feeds", len(manifest.Tokens), len(manifest.Feeds))
	}
	if manifest.Tokens[0].Feed != "dai" || manifest.Tokens[1].Decimals != 6 {
		t.Fatalf("unexpected tokens: %+v", manifest.Tokens)
	}
	if manifest.Feeds[0].HealthyDiff.Duration != 72*time.Hour {
		t.Fatalf("healthy diff = %v", manifest.Feeds[0].HealthyDiff.Duration)
	}
}

func TestLoadManifestRequiresFeedForUnstable(t *testing.T) {
	bad := `
tokens:
  - address: "0x0000000000000000000000000000000000000010"
    symbol: DAI
    decimals: 18
`
	if _, err := LoadManifest(writeFile(t, "tokens.yaml", bad)); err == nil {
		t.Fatalf("expected missing feed error")
	}
}

package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"refundledger/crypto"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != ":8080" {
		t.Fatalf("unexpected default rpc address %q", cfg.RPCAddress)
	}
	if cfg.NetworkName != "refund-local" {
		t.Fatalf("unexpected default network name %q", cfg.NetworkName)
	}
	if cfg.MutationsPerMinute != 60 {
		t.Fatalf("unexpected default mutation limit %d", cfg.MutationsPerMinute)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}
	if got := cfg.JournalFile(); got != filepath.Join(cfg.DataDir, "events.db") {
		t.Fatalf("unexpected journal default %q", got)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	funder := crypto.NewAddress(crypto.RefundPrefix, make([]byte, 20)).String()
	contents := fmt.Sprintf(`RPCAddress = ":9090"
DataDir = "/var/lib/refundd"
JournalPath = "/var/lib/refundd/journal.db"
NetworkName = "refund-test"
MutationsPerMinute = 10
TrustProxyHeaders = true
JWTIssuer = "refund-issuer"
JWTAudience = "refundd"

[[genesis]]
Address = %q
Balance = "1000000"
`, funder)

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RPCAddress != ":9090" || cfg.NetworkName != "refund-test" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.MutationsPerMinute != 10 {
		t.Fatalf("unexpected mutation limit: %d", cfg.MutationsPerMinute)
	}
	if !cfg.TrustProxyHeaders {
		t.Fatal("expected TrustProxyHeaders to be enabled")
	}
	if cfg.JWTIssuer != "refund-issuer" || cfg.JWTAudience != "refundd" {
		t.Fatalf("unexpected jwt settings: %+v", cfg)
	}
	if cfg.JournalFile() != "/var/lib/refundd/journal.db" {
		t.Fatalf("journal path not honoured: %q", cfg.JournalFile())
	}
	if len(cfg.Genesis) != 1 {
		t.Fatalf("expected one genesis alloc, got %d", len(cfg.Genesis))
	}
	addr, balance, err := cfg.Genesis[0].Decode()
	if err != nil {
		t.Fatalf("decode genesis: %v", err)
	}
	if addr != [20]byte{} {
		t.Fatalf("unexpected genesis address %x", addr)
	}
	if balance.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected genesis balance %s", balance)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("RPCAddress = \":8080\"\nBogusKey = true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown keys")
	}
}

func TestGenesisAllocValidation(t *testing.T) {
	valid := crypto.NewAddress(crypto.RefundPrefix, make([]byte, 20)).String()

	if _, _, err := (GenesisAlloc{Address: "bogus", Balance: "1"}).Decode(); err == nil {
		t.Fatalf("expected error for malformed address")
	}
	if _, _, err := (GenesisAlloc{Address: valid, Balance: "-5"}).Decode(); err == nil {
		t.Fatalf("expected error for negative balance")
	}
	if _, _, err := (GenesisAlloc{Address: valid, Balance: "12x"}).Decode(); err == nil {
		t.Fatalf("expected error for malformed balance")
	}
	_, balance, err := (GenesisAlloc{Address: valid}).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("empty balance must default to zero, got %s", balance)
	}
}

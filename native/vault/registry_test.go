package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"mvault/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(storage.NewKVStore(storage.NewMemDB()))
}

func TestRegistryTokenLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	tok := testAddr(0x10)
	if err := reg.AddPaymentToken(TokenConfig{Token: tok, FeedName: "dai", FeeBps: 50}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.AddPaymentToken(TokenConfig{Token: tok, FeedName: "dai"}); !errors.Is(err, ErrTokenAlreadyExists) {
		t.Fatalf("expected ErrTokenAlreadyExists, got %v", err)
	}
	cfg, ok, err := reg.Token(tok)
	if err != nil || !ok {
		t.Fatalf("token: ok=%t err=%v", ok, err)
	}
	if cfg.FeeBps != 50 || cfg.Allowance != nil {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	list, err := reg.Tokens()
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if len(list) != 1 || list[0].Token != tok {
		t.Fatalf("unexpected listing: %+v", list)
	}
	if err := reg.RemovePaymentToken(tok); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := reg.Token(tok); ok {
		t.Fatalf("removed token still resolves")
	}
	if err := reg.RemovePaymentToken(tok); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	// Re-registering a removed token is allowed.
	if err := reg.AddPaymentToken(TokenConfig{Token: tok, FeedName: "dai"}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	list, err = reg.Tokens()
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("index not deduplicated: %d entries", len(list))
	}
}

func TestRegistryRejectsZeroAllowance(t *testing.T) {
	reg := newTestRegistry(t)
	tok := testAddr(0x10)
	err := reg.AddPaymentToken(TokenConfig{Token: tok, Allowance: big.NewInt(0)})
	if !errors.Is(err, ErrZeroAllowance) {
		t.Fatalf("expected ErrZeroAllowance, got %v", err)
	}
	if err := reg.AddPaymentToken(TokenConfig{Token: tok}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.SetAllowance(tok, big.NewInt(0)); !errors.Is(err, ErrZeroAllowance) {
		t.Fatalf("expected ErrZeroAllowance, got %v", err)
	}
}

func TestRegistryConsumeAllowance(t *testing.T) {
	reg := newTestRegistry(t)
	tok := testAddr(0x10)
	if err := reg.AddPaymentToken(TokenConfig{Token: tok, Allowance: units(150, 18)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.ConsumeAllowance(tok, units(100, 18)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := reg.ConsumeAllowance(tok, units(100, 18)); !errors.Is(err, ErrExceedsAllowance) {
		t.Fatalf("expected ErrExceedsAllowance, got %v", err)
	}
	cfg, _, err := reg.Token(tok)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	checkAmount(t, cfg.Allowance, units(50, 18), "remaining")

	// Switching to unlimited stops the accounting.
	if err := reg.SetAllowance(tok, nil); err != nil {
		t.Fatalf("set unlimited: %v", err)
	}
	if err := reg.ConsumeAllowance(tok, units(1_000_000, 18)); err != nil {
		t.Fatalf("unlimited consume: %v", err)
	}
}

func TestRegistryDailyLimitRollsOverAtUTCMidnight(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.SetDailyLimit(big.NewInt(0)); !errors.Is(err, ErrZeroLimit) {
		t.Fatalf("expected ErrZeroLimit, got %v", err)
	}
	if err := reg.SetDailyLimit(units(150, 18)); err != nil {
		t.Fatalf("set: %v", err)
	}
	evening := time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)
	if err := reg.ConsumeDailyLimit(evening, units(100, 18)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := reg.ConsumeDailyLimit(evening, units(100, 18)); !errors.Is(err, ErrExceedsDailyLimit) {
		t.Fatalf("expected ErrExceedsDailyLimit, got %v", err)
	}
	pastMidnight := evening.Add(time.Hour)
	if err := reg.ConsumeDailyLimit(pastMidnight, units(100, 18)); err != nil {
		t.Fatalf("consume after rollover: %v", err)
	}
	limit, consumed, err := reg.DailyLimit(pastMidnight)
	if err != nil {
		t.Fatalf("daily limit: %v", err)
	}
	checkAmount(t, limit, units(150, 18), "limit")
	checkAmount(t, consumed, units(100, 18), "consumed")
}

func TestRegistryUnsetLimitIsUnlimited(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := reg.ConsumeDailyLimit(now, units(1_000_000, 18)); err != nil {
		t.Fatalf("consume without limit: %v", err)
	}
}

func TestRegistryWaiverToggleDetectsDrift(t *testing.T) {
	reg := newTestRegistry(t)
	addr := testAddr(0x02)
	if reg.IsFeeWaived(addr) {
		t.Fatalf("fresh account should not be waived")
	}
	if err := reg.SetWaivedFee(addr, true); err != nil {
		t.Fatalf("waive: %v", err)
	}
	if err := reg.SetWaivedFee(addr, true); !errors.Is(err, ErrWaivedFeeExists) {
		t.Fatalf("expected ErrWaivedFeeExists, got %v", err)
	}
	if !reg.IsFeeWaived(addr) {
		t.Fatalf("waiver not visible")
	}
	if err := reg.SetWaivedFee(addr, false); err != nil {
		t.Fatalf("unwaive: %v", err)
	}
	if err := reg.SetWaivedFee(addr, false); !errors.Is(err, ErrWaivedFeeNotFound) {
		t.Fatalf("expected ErrWaivedFeeNotFound, got %v", err)
	}
	// Flat-fee waivers are tracked independently.
	if err := reg.SetWaivedFlatFee(addr, true); err != nil {
		t.Fatalf("waive flat: %v", err)
	}
	if reg.IsFeeWaived(addr) {
		t.Fatalf("flat waiver must not imply percentage waiver")
	}
}

func TestRegistryMintedAccounting(t *testing.T) {
	reg := newTestRegistry(t)
	addr := testAddr(0x02)
	minted, err := reg.TotalMinted(addr)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if minted.Sign() != 0 {
		t.Fatalf("fresh account minted = %s", minted)
	}
	if err := reg.AddMinted(addr, units(20, 18)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.AddMinted(addr, units(5, 18)); err != nil {
		t.Fatalf("add: %v", err)
	}
	minted, err = reg.TotalMinted(addr)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	checkAmount(t, minted, units(25, 18), "total minted")
}

package vault

import (
	"math/big"
	"testing"
	"time"

	"mvault/native/access"
	"mvault/native/oracle"
	"mvault/native/pause"
	"mvault/native/token"
	"mvault/storage"
)

var (
	adminAddr    = testAddr(0x01)
	userAddr     = testAddr(0x02)
	tokensRecv   = testAddr(0x03)
	feeRecv      = testAddr(0x04)
	vaultAccount = testAddr(0x05)
	reserveAddr  = testAddr(0x06)
	providerAddr = testAddr(0x07)
	daiAddr      = testAddr(0x10)
	usdcAddr     = testAddr(0x11)
	mTokenAddr   = testAddr(0x20)
)

func testAddr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func units(n int64, decimals uint8) *big.Int {
	out := big.NewInt(n)
	return out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

type testEnv struct {
	engine  *Engine
	ledger  *token.Ledger
	access  *access.Registry
	pauses  *pause.Registry
	daiSrc  *oracle.ManualSource
	usdcSrc *oracle.ManualSource
	mSrc    *oracle.ManualSource
	now     time.Time
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
	env.daiSrc.Set(mustAnswer(env.daiSrc), env.now)
	env.usdcSrc.Set(mustAnswer(env.usdcSrc), env.now)
	env.mSrc.Set(mustAnswer(env.mSrc), env.now)
}

func mustAnswer(src *oracle.ManualSource) *big.Int {
	answer, _, err := src.LatestAnswer()
	if err != nil {
		panic(err)
	}
	return answer
}

// newTestEnv builds an engine with DAI (18 decimals, rate 1.00), USDC
// (6 decimals, rate 1.00) and an mToken feed at 5.00, no fees and no limits.
// The user holds 1000 DAI, 1000 USDC and 100 mToken, all approved to the
// vault account.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewKVStore(storage.NewMemDB())
	ledger := token.NewLedger(store)
	for _, reg := range []struct {
		addr     [20]byte
		symbol   string
		decimals uint8
	}{
		{daiAddr, "DAI", 18},
		{usdcAddr, "USDC", 6},
		{mTokenAddr, "MTBILL", 18},
	} {
		if err := ledger.RegisterToken(reg.addr, reg.symbol, reg.decimals); err != nil {
			t.Fatalf("register %s: %v", reg.symbol, err)
		}
	}
	acc := access.NewRegistry(store)
	if err := acc.Grant(access.RoleVaultAdmin, adminAddr); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	if err := acc.Grant(access.RoleRedeemer, adminAddr); err != nil {
		t.Fatalf("grant redeemer: %v", err)
	}
	pauses := pause.NewRegistry(store)

	engine, err := NewEngine(store, ledger, acc, acc, pauses, Params{
		MToken:         mTokenAddr,
		MTokenFeed:     "mtbill",
		VaultAddress:   vaultAccount,
		TokensReceiver: tokensRecv,
		FeeReceiver:    feeRecv,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env := &testEnv{
		engine: engine,
		ledger: ledger,
		access: acc,
		pauses: pauses,
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	engine.SetClock(func() time.Time { return env.now })

	env.daiSrc = oracle.NewManualSource(8)
	env.daiSrc.Set(big.NewInt(100_000_000), env.now)
	env.usdcSrc = oracle.NewManualSource(8)
	env.usdcSrc.Set(big.NewInt(100_000_000), env.now)
	env.mSrc = oracle.NewManualSource(8)
	env.mSrc.Set(big.NewInt(500_000_000), env.now)
	for name, src := range map[string]*oracle.ManualSource{
		"dai": env.daiSrc, "usdc": env.usdcSrc, "mtbill": env.mSrc,
	} {
		feed := oracle.NewFeed(src, nil, nil, 0)
		feed.SetClock(func() time.Time { return env.now })
		if err := engine.RegisterFeed(name, feed); err != nil {
			t.Fatalf("register feed %s: %v", name, err)
		}
	}
	if err := engine.AddPaymentToken(adminAddr, TokenConfig{Token: daiAddr, FeedName: "dai"}); err != nil {
		t.Fatalf("add dai: %v", err)
	}
	if err := engine.AddPaymentToken(adminAddr, TokenConfig{Token: usdcAddr, FeedName: "usdc"}); err != nil {
		t.Fatalf("add usdc: %v", err)
	}

	if err := ledger.Mint(daiAddr, userAddr, units(1000, 18)); err != nil {
		t.Fatalf("fund dai: %v", err)
	}
	if err := ledger.Mint(usdcAddr, userAddr, units(1000, 6)); err != nil {
		t.Fatalf("fund usdc: %v", err)
	}
	if err := ledger.Mint(mTokenAddr, userAddr, units(100, 18)); err != nil {
		t.Fatalf("fund mtoken: %v", err)
	}
	for _, tok := range [][20]byte{daiAddr, usdcAddr, mTokenAddr} {
		if err := ledger.Approve(tok, userAddr, vaultAccount, units(1_000_000, 18)); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	return env
}

func (env *testEnv) balance(t *testing.T, tok, account [20]byte) *big.Int {
	t.Helper()
	balance, err := env.ledger.BalanceOf(tok, account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func tokenAllowance(t *testing.T, env *testEnv, tok [20]byte) *big.Int {
	t.Helper()
	cfg, ok, err := env.engine.Token(tok)
	if err != nil || !ok {
		t.Fatalf("token config: ok=%t err=%v", ok, err)
	}
	return cfg.Allowance
}

func dailyConsumed(t *testing.T, env *testEnv) *big.Int {
	t.Helper()
	_, consumed, err := env.engine.DailyLimit()
	if err != nil {
		t.Fatalf("daily limit: %v", err)
	}
	return consumed
}

func checkAmount(t *testing.T, got, want *big.Int, label string) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s = %s, want %s", label, got, want)
	}
}

package vault

import (
	"errors"
	"math/big"
	"testing"

	"mvault/native/access"
)

func fundVault(t *testing.T, env *testEnv, tok [20]byte, amount *big.Int) {
	t.Helper()
	if err := env.ledger.Mint(tok, vaultAccount, amount); err != nil {
		t.Fatalf("fund vault: %v", err)
	}
}

func mTokenSupply(t *testing.T, env *testEnv) *big.Int {
	t.Helper()
	meta, ok, err := env.ledger.Metadata(mTokenAddr)
	if err != nil || !ok {
		t.Fatalf("metadata: ok=%t err=%v", ok, err)
	}
	return meta.TotalSupply
}

func TestRedeemInstantBurnsAndPays(t *testing.T) {
	env := newTestEnv(t)
	fundVault(t, env, daiAddr, units(1000, 18))

	res, err := env.engine.RedeemInstant(userAddr, daiAddr, units(20, 18), nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	checkAmount(t, res.AmountTokenOut, units(100, 18), "amount out")
	checkAmount(t, res.FeeMToken, big.NewInt(0), "fee")
	checkAmount(t, res.USDAmount, units(100, 18), "usd")
	checkAmount(t, env.balance(t, daiAddr, userAddr), units(1100, 18), "user dai")
	checkAmount(t, env.balance(t, mTokenAddr, userAddr), units(80, 18), "user mtoken")
	checkAmount(t, mTokenSupply(t, env), units(80, 18), "supply after burn")
}

func TestRedeemInstantChargesInstantFee(t *testing.T) {
	env := newTestEnv(t)
	fundVault(t, env, daiAddr, units(1000, 18))
	if err := env.engine.SetInstantFeeBps(adminAddr, 200); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	res, err := env.engine.RedeemInstant(userAddr, daiAddr, units(20, 18), nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	checkAmount(t, res.FeeMToken, units(4, 17), "fee")
	checkAmount(t, res.AmountTokenOut, units(98, 18), "amount out")
	checkAmount(t, env.balance(t, mTokenAddr, feeRecv), units(4, 17), "fee receiver")
}

func TestRedeemInstantTruncatesToNativePrecision(t *testing.T) {
	env := newTestEnv(t)
	fundVault(t, env, usdcAddr, units(1000, 6))
	env.usdcSrc.Set(big.NewInt(300_000_000), env.now)

	res, err := env.engine.RedeemInstant(userAddr, usdcAddr, units(20, 18), nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	// 100 USD at 3.00 is 33.333... USDC; the payout is cut at 6 decimals.
	checkAmount(t, res.AmountTokenOut, units(33_333_333, 12), "amount out")
	checkAmount(t, env.balance(t, usdcAddr, userAddr), new(big.Int).Add(units(1000, 6), big.NewInt(33_333_333)), "user usdc")
}

func TestRedeemInstantMinimumAndSlippage(t *testing.T) {
	env := newTestEnv(t)
	fundVault(t, env, daiAddr, units(1000, 18))
	if err := env.engine.SetRedeemMinimums(adminAddr, units(25, 18), nil); err != nil {
		t.Fatalf("set minimums: %v", err)
	}
	if _, err := env.engine.RedeemInstant(userAddr, daiAddr, units(20, 18), nil); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	if _, err := env.engine.RedeemInstant(userAddr, daiAddr, units(30, 18), units(151, 18)); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	if _, err := env.engine.RedeemInstant(userAddr, daiAddr, units(30, 18), units(150, 18)); err != nil {
		t.Fatalf("exact minimum should pass: %v", err)
	}
}

func TestRedeemReserveRouteCoversShortfall(t *testing.T) {
	env := newTestEnv(t)
	fundVault(t, env, daiAddr, units(40, 18))
	if err := env.ledger.Mint(daiAddr, reserveAddr, units(100, 18)); err != nil {
		t.Fatalf("fund reserve: %v", err)
	}
	if err := env.ledger.Approve(daiAddr, reserveAddr, vaultAccount, units(1000, 18)); err != nil {
		t.Fatalf("approve reserve: %v", err)
	}
	if err := env.engine.SetRedeemRoute(adminAddr, RedeemRoute{Kind: RouteReserve, Reserve: reserveAddr}); err != nil {
		t.Fatalf("set route: %v", err)
	}

	if _, err := env.engine.RedeemInstant(userAddr, daiAddr, units(20, 18), nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	checkAmount(t, env.balance(t, daiAddr, userAddr), units(1100, 18), "user dai")
	checkAmount(t, env.balance(t, daiAddr, vaultAccount), big.NewInt(0), "vault drained")
	checkAmount(t, env.balance(t, daiAddr, reserveAddr), units(40, 18), "reserve remainder")

	// The next redemption needs 100 but only 40 remains in the reserve.
	_, err := env.engine.RedeemInstant(userAddr, daiAddr, units(20, 18), nil)
	if !errors.Is(err, ErrReserveRedemptionExceedsBalance) {
		t.Fatalf("expected ErrReserveRedemptionExceedsBalance, got %v", err)
	}
}

func TestRedeemSwapRouteHandsMTokenToProvider(t *testing.T) {
	env := newTestEnv(t)
	if err := env.ledger.Mint(daiAddr, providerAddr, units(500, 18)); err != nil {
		t.Fatalf("fund provider: %v", err)
	}
	if err := env.ledger.Approve(daiAddr, providerAddr, vaultAccount, units(1000, 18)); err != nil {
		t.Fatalf("approve provider: %v", err)
	}
	if err := env.engine.SetRedeemRoute(adminAddr, RedeemRoute{Kind: RouteSwap, Provider: providerAddr}); err != nil {
		t.Fatalf("set route: %v", err)
	}

	if _, err := env.engine.RedeemInstant(userAddr, daiAddr, units(20, 18), nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	checkAmount(t, env.balance(t, daiAddr, userAddr), units(1100, 18), "user dai")
	// The redeemed mToken moves to the provider instead of being burnt.
	checkAmount(t, env.balance(t, mTokenAddr, providerAddr), units(20, 18), "provider mtoken")
	checkAmount(t, mTokenSupply(t, env), units(100, 18), "supply unchanged")
}

func TestRedeemRequestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	fundVault(t, env, daiAddr, units(1000, 18))

	id, err := env.engine.RedeemRequest(userAddr, daiAddr, units(20, 18))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	checkAmount(t, env.balance(t, mTokenAddr, vaultAccount), units(20, 18), "escrow")

	req, err := env.engine.GetRedeemRequest(id)
	if err != nil {
		t.Fatalf("load request: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("status = %v, want pending", req.Status)
	}
	checkAmount(t, req.MTokenRate, units(5, 18), "mtoken rate snapshot")
	checkAmount(t, req.TokenOutRate, units(1, 18), "token rate snapshot")

	if err := env.engine.ApproveRedeemRequest(adminAddr, id, units(1, 18)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	checkAmount(t, env.balance(t, daiAddr, userAddr), units(1100, 18), "user dai")
	checkAmount(t, env.balance(t, mTokenAddr, vaultAccount), big.NewInt(0), "escrow burnt")
	checkAmount(t, mTokenSupply(t, env), units(80, 18), "supply after burn")

	if err := env.engine.ApproveRedeemRequest(adminAddr, id, units(1, 18)); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("expected ErrRequestNotPending, got %v", err)
	}
}

func TestSafeApproveRedeemRequestDeviation(t *testing.T) {
	env := newTestEnv(t)
	fundVault(t, env, daiAddr, units(1000, 18))
	if err := env.engine.SetVariationBps(adminAddr, 100); err != nil {
		t.Fatalf("set variation: %v", err)
	}
	first, err := env.engine.RedeemRequest(userAddr, daiAddr, units(20, 18))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	second, err := env.engine.RedeemRequest(userAddr, daiAddr, units(20, 18))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// The snapshot reads 1.00; 1.01 sits exactly on the 1% boundary.
	if err := env.engine.SafeApproveRedeemRequest(adminAddr, first, units(101, 16)); err != nil {
		t.Fatalf("boundary approve: %v", err)
	}
	err = env.engine.SafeApproveRedeemRequest(adminAddr, second, units(102, 16))
	if !errors.Is(err, ErrPriceDeviationExceeded) {
		t.Fatalf("expected ErrPriceDeviationExceeded, got %v", err)
	}
}

func TestRejectRedeemRequestReturnsEscrow(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.RedeemRequest(userAddr, daiAddr, units(20, 18))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	checkAmount(t, env.balance(t, mTokenAddr, userAddr), units(80, 18), "after escrow")
	if err := env.engine.RejectRedeemRequest(adminAddr, id); err != nil {
		t.Fatalf("reject: %v", err)
	}
	checkAmount(t, env.balance(t, mTokenAddr, userAddr), units(100, 18), "escrow returned")
	checkAmount(t, mTokenSupply(t, env), units(100, 18), "supply unchanged")
}

func TestRedeemFiatRequest(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.SetFiatFees(adminAddr, 100, units(1, 17)); err != nil {
		t.Fatalf("set fiat fees: %v", err)
	}
	id, err := env.engine.RedeemFiatRequest(userAddr, units(20, 18))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// 1% of 20 plus the 0.1 flat fee.
	checkAmount(t, env.balance(t, mTokenAddr, feeRecv), units(3, 17), "fee")
	checkAmount(t, env.balance(t, mTokenAddr, vaultAccount), units(197, 17), "escrow")

	req, err := env.engine.GetRedeemRequest(id)
	if err != nil {
		t.Fatalf("load request: %v", err)
	}
	if !req.Fiat || req.TokenOut != FiatToken {
		t.Fatalf("request not marked fiat: %+v", req)
	}

	if err := env.engine.ApproveRedeemRequest(adminAddr, id, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	checkAmount(t, env.balance(t, mTokenAddr, vaultAccount), big.NewInt(0), "escrow burnt")
	checkAmount(t, mTokenSupply(t, env), units(803, 17), "supply after burn")
}

func TestRedeemFiatFlatFeeWaiver(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.SetFiatFees(adminAddr, 100, units(1, 17)); err != nil {
		t.Fatalf("set fiat fees: %v", err)
	}
	if err := env.engine.SetWaivedFlatFee(adminAddr, userAddr, true); err != nil {
		t.Fatalf("waive flat: %v", err)
	}
	if _, err := env.engine.RedeemFiatRequest(userAddr, units(20, 18)); err != nil {
		t.Fatalf("request: %v", err)
	}
	// Only the percentage component remains.
	checkAmount(t, env.balance(t, mTokenAddr, feeRecv), units(2, 17), "fee")
}

func TestRedeemFiatRequiresRedeemerRole(t *testing.T) {
	env := newTestEnv(t)
	plainAdmin := testAddr(0x08)
	if err := env.access.Grant(access.RoleVaultAdmin, plainAdmin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	id, err := env.engine.RedeemFiatRequest(userAddr, units(20, 18))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.ApproveRedeemRequest(plainAdmin, id, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRedeemInstantInsufficientBalanceLeavesStateIntact(t *testing.T) {
	env := newTestEnv(t)
	fundVault(t, env, daiAddr, units(1000, 18))
	if err := env.engine.SetTokenAllowance(adminAddr, daiAddr, units(10_000, 18)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	if err := env.engine.SetDailyLimit(adminAddr, units(10_000, 18)); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	// The user holds 100 mToken; 150 would pay out 750 DAI.
	_, err := env.engine.RedeemInstant(userAddr, daiAddr, units(150, 18), nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	checkAmount(t, env.balance(t, daiAddr, userAddr), units(1000, 18), "user dai")
	checkAmount(t, env.balance(t, daiAddr, vaultAccount), units(1000, 18), "vault dai")
	checkAmount(t, env.balance(t, mTokenAddr, userAddr), units(100, 18), "user mtoken")
	checkAmount(t, mTokenSupply(t, env), units(100, 18), "supply")
	checkAmount(t, tokenAllowance(t, env, daiAddr), units(10_000, 18), "token allowance")
	checkAmount(t, dailyConsumed(t, env), big.NewInt(0), "daily consumed")
}

func TestRedeemInstantNoRouteWhenVaultShort(t *testing.T) {
	env := newTestEnv(t)
	fundVault(t, env, daiAddr, units(40, 18))

	// 20 mToken is worth 100 DAI; the vault only holds 40 and no route is set.
	_, err := env.engine.RedeemInstant(userAddr, daiAddr, units(20, 18), nil)
	if !errors.Is(err, ErrNoRedeemRoute) {
		t.Fatalf("expected ErrNoRedeemRoute, got %v", err)
	}
	checkAmount(t, env.balance(t, daiAddr, userAddr), units(1000, 18), "user dai")
	checkAmount(t, env.balance(t, daiAddr, vaultAccount), units(40, 18), "vault dai")
	checkAmount(t, env.balance(t, mTokenAddr, userAddr), units(100, 18), "user mtoken")
}

func TestRedeemSwapRouteRequiresProviderApproval(t *testing.T) {
	env := newTestEnv(t)
	if err := env.ledger.Mint(daiAddr, providerAddr, units(500, 18)); err != nil {
		t.Fatalf("fund provider: %v", err)
	}
	if err := env.engine.SetRedeemRoute(adminAddr, RedeemRoute{Kind: RouteSwap, Provider: providerAddr}); err != nil {
		t.Fatalf("set route: %v", err)
	}

	// The provider holds the funds but never approved the vault to move them.
	_, err := env.engine.RedeemInstant(userAddr, daiAddr, units(20, 18), nil)
	if !errors.Is(err, ErrRouteUnderfunded) {
		t.Fatalf("expected ErrRouteUnderfunded, got %v", err)
	}
	checkAmount(t, env.balance(t, daiAddr, userAddr), units(1000, 18), "user dai")
	checkAmount(t, env.balance(t, mTokenAddr, userAddr), units(100, 18), "user mtoken")
	checkAmount(t, env.balance(t, daiAddr, providerAddr), units(500, 18), "provider dai")
}

func TestApproveRedeemUnderfundedVaultKeepsRequestPending(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.SetTokenAllowance(adminAddr, daiAddr, units(10_000, 18)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	id, err := env.engine.RedeemRequest(userAddr, daiAddr, units(20, 18))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// The vault holds no DAI yet, so the approval cannot pay out.
	err = env.engine.ApproveRedeemRequest(adminAddr, id, units(1, 18))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	req, err := env.engine.GetRedeemRequest(id)
	if err != nil {
		t.Fatalf("load request: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("status = %v, want pending", req.Status)
	}
	checkAmount(t, env.balance(t, mTokenAddr, vaultAccount), units(20, 18), "escrow intact")
	checkAmount(t, mTokenSupply(t, env), units(100, 18), "supply unchanged")
	checkAmount(t, tokenAllowance(t, env, daiAddr), units(10_000, 18), "token allowance")

	// Funding the vault lets the same approval go through.
	fundVault(t, env, daiAddr, units(1000, 18))
	if err := env.engine.ApproveRedeemRequest(adminAddr, id, units(1, 18)); err != nil {
		t.Fatalf("approve after funding: %v", err)
	}
	checkAmount(t, env.balance(t, daiAddr, userAddr), units(1100, 18), "user dai")
	checkAmount(t, env.balance(t, mTokenAddr, vaultAccount), big.NewInt(0), "escrow burnt")
}

func TestRedeemFiatMinimum(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.SetRedeemMinimums(adminAddr, nil, units(30, 18)); err != nil {
		t.Fatalf("set minimums: %v", err)
	}
	if _, err := env.engine.RedeemFiatRequest(userAddr, units(20, 18)); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
}

package vault

import (
	"fmt"
	"math/big"
	"time"

	"mvault/native/access"
)

// RedeemInstant burns mToken and pays out a registered payment token at the
// current oracle rates. amountMToken and minReceive are 18-decimal; the
// payout is truncated to the token's native precision, dust staying with the
// vault.
func (e *Engine) RedeemInstant(caller [20]byte, tokenOut [20]byte, amountMToken, minReceive *big.Int) (*RedeemResult, error) {
	if e == nil {
		return nil, fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkEntry(SelectorRedeemInstant, caller); err != nil {
		return nil, err
	}
	cfg, decimals, err := e.requirePaymentToken(tokenOut)
	if err != nil {
		return nil, err
	}
	if amountMToken == nil || amountMToken.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.checkRedeemMinimum(caller, amountMToken, e.params.MinRedeemAmount); err != nil {
		return nil, err
	}
	feeBps, err := e.feePercent(caller, cfg, true, nil)
	if err != nil {
		return nil, err
	}
	fee, net, err := ApplyFee(amountMToken, feeBps)
	if err != nil {
		return nil, err
	}
	if net.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	mRate, err := e.mTokenRate()
	if err != nil {
		return nil, err
	}
	rate, err := e.tokenRate(cfg)
	if err != nil {
		return nil, err
	}
	usd, err := ToUSD(net, mRate)
	if err != nil {
		return nil, err
	}
	amountOut, err := FromUSD(usd, rate)
	if err != nil {
		return nil, err
	}
	amountOut, err = Truncate(amountOut, decimals)
	if err != nil {
		return nil, err
	}
	if amountOut.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if minReceive != nil && amountOut.Cmp(minReceive) < 0 {
		return nil, ErrSlippageExceeded
	}
	// Resolve the funding source and prove every leg before the first write.
	// A caller short of mToken or an underfunded route must fail here, with
	// balances, allowances and the daily limit untouched.
	plan, err := e.planPayout(tokenOut, amountOut, decimals)
	if err != nil {
		return nil, err
	}
	if err := e.requireBalance(e.params.MToken, caller, amountMToken); err != nil {
		return nil, err
	}
	if err := e.registry.ConsumeAllowance(tokenOut, amountOut); err != nil {
		return nil, err
	}
	now := e.clock()
	if err := e.registry.ConsumeDailyLimit(now, usd); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := e.ledger.Transfer(e.params.MToken, caller, e.params.FeeReceiver, fee); err != nil {
			return nil, err
		}
	}
	if err := e.executePayout(caller, tokenOut, net, plan); err != nil {
		return nil, err
	}
	e.emitter.Emit(newEvent(EventRedeemInstant, now).
		withAddr("sender", caller).
		withAddr("token_out", tokenOut).
		withAmount("amount_mtoken", amountMToken).
		withAmount("usd", usd).
		withAmount("fee", fee).
		withAmount("amount_out", amountOut).
		withAmount("rate", rate).
		withAmount("mtoken_rate", mRate))
	return &RedeemResult{AmountTokenOut: amountOut, FeeMToken: fee, USDAmount: usd, Rate: rate}, nil
}

// RedeemRequest takes the fee, escrows the remaining mToken with the vault
// and records a pending redemption. Both rates are snapshotted at submission;
// the payout is priced when an operator approves.
func (e *Engine) RedeemRequest(caller [20]byte, tokenOut [20]byte, amountMToken *big.Int) (uint64, error) {
	if e == nil {
		return 0, fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkEntry(SelectorRedeemRequest, caller); err != nil {
		return 0, err
	}
	cfg, _, err := e.requirePaymentToken(tokenOut)
	if err != nil {
		return 0, err
	}
	if amountMToken == nil || amountMToken.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := e.checkRedeemMinimum(caller, amountMToken, e.params.MinRedeemAmount); err != nil {
		return 0, err
	}
	feeBps, err := e.feePercent(caller, cfg, false, nil)
	if err != nil {
		return 0, err
	}
	fee, net, err := ApplyFee(amountMToken, feeBps)
	if err != nil {
		return 0, err
	}
	if net.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	mRate, err := e.mTokenRate()
	if err != nil {
		return 0, err
	}
	rate, err := e.tokenRate(cfg)
	if err != nil {
		return 0, err
	}
	now := e.clock()
	id, err := e.escrowRedeem(caller, tokenOut, fee, net, mRate, rate, false, now)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RedeemFiatRequest escrows mToken for an off-chain fiat payout. The fiat
// percentage fee and the flat fee apply, each with its own waiver.
func (e *Engine) RedeemFiatRequest(caller [20]byte, amountMToken *big.Int) (uint64, error) {
	if e == nil {
		return 0, fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkEntry(SelectorRedeemFiat, caller); err != nil {
		return 0, err
	}
	if amountMToken == nil || amountMToken.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := e.checkRedeemMinimum(caller, amountMToken, e.params.MinFiatRedeem); err != nil {
		return 0, err
	}
	var pctBps uint32
	if !e.registry.IsFeeWaived(caller) {
		pctBps = e.params.FiatAdditionalBps
	}
	fee, _, err := ApplyFee(amountMToken, pctBps)
	if err != nil {
		return 0, err
	}
	if !e.registry.IsFlatFeeWaived(caller) {
		fee = new(big.Int).Add(fee, e.params.FiatFlatFee)
	}
	net := new(big.Int).Sub(amountMToken, fee)
	if net.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	mRate, err := e.mTokenRate()
	if err != nil {
		return 0, err
	}
	now := e.clock()
	id, err := e.escrowRedeem(caller, FiatToken, fee, net, mRate, new(big.Int).Set(oneE18), true, now)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ApproveRedeemRequest settles a pending redemption at the supplied payout
// token rate. Fiat requests take no rate and require the redeemer role; the
// payout itself happens off-band.
func (e *Engine) ApproveRedeemRequest(caller [20]byte, id uint64, newRate *big.Int) error {
	return e.approveRedeem(caller, id, newRate, false)
}

// SafeApproveRedeemRequest behaves like ApproveRedeemRequest but rejects
// rates deviating from the submission snapshot beyond the variation
// tolerance.
func (e *Engine) SafeApproveRedeemRequest(caller [20]byte, id uint64, newRate *big.Int) error {
	return e.approveRedeem(caller, id, newRate, true)
}

func (e *Engine) approveRedeem(caller [20]byte, id uint64, newRate *big.Int, safe bool) error {
	if e == nil {
		return fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauses.IsFunctionPaused(SelectorApproveRequests) {
		return ErrPaused
	}
	req, err := e.requests.Redeem(id)
	if err != nil {
		return err
	}
	if req.Fiat {
		if !e.auth.HasRole(access.RoleRedeemer, caller) {
			return ErrUnauthorized
		}
	} else if !e.auth.HasRole(access.RoleVaultAdmin, caller) {
		return ErrUnauthorized
	}
	if req.Status != StatusPending {
		return ErrRequestNotPending
	}
	now := e.clock()
	if req.Fiat {
		if err := e.ledger.Burn(e.params.MToken, e.params.VaultAddress, req.AmountMToken); err != nil {
			return err
		}
		req.Status = StatusApproved
		req.DecidedAt = now
		if err := e.requests.UpdateRedeem(req); err != nil {
			return err
		}
		e.emitter.Emit(newEvent(EventRedeemApproved, now).
			with("id", fmt.Sprintf("%d", id)).
			withAddr("sender", req.Sender).
			with("fiat", "true").
			withAmount("amount_mtoken", req.AmountMToken))
		return nil
	}
	if newRate == nil || newRate.Sign() <= 0 {
		return ErrRateZero
	}
	if safe && !withinDeviation(req.TokenOutRate, newRate, e.params.VariationBps) {
		return ErrPriceDeviationExceeded
	}
	decimals, err := e.ledger.Decimals(req.TokenOut)
	if err != nil {
		return err
	}
	usd, err := ToUSD(req.AmountMToken, req.MTokenRate)
	if err != nil {
		return err
	}
	amountOut, err := FromUSD(usd, newRate)
	if err != nil {
		return err
	}
	amountOut, err = Truncate(amountOut, decimals)
	if err != nil {
		return err
	}
	if amountOut.Sign() <= 0 {
		return ErrInvalidAmount
	}
	amountOutNative, err := RescaleDown(amountOut, decimals)
	if err != nil {
		return err
	}
	// The payout is the leg that can be short. Prove it before the escrow is
	// burned: a failed approval must leave the request pending and the escrow,
	// which also backs other pending requests, intact.
	if err := e.requireBalance(req.TokenOut, e.params.VaultAddress, amountOutNative); err != nil {
		return err
	}
	if err := e.registry.ConsumeAllowance(req.TokenOut, amountOut); err != nil {
		return err
	}
	if err := e.ledger.Burn(e.params.MToken, e.params.VaultAddress, req.AmountMToken); err != nil {
		return err
	}
	if err := e.ledger.Transfer(req.TokenOut, e.params.VaultAddress, req.Sender, amountOutNative); err != nil {
		return err
	}
	req.Status = StatusApproved
	req.TokenOutRate = new(big.Int).Set(newRate)
	req.DecidedAt = now
	if err := e.requests.UpdateRedeem(req); err != nil {
		return err
	}
	e.emitter.Emit(newEvent(EventRedeemApproved, now).
		with("id", fmt.Sprintf("%d", id)).
		withAddr("sender", req.Sender).
		withAmount("amount_out", amountOut).
		withAmount("rate", newRate))
	return nil
}

// RejectRedeemRequest marks a pending redemption rejected and returns the
// escrowed mToken to the sender. The fee taken at submission is not refunded.
func (e *Engine) RejectRedeemRequest(caller [20]byte, id uint64) error {
	if e == nil {
		return fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauses.IsFunctionPaused(SelectorApproveRequests) {
		return ErrPaused
	}
	req, err := e.requests.Redeem(id)
	if err != nil {
		return err
	}
	if req.Fiat {
		if !e.auth.HasRole(access.RoleRedeemer, caller) && !e.auth.HasRole(access.RoleVaultAdmin, caller) {
			return ErrUnauthorized
		}
	} else if !e.auth.HasRole(access.RoleVaultAdmin, caller) {
		return ErrUnauthorized
	}
	if req.Status != StatusPending {
		return ErrRequestNotPending
	}
	if err := e.ledger.Transfer(e.params.MToken, e.params.VaultAddress, req.Sender, req.AmountMToken); err != nil {
		return err
	}
	now := e.clock()
	req.Status = StatusRejected
	req.DecidedAt = now
	if err := e.requests.UpdateRedeem(req); err != nil {
		return err
	}
	e.emitter.Emit(newEvent(EventRedeemRejected, now).
		with("id", fmt.Sprintf("%d", id)).
		withAddr("sender", req.Sender).
		withAmount("amount_mtoken", req.AmountMToken))
	return nil
}

func (e *Engine) checkRedeemMinimum(caller [20]byte, amount, floor *big.Int) error {
	if e.registry.IsFreeFromMin(caller) {
		return nil
	}
	if amount.Cmp(floor) < 0 {
		return ErrBelowMinimum
	}
	return nil
}

func (e *Engine) escrowRedeem(caller [20]byte, tokenOut [20]byte, fee, net, mRate, rate *big.Int, fiat bool, now time.Time) (uint64, error) {
	if err := e.requireBalance(e.params.MToken, caller, new(big.Int).Add(fee, net)); err != nil {
		return 0, err
	}
	if fee.Sign() > 0 {
		if err := e.ledger.Transfer(e.params.MToken, caller, e.params.FeeReceiver, fee); err != nil {
			return 0, err
		}
	}
	if err := e.ledger.Transfer(e.params.MToken, caller, e.params.VaultAddress, net); err != nil {
		return 0, err
	}
	req := &RedeemRequest{
		Sender:       caller,
		TokenOut:     tokenOut,
		AmountMToken: new(big.Int).Set(net),
		MTokenRate:   new(big.Int).Set(mRate),
		TokenOutRate: new(big.Int).Set(rate),
		Fiat:         fiat,
		SubmittedAt:  now,
	}
	id, err := e.requests.CreateRedeem(req)
	if err != nil {
		return 0, err
	}
	e.emitter.Emit(newEvent(EventRedeemRequest, now).
		with("id", fmt.Sprintf("%d", id)).
		withAddr("sender", caller).
		withAddr("token_out", tokenOut).
		with("fiat", fmt.Sprintf("%t", fiat)).
		withAmount("escrowed", net).
		withAmount("fee", fee))
	return id, nil
}

// payoutPlan pins how an instant redemption is funded. Plans are computed and
// executed under the same engine lock, so the balances they rest on cannot
// move in between.
type payoutPlan struct {
	amountOutNative *big.Int
	fromVault       *big.Int
	fromReserve     *big.Int
	viaProvider     bool
}

// planPayout resolves the funding source for amountOut of tokenOut without
// touching state. The vault's own inventory pays when it covers the amount;
// otherwise the configured route must prove it can fund the remainder.
func (e *Engine) planPayout(tokenOut [20]byte, amountOut *big.Int, decimals uint8) (*payoutPlan, error) {
	amountOutNative, err := RescaleDown(amountOut, decimals)
	if err != nil {
		return nil, err
	}
	vaultBalance, err := e.ledger.BalanceOf(tokenOut, e.params.VaultAddress)
	if err != nil {
		return nil, err
	}
	if vaultBalance.Cmp(amountOutNative) >= 0 {
		return &payoutPlan{amountOutNative: amountOutNative, fromVault: amountOutNative}, nil
	}
	switch e.route.Kind {
	case RouteReserve:
		shortfall := new(big.Int).Sub(amountOutNative, vaultBalance)
		ok, err := e.routeCanFund(tokenOut, e.route.Reserve, shortfall)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrReserveRedemptionExceedsBalance
		}
		return &payoutPlan{amountOutNative: amountOutNative, fromVault: vaultBalance, fromReserve: shortfall}, nil
	case RouteSwap:
		ok, err := e.routeCanFund(tokenOut, e.route.Provider, amountOutNative)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrRouteUnderfunded
		}
		return &payoutPlan{amountOutNative: amountOutNative, viaProvider: true}, nil
	default:
		return nil, ErrNoRedeemRoute
	}
}

// routeCanFund reports whether the source holds amount of tokenOut and has
// approved the vault to move it.
func (e *Engine) routeCanFund(tokenOut [20]byte, source [20]byte, amount *big.Int) (bool, error) {
	balance, err := e.ledger.BalanceOf(tokenOut, source)
	if err != nil {
		return false, err
	}
	if balance.Cmp(amount) < 0 {
		return false, nil
	}
	allowance, err := e.ledger.Allowance(tokenOut, source, e.params.VaultAddress)
	if err != nil {
		return false, err
	}
	return allowance.Cmp(amount) >= 0, nil
}

// executePayout settles the mToken leg and pays out the planned sources. The
// caller is debited first; on the swap route the mToken is handed to the
// provider instead of burned.
func (e *Engine) executePayout(caller, tokenOut [20]byte, netMToken *big.Int, plan *payoutPlan) error {
	if plan.viaProvider {
		if err := e.ledger.Transfer(e.params.MToken, caller, e.route.Provider, netMToken); err != nil {
			return err
		}
		return e.ledger.TransferFrom(tokenOut, e.params.VaultAddress, e.route.Provider, caller, plan.amountOutNative)
	}
	if err := e.ledger.Burn(e.params.MToken, caller, netMToken); err != nil {
		return err
	}
	if plan.fromVault != nil && plan.fromVault.Sign() > 0 {
		if err := e.ledger.Transfer(tokenOut, e.params.VaultAddress, caller, plan.fromVault); err != nil {
			return err
		}
	}
	if plan.fromReserve != nil && plan.fromReserve.Sign() > 0 {
		return e.ledger.TransferFrom(tokenOut, e.params.VaultAddress, e.route.Reserve, caller, plan.fromReserve)
	}
	return nil
}

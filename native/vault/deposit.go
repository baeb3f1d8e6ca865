package vault

import (
	"fmt"
	"math/big"

	"mvault/native/access"
)

// DepositInstant swaps amountIn of a registered payment token for freshly
// minted mToken at the current oracle rates. amountIn and minReceive are
// 18-decimal; amountIn must be representable in the token's native decimals.
func (e *Engine) DepositInstant(caller [20]byte, tokenIn [20]byte, amountIn, minReceive *big.Int) (*DepositResult, error) {
	if e == nil {
		return nil, fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkEntry(SelectorDepositInstant, caller); err != nil {
		return nil, err
	}
	cfg, decimals, err := e.requirePaymentToken(tokenIn)
	if err != nil {
		return nil, err
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	amountNative, err := RescaleDown(amountIn, decimals)
	if err != nil {
		return nil, err
	}
	rate, err := e.tokenRate(cfg)
	if err != nil {
		return nil, err
	}
	mRate, err := e.mTokenRate()
	if err != nil {
		return nil, err
	}
	feeBps, err := e.feePercent(caller, cfg, true, nil)
	if err != nil {
		return nil, err
	}
	fee, _, err := ApplyFee(amountIn, feeBps)
	if err != nil {
		return nil, err
	}
	// The fee is paid on the token leg, so it must itself be representable in
	// the token's native precision. The dust stays with the depositor.
	fee, err = Truncate(fee, decimals)
	if err != nil {
		return nil, err
	}
	net := new(big.Int).Sub(amountIn, fee)
	if net.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	usd, err := ToUSD(net, rate)
	if err != nil {
		return nil, err
	}
	minted, err := FromUSD(usd, mRate)
	if err != nil {
		return nil, err
	}
	if err := e.checkMintMinimum(caller, minted); err != nil {
		return nil, err
	}
	if minReceive != nil && minted.Cmp(minReceive) < 0 {
		return nil, ErrSlippageExceeded
	}
	// Prove the pull will succeed before the allowance and daily limit are
	// debited; a failed TransferFrom must not leave them consumed.
	if err := e.requirePullable(tokenIn, caller, amountNative); err != nil {
		return nil, err
	}
	if err := e.registry.ConsumeAllowance(tokenIn, amountIn); err != nil {
		return nil, err
	}
	now := e.clock()
	if err := e.registry.ConsumeDailyLimit(now, usd); err != nil {
		return nil, err
	}
	if err := e.collectToken(tokenIn, caller, fee, net, decimals); err != nil {
		return nil, err
	}
	if err := e.ledger.Mint(e.params.MToken, caller, minted); err != nil {
		return nil, err
	}
	if err := e.registry.AddMinted(caller, minted); err != nil {
		return nil, err
	}
	e.emitter.Emit(newEvent(EventDepositInstant, now).
		withAddr("sender", caller).
		withAddr("token_in", tokenIn).
		withAmount("amount_in", amountIn).
		withAmount("usd", usd).
		withAmount("fee", fee).
		withAmount("minted", minted).
		withAmount("rate", rate).
		withAmount("mtoken_rate", mRate))
	return &DepositResult{Minted: minted, FeeToken: fee, USDAmount: usd, Rate: rate}, nil
}

// DepositRequest escrows the full token amount with the tokens receiver and
// records a pending mint. The fee is settled in USD terms when the request is
// approved, at the approval-time rate and the non-instant fee schedule.
func (e *Engine) DepositRequest(caller [20]byte, tokenIn [20]byte, amountIn *big.Int) (uint64, error) {
	if e == nil {
		return 0, fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkEntry(SelectorDepositRequest, caller); err != nil {
		return 0, err
	}
	cfg, decimals, err := e.requirePaymentToken(tokenIn)
	if err != nil {
		return 0, err
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	amountNative, err := RescaleDown(amountIn, decimals)
	if err != nil {
		return 0, err
	}
	rate, err := e.tokenRate(cfg)
	if err != nil {
		return 0, err
	}
	usd, err := ToUSD(amountIn, rate)
	if err != nil {
		return 0, err
	}
	// Estimate the eventual mint at today's rate so undersized requests fail
	// at submission instead of sitting in the queue.
	mRate, err := e.mTokenRate()
	if err != nil {
		return 0, err
	}
	estimated, err := FromUSD(usd, mRate)
	if err != nil {
		return 0, err
	}
	if err := e.checkMintMinimum(caller, estimated); err != nil {
		return 0, err
	}
	if err := e.requirePullable(tokenIn, caller, amountNative); err != nil {
		return 0, err
	}
	if err := e.registry.ConsumeAllowance(tokenIn, amountIn); err != nil {
		return 0, err
	}
	if err := e.ledger.TransferFrom(tokenIn, e.params.VaultAddress, caller, e.params.TokensReceiver, amountNative); err != nil {
		return 0, err
	}
	now := e.clock()
	req := &MintRequest{
		Sender:       caller,
		TokenIn:      tokenIn,
		AmountToken:  new(big.Int).Set(amountIn),
		DepositedUSD: usd,
		SubmittedAt:  now,
	}
	id, err := e.requests.CreateMint(req)
	if err != nil {
		return 0, err
	}
	e.emitter.Emit(newEvent(EventDepositRequest, now).
		with("id", fmt.Sprintf("%d", id)).
		withAddr("sender", caller).
		withAddr("token_in", tokenIn).
		withAmount("amount_in", amountIn).
		withAmount("usd", usd))
	return id, nil
}

// ApproveMintRequest settles a pending deposit at the supplied mToken rate.
// The fee is recomputed on the stored USD amount with the non-instant
// schedule; feeOverride, when non-nil, replaces that schedule.
func (e *Engine) ApproveMintRequest(caller [20]byte, id uint64, newRate *big.Int, feeOverride *uint32) error {
	return e.approveMint(caller, id, newRate, feeOverride, false)
}

// SafeApproveMintRequest behaves like ApproveMintRequest but additionally
// rejects rates deviating from the live oracle rate beyond the configured
// variation tolerance.
func (e *Engine) SafeApproveMintRequest(caller [20]byte, id uint64, newRate *big.Int, feeOverride *uint32) error {
	return e.approveMint(caller, id, newRate, feeOverride, true)
}

func (e *Engine) approveMint(caller [20]byte, id uint64, newRate *big.Int, feeOverride *uint32, safe bool) error {
	if e == nil {
		return fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkApproval(caller); err != nil {
		return err
	}
	if newRate == nil || newRate.Sign() <= 0 {
		return ErrRateZero
	}
	req, err := e.requests.Mint(id)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return ErrRequestNotPending
	}
	if safe {
		oracleRate, err := e.mTokenRate()
		if err != nil {
			return err
		}
		if !withinDeviation(oracleRate, newRate, e.params.VariationBps) {
			return ErrPriceDeviationExceeded
		}
	}
	cfg, _, err := e.requirePaymentToken(req.TokenIn)
	if err != nil && err != ErrTokenNotFound {
		return err
	}
	var feeBps uint32
	if err == ErrTokenNotFound {
		// Token retired while the request was pending; settle with the
		// override or no fee rather than stranding the deposit.
		if feeOverride != nil {
			feeBps = *feeOverride
		}
	} else {
		feeBps, err = e.feePercent(req.Sender, cfg, false, feeOverride)
		if err != nil {
			return err
		}
	}
	if feeBps > BasisPoints {
		return ErrFeeTooHigh
	}
	feeUSD, netUSD, err := ApplyFee(req.DepositedUSD, feeBps)
	if err != nil {
		return err
	}
	if netUSD.Sign() <= 0 {
		return ErrInvalidAmount
	}
	minted, err := FromUSD(netUSD, newRate)
	if err != nil {
		return err
	}
	if err := e.ledger.Mint(e.params.MToken, req.Sender, minted); err != nil {
		return err
	}
	if err := e.registry.AddMinted(req.Sender, minted); err != nil {
		return err
	}
	now := e.clock()
	req.Status = StatusApproved
	req.TokenOutRate = new(big.Int).Set(newRate)
	req.DecidedAt = now
	if err := e.requests.UpdateMint(req); err != nil {
		return err
	}
	e.emitter.Emit(newEvent(EventMintApproved, now).
		with("id", fmt.Sprintf("%d", id)).
		withAddr("sender", req.Sender).
		withAmount("minted", minted).
		withAmount("fee_usd", feeUSD).
		withAmount("rate", newRate))
	return nil
}

// RejectMintRequest marks a pending deposit rejected. The escrowed tokens
// remain with the tokens receiver for off-band refunding.
func (e *Engine) RejectMintRequest(caller [20]byte, id uint64) error {
	if e == nil {
		return fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkApproval(caller); err != nil {
		return err
	}
	req, err := e.requests.Mint(id)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return ErrRequestNotPending
	}
	now := e.clock()
	req.Status = StatusRejected
	req.DecidedAt = now
	if err := e.requests.UpdateMint(req); err != nil {
		return err
	}
	e.emitter.Emit(newEvent(EventMintRejected, now).
		with("id", fmt.Sprintf("%d", id)).
		withAddr("sender", req.Sender))
	return nil
}

func (e *Engine) requirePaymentToken(token [20]byte) (*TokenConfig, uint8, error) {
	cfg, ok, err := e.registry.Token(token)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ErrTokenNotFound
	}
	decimals, err := e.ledger.Decimals(token)
	if err != nil {
		return nil, 0, err
	}
	return cfg, decimals, nil
}

// checkApproval gates the operator decision paths. The per-function pause
// binds admins as well.
func (e *Engine) checkApproval(caller [20]byte) error {
	if e.pauses.IsFunctionPaused(SelectorApproveRequests) {
		return ErrPaused
	}
	if !e.auth.HasRole(access.RoleVaultAdmin, caller) {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) collectToken(token [20]byte, from [20]byte, fee, net *big.Int, decimals uint8) error {
	if fee.Sign() > 0 {
		feeNative, err := RescaleDown(fee, decimals)
		if err != nil {
			return err
		}
		if err := e.ledger.TransferFrom(token, e.params.VaultAddress, from, e.params.FeeReceiver, feeNative); err != nil {
			return err
		}
	}
	netNative, err := RescaleDown(net, decimals)
	if err != nil {
		return err
	}
	return e.ledger.TransferFrom(token, e.params.VaultAddress, from, e.params.TokensReceiver, netNative)
}

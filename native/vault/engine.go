package vault

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"mvault/native/access"
)

// TokenLedger is the slice of the token ledger the engine drives. Amounts are
// denominated in each token's native decimals.
type TokenLedger interface {
	Decimals(token [20]byte) (uint8, error)
	BalanceOf(token [20]byte, account [20]byte) (*big.Int, error)
	Mint(token [20]byte, to [20]byte, amount *big.Int) error
	Burn(token [20]byte, from [20]byte, amount *big.Int) error
	Transfer(token [20]byte, from, to [20]byte, amount *big.Int) error
	TransferFrom(token [20]byte, spender, from, to [20]byte, amount *big.Int) error
	Allowance(token [20]byte, owner, spender [20]byte) (*big.Int, error)
}

// RateSource yields an 18-decimal USD rate. oracle.Feed satisfies this.
type RateSource interface {
	GetNormalizedRate() (*big.Int, error)
}

// Pauses exposes the pause switches consulted on every entry point.
type Pauses interface {
	IsPaused() bool
	IsFunctionPaused(selector string) bool
}

// RouteKind selects how instant redemptions source the payout token.
type RouteKind uint8

const (
	// RoutePlain pays out of the vault's own token inventory.
	RoutePlain RouteKind = iota
	// RouteReserve tops up shortfalls from a designated reserve account.
	RouteReserve
	// RouteSwap hands the redeemed mToken to a liquidity provider who funds
	// the payout, instead of burning it.
	RouteSwap
)

// RedeemRoute configures the payout sourcing strategy.
type RedeemRoute struct {
	Kind     RouteKind
	Reserve  [20]byte
	Provider [20]byte
}

// Engine executes deposits, redemptions and the asynchronous request
// workflow. Every public operation takes the engine lock, so operations are
// strictly serial: no balance check can be invalidated by a concurrent call.
type Engine struct {
	mu         sync.Mutex
	store      Storage
	registry   *Registry
	requests   *RequestBook
	ledger     TokenLedger
	auth       access.Authorizer
	compliance access.Compliance
	pauses     Pauses
	emitter    Emitter
	clock      func() time.Time
	feeds      map[string]RateSource
	params     Params
	route      RedeemRoute
}

// NewEngine constructs an engine over the provided collaborators.
func NewEngine(store Storage, ledger TokenLedger, auth access.Authorizer, compliance access.Compliance, pauses Pauses, params Params) (*Engine, error) {
	if store == nil || ledger == nil || auth == nil || compliance == nil || pauses == nil {
		return nil, fmt.Errorf("vault: engine requires store, ledger, auth, compliance and pauses")
	}
	if err := params.Normalise(); err != nil {
		return nil, err
	}
	return &Engine{
		store:      store,
		registry:   NewRegistry(store),
		requests:   NewRequestBook(store),
		ledger:     ledger,
		auth:       auth,
		compliance: compliance,
		pauses:     pauses,
		emitter:    NoopEmitter{},
		clock:      time.Now,
		feeds:      make(map[string]RateSource),
		params:     params,
	}, nil
}

// SetEmitter overrides the event sink.
func (e *Engine) SetEmitter(emitter Emitter) {
	if e == nil || emitter == nil {
		return
	}
	e.mu.Lock()
	e.emitter = emitter
	e.mu.Unlock()
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.mu.Lock()
	e.clock = clock
	e.mu.Unlock()
}

// RegisterFeed binds a rate source under the name token configs refer to.
func (e *Engine) RegisterFeed(name string, source RateSource) error {
	if e == nil {
		return fmt.Errorf("vault: engine not initialised")
	}
	if name == "" || source == nil {
		return fmt.Errorf("vault: feed name and source required")
	}
	e.mu.Lock()
	e.feeds[name] = source
	e.mu.Unlock()
	return nil
}

// SetRedeemRoute configures the payout sourcing strategy.
func (e *Engine) SetRedeemRoute(caller [20]byte, route RedeemRoute) error {
	if e == nil {
		return fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.auth.HasRole(access.RoleVaultAdmin, caller) {
		return ErrUnauthorized
	}
	switch route.Kind {
	case RoutePlain:
	case RouteReserve:
		if route.Reserve == ([20]byte{}) {
			return ErrZeroAddress
		}
	case RouteSwap:
		if route.Provider == ([20]byte{}) {
			return ErrZeroAddress
		}
	default:
		return fmt.Errorf("vault: unknown route kind %d", route.Kind)
	}
	e.route = route
	return nil
}

// AddPaymentToken registers a token for deposits and redemptions.
func (e *Engine) AddPaymentToken(caller [20]byte, cfg TokenConfig) error {
	if e == nil {
		return fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.auth.HasRole(access.RoleVaultAdmin, caller) {
		return ErrUnauthorized
	}
	if !cfg.Stable {
		if _, err := e.feedFor(cfg.FeedName); err != nil {
			return err
		}
	}
	if _, err := e.ledger.Decimals(cfg.Token); err != nil {
		return err
	}
	if err := e.registry.AddPaymentToken(cfg); err != nil {
		return err
	}
	e.emitter.Emit(newEvent(EventTokenAdded, e.clock()).
		withAddr("token", cfg.Token).
		with("feed", cfg.FeedName))
	return nil
}

// RemovePaymentToken retires a token from the registry.
func (e *Engine) RemovePaymentToken(caller [20]byte, token [20]byte) error {
	if e == nil {
		return fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.auth.HasRole(access.RoleVaultAdmin, caller) {
		return ErrUnauthorized
	}
	if err := e.registry.RemovePaymentToken(token); err != nil {
		return err
	}
	e.emitter.Emit(newEvent(EventTokenRemoved, e.clock()).withAddr("token", token))
	return nil
}

// SetTokenFee updates a token's fee component.
func (e *Engine) SetTokenFee(caller [20]byte, token [20]byte, feeBps uint32) error {
	return e.adminRegistryOp(caller, func() error { return e.registry.SetFee(token, feeBps) })
}

// SetTokenAllowance replaces a token's remaining allowance. Nil is unlimited.
func (e *Engine) SetTokenAllowance(caller [20]byte, token [20]byte, allowance *big.Int) error {
	return e.adminRegistryOp(caller, func() error { return e.registry.SetAllowance(token, allowance) })
}

// SetDailyLimit replaces the instant daily limit in 18-decimal USD.
func (e *Engine) SetDailyLimit(caller [20]byte, limit *big.Int) error {
	if err := e.adminRegistryOp(caller, func() error { return e.registry.SetDailyLimit(limit) }); err != nil {
		return err
	}
	e.emitter.Emit(newEvent(EventLimitUpdated, e.clock()).withAmount("limit", limit))
	return nil
}

// SetWaivedFee toggles the percentage fee waiver for an account.
func (e *Engine) SetWaivedFee(caller [20]byte, addr [20]byte, waived bool) error {
	if err := e.adminRegistryOp(caller, func() error { return e.registry.SetWaivedFee(addr, waived) }); err != nil {
		return err
	}
	e.emitter.Emit(newEvent(EventWaiverUpdated, e.clock()).
		withAddr("account", addr).
		with("waived", fmt.Sprintf("%t", waived)))
	return nil
}

// SetWaivedFlatFee toggles the fiat flat-fee waiver for an account.
func (e *Engine) SetWaivedFlatFee(caller [20]byte, addr [20]byte, waived bool) error {
	return e.adminRegistryOp(caller, func() error { return e.registry.SetWaivedFlatFee(addr, waived) })
}

// SetFreeFromMin exempts an account from mint minimums.
func (e *Engine) SetFreeFromMin(caller [20]byte, addr [20]byte, free bool) error {
	return e.adminRegistryOp(caller, func() error { return e.registry.SetFreeFromMin(addr, free) })
}

// SetInstantFeeBps updates the vault-wide instant fee component.
func (e *Engine) SetInstantFeeBps(caller [20]byte, feeBps uint32) error {
	if feeBps > BasisPoints {
		return ErrFeeTooHigh
	}
	return e.adminRegistryOp(caller, func() error {
		e.params.InstantFeeBps = feeBps
		return nil
	})
}

// SetVariationBps updates the tolerance used by the safe approval paths.
func (e *Engine) SetVariationBps(caller [20]byte, bps uint32) error {
	return e.adminRegistryOp(caller, func() error {
		e.params.VariationBps = bps
		return nil
	})
}

// SetMintMinimums updates the standing and first-time mint floors, both in
// 18-decimal mToken. Nil leaves a floor unchanged.
func (e *Engine) SetMintMinimums(caller [20]byte, minAmount, firstTime *big.Int) error {
	return e.adminRegistryOp(caller, func() error {
		if minAmount != nil {
			e.params.MinMintAmount = new(big.Int).Set(minAmount)
		}
		if firstTime != nil {
			e.params.MinMintFirstTime = new(big.Int).Set(firstTime)
		}
		return nil
	})
}

// SetRedeemMinimums updates the token and fiat redemption floors, both in
// 18-decimal mToken. Nil leaves a floor unchanged.
func (e *Engine) SetRedeemMinimums(caller [20]byte, minAmount, fiatMin *big.Int) error {
	return e.adminRegistryOp(caller, func() error {
		if minAmount != nil {
			e.params.MinRedeemAmount = new(big.Int).Set(minAmount)
		}
		if fiatMin != nil {
			e.params.MinFiatRedeem = new(big.Int).Set(fiatMin)
		}
		return nil
	})
}

// SetFiatFees updates the fiat percentage and flat fee. A nil flat fee leaves
// the current value unchanged.
func (e *Engine) SetFiatFees(caller [20]byte, pctBps uint32, flat *big.Int) error {
	if pctBps > BasisPoints {
		return ErrFeeTooHigh
	}
	return e.adminRegistryOp(caller, func() error {
		e.params.FiatAdditionalBps = pctBps
		if flat != nil {
			e.params.FiatFlatFee = new(big.Int).Set(flat)
		}
		return nil
	})
}

// SetGreenlistEnabled toggles greenlist enforcement.
func (e *Engine) SetGreenlistEnabled(caller [20]byte, enabled bool) error {
	return e.adminRegistryOp(caller, func() error {
		e.params.GreenlistEnabled = enabled
		return nil
	})
}

// Token returns the configuration of a registered payment token.
func (e *Engine) Token(token [20]byte) (*TokenConfig, bool, error) {
	if e == nil {
		return nil, false, fmt.Errorf("vault: engine not initialised")
	}
	return e.registry.Token(token)
}

// Tokens lists every active payment token.
func (e *Engine) Tokens() ([]TokenConfig, error) {
	if e == nil {
		return nil, fmt.Errorf("vault: engine not initialised")
	}
	return e.registry.Tokens()
}

// DailyLimit reports the configured limit and today's consumption.
func (e *Engine) DailyLimit() (limit, consumed *big.Int, err error) {
	if e == nil {
		return nil, nil, fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	now := e.clock()
	e.mu.Unlock()
	return e.registry.DailyLimit(now)
}

// GetMintRequest returns a copy of the stored mint request.
func (e *Engine) GetMintRequest(id uint64) (*MintRequest, error) {
	if e == nil {
		return nil, fmt.Errorf("vault: engine not initialised")
	}
	return e.requests.Mint(id)
}

// GetRedeemRequest returns a copy of the stored redeem request.
func (e *Engine) GetRedeemRequest(id uint64) (*RedeemRequest, error) {
	if e == nil {
		return nil, fmt.Errorf("vault: engine not initialised")
	}
	return e.requests.Redeem(id)
}

// MintRequestIDs lists mint request ids in allocation order.
func (e *Engine) MintRequestIDs() ([]uint64, error) {
	if e == nil {
		return nil, fmt.Errorf("vault: engine not initialised")
	}
	return e.requests.MintIDs()
}

// RedeemRequestIDs lists redeem request ids in allocation order.
func (e *Engine) RedeemRequestIDs() ([]uint64, error) {
	if e == nil {
		return nil, fmt.Errorf("vault: engine not initialised")
	}
	return e.requests.RedeemIDs()
}

// TotalMinted reports the cumulative mToken ever minted to the account.
func (e *Engine) TotalMinted(addr [20]byte) (*big.Int, error) {
	if e == nil {
		return nil, fmt.Errorf("vault: engine not initialised")
	}
	return e.registry.TotalMinted(addr)
}

// Params returns a copy of the current parameter set.
func (e *Engine) Params() Params {
	if e == nil {
		return Params{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.params
	p.MinMintAmount = copyBig(e.params.MinMintAmount)
	p.MinMintFirstTime = copyBig(e.params.MinMintFirstTime)
	p.MinRedeemAmount = copyBig(e.params.MinRedeemAmount)
	p.MinFiatRedeem = copyBig(e.params.MinFiatRedeem)
	p.FiatFlatFee = copyBig(e.params.FiatFlatFee)
	return p
}

func (e *Engine) adminRegistryOp(caller [20]byte, op func() error) error {
	if e == nil {
		return fmt.Errorf("vault: engine not initialised")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.auth.HasRole(access.RoleVaultAdmin, caller) {
		return ErrUnauthorized
	}
	return op()
}

// checkEntry runs the pause and compliance gates shared by every user-facing
// operation. Per-function pauses bind admins too; the global pause does not.
func (e *Engine) checkEntry(selector string, caller [20]byte) error {
	if e.pauses.IsFunctionPaused(selector) {
		return ErrPaused
	}
	if e.pauses.IsPaused() && !e.auth.HasRole(access.RoleVaultAdmin, caller) {
		return ErrPaused
	}
	if e.compliance.IsSanctioned(caller) {
		return ErrSanctioned
	}
	if e.compliance.IsBlacklisted(caller) {
		return ErrBlacklisted
	}
	if e.params.GreenlistEnabled && !e.compliance.IsGreenlisted(caller) {
		return ErrNotGreenlisted
	}
	return nil
}

func (e *Engine) feedFor(name string) (RateSource, error) {
	if name == "" {
		return nil, fmt.Errorf("vault: token has no feed configured")
	}
	feed, ok := e.feeds[name]
	if !ok {
		return nil, fmt.Errorf("vault: feed %q not registered", name)
	}
	return feed, nil
}

// tokenRate resolves the 18-decimal USD rate for a payment token. Stable
// tokens are pinned to 1.0 and never consult a feed.
func (e *Engine) tokenRate(cfg *TokenConfig) (*big.Int, error) {
	if cfg.Stable {
		return new(big.Int).Set(oneE18), nil
	}
	feed, err := e.feedFor(cfg.FeedName)
	if err != nil {
		return nil, err
	}
	rate, err := feed.GetNormalizedRate()
	if err != nil {
		return nil, err
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrRateZero
	}
	return rate, nil
}

func (e *Engine) mTokenRate() (*big.Int, error) {
	feed, err := e.feedFor(e.params.MTokenFeed)
	if err != nil {
		return nil, err
	}
	rate, err := feed.GetNormalizedRate()
	if err != nil {
		return nil, err
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrRateZero
	}
	return rate, nil
}

// feePercent resolves the basis-point fee for an operation. Waived accounts
// pay nothing; an override replaces the schedule entirely; otherwise the
// token component applies, plus the vault-wide instant component on instant
// paths.
func (e *Engine) feePercent(sender [20]byte, cfg *TokenConfig, instant bool, override *uint32) (uint32, error) {
	if e.registry.IsFeeWaived(sender) {
		return 0, nil
	}
	if override != nil {
		if *override > BasisPoints {
			return 0, ErrFeeTooHigh
		}
		return *override, nil
	}
	fee := cfg.FeeBps
	if instant {
		fee += e.params.InstantFeeBps
	}
	if fee > BasisPoints {
		fee = BasisPoints
	}
	return fee, nil
}

// requireBalance rejects the operation before any state is written when the
// account cannot cover the amount. Settlement paths call it up front so a
// short balance never strands a partially applied operation.
func (e *Engine) requireBalance(token [20]byte, account [20]byte, amount *big.Int) error {
	balance, err := e.ledger.BalanceOf(token, account)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// requirePullable additionally proves the ledger approval the vault spends
// when pulling a deposit leg with TransferFrom.
func (e *Engine) requirePullable(token [20]byte, owner [20]byte, amount *big.Int) error {
	if err := e.requireBalance(token, owner, amount); err != nil {
		return err
	}
	allowance, err := e.ledger.Allowance(token, owner, e.params.VaultAddress)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientApproval
	}
	return nil
}

// checkMintMinimum enforces the standing and first-time mint floors.
func (e *Engine) checkMintMinimum(sender [20]byte, mintAmount *big.Int) error {
	if e.registry.IsFreeFromMin(sender) {
		return nil
	}
	if mintAmount.Cmp(e.params.MinMintAmount) < 0 {
		return ErrBelowMinimum
	}
	minted, err := e.registry.TotalMinted(sender)
	if err != nil {
		return err
	}
	if minted.Sign() == 0 && mintAmount.Cmp(e.params.MinMintFirstTime) < 0 {
		return ErrBelowMinimum
	}
	return nil
}

package vault

import (
	"math/big"
	"time"
)

// BasisPoints is the denominator for fee and tolerance percentages.
const BasisPoints = 10_000

// AmountDecimals is the precision of every amount and rate crossing the engine
// boundary. Token-native precision only appears on ledger transfers.
const AmountDecimals = 18

// Pause selectors recognised by the engine. Per-function pauses bind every
// caller including admins; the global pause exempts vault admins.
const (
	SelectorDepositInstant  = "vault.deposit.instant"
	SelectorDepositRequest  = "vault.deposit.request"
	SelectorRedeemInstant   = "vault.redeem.instant"
	SelectorRedeemRequest   = "vault.redeem.request"
	SelectorRedeemFiat      = "vault.redeem.fiat"
	SelectorApproveRequests = "vault.request.approve"
)

// FiatToken is the sentinel payment token standing in for off-chain fiat
// settlement. It can never be registered as a payment token.
var FiatToken = [20]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// RequestStatus tracks the lifecycle of an asynchronous request.
type RequestStatus uint8

const (
	StatusPending RequestStatus = iota
	StatusApproved
	StatusRejected
)

func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MintRequest is a deferred deposit. The deposited tokens already sit with the
// tokens receiver; only the mint awaits an operator decision. TokenOutRate is
// zero until the request reaches a terminal status and records the mToken rate
// the mint was (or would have been) priced at.
type MintRequest struct {
	ID           uint64
	Sender       [20]byte
	TokenIn      [20]byte
	AmountToken  *big.Int
	DepositedUSD *big.Int
	TokenOutRate *big.Int
	Status       RequestStatus
	SubmittedAt  time.Time
	DecidedAt    time.Time
}

// Copy returns a deep copy safe to hand to callers.
func (r *MintRequest) Copy() *MintRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.AmountToken = copyBig(r.AmountToken)
	clone.DepositedUSD = copyBig(r.DepositedUSD)
	clone.TokenOutRate = copyBig(r.TokenOutRate)
	return &clone
}

// RedeemRequest is a deferred redemption. The fee was taken and the remaining
// mToken escrowed with the vault at submission. Both rates are recorded at
// submission; TokenOutRate is replaced by the approval-time rate when the
// request is approved.
type RedeemRequest struct {
	ID           uint64
	Sender       [20]byte
	TokenOut     [20]byte
	AmountMToken *big.Int
	MTokenRate   *big.Int
	TokenOutRate *big.Int
	Fiat         bool
	Status       RequestStatus
	SubmittedAt  time.Time
	DecidedAt    time.Time
}

// Copy returns a deep copy safe to hand to callers.
func (r *RedeemRequest) Copy() *RedeemRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.AmountMToken = copyBig(r.AmountMToken)
	clone.MTokenRate = copyBig(r.MTokenRate)
	clone.TokenOutRate = copyBig(r.TokenOutRate)
	return &clone
}

// TokenConfig is the registry entry for a payment token. Allowance nil means
// unlimited. FeeBps is the token-specific component added on top of the
// vault-wide instant fee for instant operations.
type TokenConfig struct {
	Token     [20]byte
	FeedName  string
	FeeBps    uint32
	Allowance *big.Int
	Stable    bool
}

// Copy returns a deep copy safe to hand to callers.
func (c *TokenConfig) Copy() *TokenConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Allowance = copyBig(c.Allowance)
	return &clone
}

// DepositResult reports the outcome of an instant deposit.
type DepositResult struct {
	Minted    *big.Int
	FeeToken  *big.Int
	USDAmount *big.Int
	Rate      *big.Int
}

// RedeemResult reports the outcome of an instant redemption.
type RedeemResult struct {
	AmountTokenOut *big.Int
	FeeMToken      *big.Int
	USDAmount      *big.Int
	Rate           *big.Int
}

// Params carries the vault-wide knobs. Amount fields are 18-decimal mToken
// amounts; bps fields are denominated in BasisPoints.
type Params struct {
	MToken             [20]byte
	MTokenFeed         string
	VaultAddress       [20]byte
	TokensReceiver     [20]byte
	FeeReceiver        [20]byte
	InstantFeeBps      uint32
	VariationBps       uint32
	MinMintAmount      *big.Int
	MinMintFirstTime   *big.Int
	MinRedeemAmount    *big.Int
	MinFiatRedeem      *big.Int
	FiatAdditionalBps  uint32
	FiatFlatFee        *big.Int
	GreenlistEnabled   bool
}

// Normalise validates the parameter set and fills defaults for nil amounts.
func (p *Params) Normalise() error {
	if p == nil {
		return ErrZeroAddress
	}
	if p.MToken == ([20]byte{}) || p.VaultAddress == ([20]byte{}) {
		return ErrZeroAddress
	}
	if p.TokensReceiver == ([20]byte{}) || p.FeeReceiver == ([20]byte{}) {
		return ErrZeroAddress
	}
	if p.InstantFeeBps > BasisPoints || p.FiatAdditionalBps > BasisPoints {
		return ErrFeeTooHigh
	}
	if p.MinMintAmount == nil {
		p.MinMintAmount = big.NewInt(0)
	}
	if p.MinMintFirstTime == nil {
		p.MinMintFirstTime = big.NewInt(0)
	}
	if p.MinRedeemAmount == nil {
		p.MinRedeemAmount = big.NewInt(0)
	}
	if p.MinFiatRedeem == nil {
		p.MinFiatRedeem = big.NewInt(0)
	}
	if p.FiatFlatFee == nil {
		p.FiatFlatFee = big.NewInt(0)
	}
	return nil
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

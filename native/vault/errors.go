package vault

import "errors"

var (
	// ErrUnauthorized indicates the caller lacks the role required by the operation.
	ErrUnauthorized = errors.New("vault: unauthorized")
	// ErrPaused indicates the vault or the specific entry point is paused.
	ErrPaused = errors.New("vault: paused")
	// ErrTokenNotFound indicates the payment token is not registered.
	ErrTokenNotFound = errors.New("vault: token not found")
	// ErrTokenAlreadyExists indicates a duplicate payment token registration.
	ErrTokenAlreadyExists = errors.New("vault: token already exists")
	// ErrInvalidAmount indicates a zero or nil amount.
	ErrInvalidAmount = errors.New("vault: invalid amount")
	// ErrInvalidRounding indicates the amount loses precision when rescaled to
	// the token's native decimals.
	ErrInvalidRounding = errors.New("vault: invalid rounding")
	// ErrRateZero indicates a zero oracle rate reached a pricing computation.
	ErrRateZero = errors.New("vault: rate zero")
	// ErrBelowMinimum indicates the mint or redeem amount is under a configured floor.
	ErrBelowMinimum = errors.New("vault: amount below minimum")
	// ErrExceedsAllowance indicates the per-token allowance cannot cover the amount.
	ErrExceedsAllowance = errors.New("vault: exceeds token allowance")
	// ErrExceedsDailyLimit indicates the instant daily limit cannot cover the amount.
	ErrExceedsDailyLimit = errors.New("vault: exceeds daily limit")
	// ErrSlippageExceeded indicates the computed output is below the caller's minimum.
	ErrSlippageExceeded = errors.New("vault: slippage exceeded")
	// ErrFeeTooHigh indicates a fee above 100%.
	ErrFeeTooHigh = errors.New("vault: fee exceeds 100%")
	// ErrZeroAddress indicates a required address or handle was unset.
	ErrZeroAddress = errors.New("vault: zero address")
	// ErrZeroAllowance indicates an explicit zero allowance; remove the token instead.
	ErrZeroAllowance = errors.New("vault: zero allowance")
	// ErrZeroLimit indicates an explicit zero daily limit.
	ErrZeroLimit = errors.New("vault: zero daily limit")
	// ErrRequestNotExist indicates the request id has never been allocated.
	ErrRequestNotExist = errors.New("vault: request does not exist")
	// ErrRequestNotPending indicates the request already reached a terminal status.
	ErrRequestNotPending = errors.New("vault: request not pending")
	// ErrPriceDeviationExceeded indicates the approval rate deviates beyond the
	// configured tolerance from the rate recorded at submission.
	ErrPriceDeviationExceeded = errors.New("vault: price deviation exceeded")
	// ErrSanctioned indicates the caller is on the sanctions list.
	ErrSanctioned = errors.New("vault: account sanctioned")
	// ErrNotGreenlisted indicates the caller is missing from the greenlist.
	ErrNotGreenlisted = errors.New("vault: account not greenlisted")
	// ErrBlacklisted indicates the caller is on the blacklist.
	ErrBlacklisted = errors.New("vault: account blacklisted")
	// ErrWaivedFeeExists indicates a duplicate fee waiver.
	ErrWaivedFeeExists = errors.New("vault: fee waiver already present")
	// ErrWaivedFeeNotFound indicates a missing fee waiver.
	ErrWaivedFeeNotFound = errors.New("vault: fee waiver not found")
	// ErrReserveRedemptionExceedsBalance indicates the reserve cannot fund the
	// payout shortfall.
	ErrReserveRedemptionExceedsBalance = errors.New("vault: reserve redemption exceeds balance")
	// ErrRouteUnderfunded indicates the swap provider cannot fund the payout.
	ErrRouteUnderfunded = errors.New("vault: redeem route underfunded")
	// ErrNoRedeemRoute indicates the vault cannot cover the payout and no
	// sourcing route is configured.
	ErrNoRedeemRoute = errors.New("vault: no redeem route")
	// ErrInsufficientBalance indicates the account cannot cover the settlement leg.
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	// ErrInsufficientApproval indicates the account has not approved the vault
	// on the token ledger for the amount being pulled.
	ErrInsufficientApproval = errors.New("vault: insufficient ledger approval")
)

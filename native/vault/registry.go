package vault

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Storage abstracts the persistence required by the vault engine.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

type storedTokenConfig struct {
	FeedName  string
	FeeBps    uint32
	Allowance []byte
	Unlimited bool
	Stable    bool
	Removed   bool
}

type storedDailyLimit struct {
	Limit    []byte
	Consumed []byte
	Day      string
}

// Registry tracks the payment token configuration, fee waivers, per-account
// mint totals and the vault-wide instant daily limit. Amounts are 18-decimal.
type Registry struct {
	mu    sync.Mutex
	store Storage
}

// NewRegistry constructs a registry bound to the provided storage backend.
func NewRegistry(store Storage) *Registry {
	return &Registry{store: store}
}

// AddPaymentToken registers a token for deposits and redemptions. A nil
// allowance means unlimited; an explicit zero allowance is rejected.
func (r *Registry) AddPaymentToken(cfg TokenConfig) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	if cfg.Token == ([20]byte{}) {
		return ErrZeroAddress
	}
	if cfg.Token == FiatToken {
		return fmt.Errorf("vault: fiat sentinel cannot be a payment token")
	}
	if cfg.FeeBps > BasisPoints {
		return ErrFeeTooHigh
	}
	if cfg.Allowance != nil && cfg.Allowance.Sign() <= 0 {
		return ErrZeroAllowance
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tokenKey(cfg.Token)
	var existing storedTokenConfig
	ok, err := r.store.KVGet(key, &existing)
	if err != nil {
		return err
	}
	if ok && !existing.Removed {
		return ErrTokenAlreadyExists
	}
	stored := storedTokenConfig{
		FeedName:  cfg.FeedName,
		FeeBps:    cfg.FeeBps,
		Unlimited: cfg.Allowance == nil,
		Stable:    cfg.Stable,
	}
	if cfg.Allowance != nil {
		stored.Allowance = cfg.Allowance.Bytes()
	}
	if err := r.store.KVPut(key, stored); err != nil {
		return err
	}
	return r.store.KVAppend(tokenIndexKey(), cfg.Token[:])
}

// RemovePaymentToken retires a token. The entry stays behind as a tombstone so
// the index remains stable.
func (r *Registry) RemovePaymentToken(token [20]byte) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, err := r.requireToken(token)
	if err != nil {
		return err
	}
	stored.Removed = true
	return r.store.KVPut(tokenKey(token), stored)
}

// Token returns the configuration of a registered token.
func (r *Registry) Token(token [20]byte) (*TokenConfig, bool, error) {
	if r == nil || r.store == nil {
		return nil, false, fmt.Errorf("vault: registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, err := r.requireToken(token)
	if err != nil {
		if err == ErrTokenNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return configFromStored(token, stored), true, nil
}

// Tokens lists every active payment token.
func (r *Registry) Tokens() ([]TokenConfig, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("vault: registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var index [][]byte
	if err := r.store.KVGetList(tokenIndexKey(), &index); err != nil {
		return nil, err
	}
	out := make([]TokenConfig, 0, len(index))
	for _, raw := range index {
		if len(raw) != 20 {
			continue
		}
		var token [20]byte
		copy(token[:], raw)
		stored, err := r.requireToken(token)
		if err == ErrTokenNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *configFromStored(token, stored))
	}
	return out, nil
}

// SetFee updates the token-specific fee component.
func (r *Registry) SetFee(token [20]byte, feeBps uint32) error {
	if feeBps > BasisPoints {
		return ErrFeeTooHigh
	}
	return r.updateToken(token, func(stored *storedTokenConfig) error {
		stored.FeeBps = feeBps
		return nil
	})
}

// SetAllowance replaces the remaining token allowance. Nil means unlimited.
func (r *Registry) SetAllowance(token [20]byte, allowance *big.Int) error {
	if allowance != nil && allowance.Sign() <= 0 {
		return ErrZeroAllowance
	}
	return r.updateToken(token, func(stored *storedTokenConfig) error {
		if allowance == nil {
			stored.Unlimited = true
			stored.Allowance = nil
			return nil
		}
		stored.Unlimited = false
		stored.Allowance = allowance.Bytes()
		return nil
	})
}

// ConsumeAllowance decrements the token allowance by the 18-decimal amount.
// Unlimited allowances are never decremented.
func (r *Registry) ConsumeAllowance(token [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return r.updateToken(token, func(stored *storedTokenConfig) error {
		if stored.Unlimited {
			return nil
		}
		remaining := new(big.Int).SetBytes(stored.Allowance)
		if remaining.Cmp(amount) < 0 {
			return ErrExceedsAllowance
		}
		stored.Allowance = remaining.Sub(remaining, amount).Bytes()
		return nil
	})
}

// SetWaivedFee toggles the full fee waiver for an account. Adding an existing
// waiver or removing an absent one is an error so operator scripts notice
// drift.
func (r *Registry) SetWaivedFee(addr [20]byte, waived bool) error {
	return r.toggleWaiver(waivedFeeKey(addr), waived)
}

// IsFeeWaived reports whether the account pays no percentage fees.
func (r *Registry) IsFeeWaived(addr [20]byte) bool {
	return r.waived(waivedFeeKey(addr))
}

// SetWaivedFlatFee toggles the fiat flat-fee waiver for an account,
// independent of the percentage waiver.
func (r *Registry) SetWaivedFlatFee(addr [20]byte, waived bool) error {
	return r.toggleWaiver(waivedFlatKey(addr), waived)
}

// IsFlatFeeWaived reports whether the account skips the fiat flat fee.
func (r *Registry) IsFlatFeeWaived(addr [20]byte) bool {
	return r.waived(waivedFlatKey(addr))
}

// SetDailyLimit replaces the instant daily limit, denominated in 18-decimal
// USD. Consumption already recorded for the current day is preserved.
func (r *Registry) SetDailyLimit(limit *big.Int) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	if limit == nil || limit.Sign() <= 0 {
		return ErrZeroLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var stored storedDailyLimit
	if _, err := r.store.KVGet(limitKey(), &stored); err != nil {
		return err
	}
	stored.Limit = limit.Bytes()
	return r.store.KVPut(limitKey(), stored)
}

// ConsumeDailyLimit charges the 18-decimal USD amount against the current
// day's budget, resetting consumption when the UTC day has rolled over. An
// unset limit is unlimited.
func (r *Registry) ConsumeDailyLimit(now time.Time, usd *big.Int) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	if usd == nil || usd.Sign() < 0 {
		return ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var stored storedDailyLimit
	if _, err := r.store.KVGet(limitKey(), &stored); err != nil {
		return err
	}
	if len(stored.Limit) == 0 {
		return nil
	}
	day := formatDay(now)
	consumed := new(big.Int)
	if stored.Day == day {
		consumed.SetBytes(stored.Consumed)
	}
	consumed.Add(consumed, usd)
	if consumed.Cmp(new(big.Int).SetBytes(stored.Limit)) > 0 {
		return ErrExceedsDailyLimit
	}
	stored.Day = day
	stored.Consumed = consumed.Bytes()
	return r.store.KVPut(limitKey(), stored)
}

// DailyLimit reports the configured limit and today's consumption. A nil
// limit means unlimited.
func (r *Registry) DailyLimit(now time.Time) (limit, consumed *big.Int, err error) {
	if r == nil || r.store == nil {
		return nil, nil, fmt.Errorf("vault: registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var stored storedDailyLimit
	if _, err := r.store.KVGet(limitKey(), &stored); err != nil {
		return nil, nil, err
	}
	if len(stored.Limit) == 0 {
		return nil, big.NewInt(0), nil
	}
	consumed = new(big.Int)
	if stored.Day == formatDay(now) {
		consumed.SetBytes(stored.Consumed)
	}
	return new(big.Int).SetBytes(stored.Limit), consumed, nil
}

// AddMinted accumulates the mToken amount issued to the account.
func (r *Registry) AddMinted(addr [20]byte, amount *big.Int) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var raw []byte
	if _, err := r.store.KVGet(mintedKey(addr), &raw); err != nil {
		return err
	}
	total := new(big.Int).SetBytes(raw)
	total.Add(total, amount)
	return r.store.KVPut(mintedKey(addr), total.Bytes())
}

// TotalMinted reports the cumulative mToken amount issued to the account.
func (r *Registry) TotalMinted(addr [20]byte) (*big.Int, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("vault: registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var raw []byte
	if _, err := r.store.KVGet(mintedKey(addr), &raw); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// SetFreeFromMin exempts (or re-subjects) the account from mint minimums.
func (r *Registry) SetFreeFromMin(addr [20]byte, free bool) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	return r.store.KVPut(freeMinKey(addr), free)
}

// IsFreeFromMin reports whether the account skips mint minimums.
func (r *Registry) IsFreeFromMin(addr [20]byte) bool {
	if r == nil || r.store == nil {
		return false
	}
	var free bool
	ok, err := r.store.KVGet(freeMinKey(addr), &free)
	if err != nil || !ok {
		return false
	}
	return free
}

func (r *Registry) updateToken(token [20]byte, mutate func(*storedTokenConfig) error) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, err := r.requireToken(token)
	if err != nil {
		return err
	}
	if err := mutate(&stored); err != nil {
		return err
	}
	return r.store.KVPut(tokenKey(token), stored)
}

func (r *Registry) requireToken(token [20]byte) (storedTokenConfig, error) {
	var stored storedTokenConfig
	ok, err := r.store.KVGet(tokenKey(token), &stored)
	if err != nil {
		return storedTokenConfig{}, err
	}
	if !ok || stored.Removed {
		return storedTokenConfig{}, ErrTokenNotFound
	}
	return stored, nil
}

func (r *Registry) toggleWaiver(key []byte, waived bool) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var current bool
	ok, err := r.store.KVGet(key, &current)
	if err != nil {
		return err
	}
	present := ok && current
	if waived && present {
		return ErrWaivedFeeExists
	}
	if !waived && !present {
		return ErrWaivedFeeNotFound
	}
	return r.store.KVPut(key, waived)
}

func (r *Registry) waived(key []byte) bool {
	if r == nil || r.store == nil {
		return false
	}
	var current bool
	ok, err := r.store.KVGet(key, &current)
	if err != nil || !ok {
		return false
	}
	return current
}

func configFromStored(token [20]byte, stored storedTokenConfig) *TokenConfig {
	cfg := &TokenConfig{
		Token:    token,
		FeedName: stored.FeedName,
		FeeBps:   stored.FeeBps,
		Stable:   stored.Stable,
	}
	if !stored.Unlimited {
		cfg.Allowance = new(big.Int).SetBytes(stored.Allowance)
	}
	return cfg
}

func formatDay(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

func tokenKey(token [20]byte) []byte {
	return []byte("vault/token/" + hex.EncodeToString(token[:]))
}

func tokenIndexKey() []byte {
	return []byte("vault/tokens")
}

func waivedFeeKey(addr [20]byte) []byte {
	return []byte("vault/waived/" + hex.EncodeToString(addr[:]))
}

func waivedFlatKey(addr [20]byte) []byte {
	return []byte("vault/waivedflat/" + hex.EncodeToString(addr[:]))
}

func limitKey() []byte {
	return []byte("vault/limit")
}

func mintedKey(addr [20]byte) []byte {
	return []byte("vault/minted/" + hex.EncodeToString(addr[:]))
}

func freeMinKey(addr [20]byte) []byte {
	return []byte("vault/freemin/" + hex.EncodeToString(addr[:]))
}

package token

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/holiman/uint256"
)

var (
	// ErrUnknownToken indicates the token has not been registered with the ledger.
	ErrUnknownToken = errors.New("token: unknown token")
	// ErrAlreadyRegistered indicates a duplicate token registration.
	ErrAlreadyRegistered = errors.New("token: already registered")
	// ErrInsufficientBalance indicates the source account cannot cover the amount.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInsufficientAllowance indicates the spender allowance cannot cover the amount.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrInvalidAmount indicates a nil or negative amount.
	ErrInvalidAmount = errors.New("token: invalid amount")
)

// Storage abstracts the persistence required by the ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Metadata describes a registered token.
type Metadata struct {
	Symbol      string
	Decimals    uint8
	TotalSupply *big.Int
}

type storedMetadata struct {
	Symbol      string
	Decimals    uint8
	TotalSupply []byte
}

type storedBalance struct {
	Balance []byte
}

// Ledger provides ERC-20 style transfer, mint and burn primitives over the
// state store. Balances are tracked as 256-bit unsigned integers; amounts are
// denominated in each token's native decimals.
type Ledger struct {
	mu    sync.Mutex
	store Storage
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store Storage) *Ledger {
	return &Ledger{store: store}
}

// RegisterToken records metadata for a new token handle.
func (l *Ledger) RegisterToken(token [20]byte, symbol string, decimals uint8) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token: ledger not initialised")
	}
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return fmt.Errorf("token: symbol required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := metadataKey(token)
	var existing storedMetadata
	ok, err := l.store.KVGet(key, &existing)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyRegistered
	}
	return l.store.KVPut(key, storedMetadata{Symbol: trimmed, Decimals: decimals})
}

// Metadata returns the registered metadata for the token.
func (l *Ledger) Metadata(token [20]byte) (Metadata, bool, error) {
	if l == nil || l.store == nil {
		return Metadata{}, false, fmt.Errorf("token: ledger not initialised")
	}
	var stored storedMetadata
	ok, err := l.store.KVGet(metadataKey(token), &stored)
	if err != nil {
		return Metadata{}, false, err
	}
	if !ok {
		return Metadata{}, false, nil
	}
	meta := Metadata{Symbol: stored.Symbol, Decimals: stored.Decimals, TotalSupply: new(big.Int).SetBytes(stored.TotalSupply)}
	return meta, true, nil
}

// Decimals reports the native precision of the token.
func (l *Ledger) Decimals(token [20]byte) (uint8, error) {
	meta, ok, err := l.Metadata(token)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUnknownToken
	}
	return meta.Decimals, nil
}

// BalanceOf returns the current balance of the account.
func (l *Ledger) BalanceOf(token [20]byte, account [20]byte) (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("token: ledger not initialised")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.loadBalance(token, account)
	if err != nil {
		return nil, err
	}
	return balance.ToBig(), nil
}

// Mint credits newly issued tokens to the recipient.
func (l *Ledger) Mint(token [20]byte, to [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token: ledger not initialised")
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, err := l.requireMetadata(token)
	if err != nil {
		return err
	}
	balance, err := l.loadBalance(token, to)
	if err != nil {
		return err
	}
	updated, overflow := new(uint256.Int).AddOverflow(balance, value)
	if overflow {
		return fmt.Errorf("token: balance overflow")
	}
	if err := l.storeBalance(token, to, updated); err != nil {
		return err
	}
	supply := new(uint256.Int).SetBytes(meta.TotalSupply)
	supply, overflow = supply.AddOverflow(supply, value)
	if overflow {
		return fmt.Errorf("token: supply overflow")
	}
	meta.TotalSupply = supply.Bytes()
	return l.store.KVPut(metadataKey(token), meta)
}

// Burn destroys tokens held by the account.
func (l *Ledger) Burn(token [20]byte, from [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token: ledger not initialised")
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	meta, err := l.requireMetadata(token)
	if err != nil {
		return err
	}
	balance, err := l.loadBalance(token, from)
	if err != nil {
		return err
	}
	if balance.Lt(value) {
		return ErrInsufficientBalance
	}
	if err := l.storeBalance(token, from, new(uint256.Int).Sub(balance, value)); err != nil {
		return err
	}
	supply := new(uint256.Int).SetBytes(meta.TotalSupply)
	if supply.Lt(value) {
		return fmt.Errorf("token: supply underflow")
	}
	meta.TotalSupply = new(uint256.Int).Sub(supply, value).Bytes()
	return l.store.KVPut(metadataKey(token), meta)
}

// Transfer moves tokens between accounts.
func (l *Ledger) Transfer(token [20]byte, from, to [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token: ledger not initialised")
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.requireMetadata(token); err != nil {
		return err
	}
	return l.move(token, from, to, value)
}

// Approve records the allowance granted by owner to spender, replacing any
// previous value.
func (l *Ledger) Approve(token [20]byte, owner, spender [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token: ledger not initialised")
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.requireMetadata(token); err != nil {
		return err
	}
	return l.store.KVPut(allowanceKey(token, owner, spender), storedBalance{Balance: value.Bytes()})
}

// Allowance returns the remaining allowance granted by owner to spender.
func (l *Ledger) Allowance(token [20]byte, owner, spender [20]byte) (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("token: ledger not initialised")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowance, err := l.loadAllowance(token, owner, spender)
	if err != nil {
		return nil, err
	}
	return allowance.ToBig(), nil
}

// TransferFrom moves tokens on behalf of the owner, consuming the spender's
// allowance. An allowance of 2^256-1 is treated as unlimited and is not
// decremented.
func (l *Ledger) TransferFrom(token [20]byte, spender, from, to [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token: ledger not initialised")
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.requireMetadata(token); err != nil {
		return err
	}
	if spender != from {
		allowance, err := l.loadAllowance(token, from, spender)
		if err != nil {
			return err
		}
		if allowance.Lt(value) {
			return ErrInsufficientAllowance
		}
		if !isUnlimited(allowance) {
			remaining := new(uint256.Int).Sub(allowance, value)
			if err := l.store.KVPut(allowanceKey(token, from, spender), storedBalance{Balance: remaining.Bytes()}); err != nil {
				return err
			}
		}
	}
	return l.move(token, from, to, value)
}

func (l *Ledger) move(token [20]byte, from, to [20]byte, value *uint256.Int) error {
	fromBalance, err := l.loadBalance(token, from)
	if err != nil {
		return err
	}
	if fromBalance.Lt(value) {
		return ErrInsufficientBalance
	}
	toBalance, err := l.loadBalance(token, to)
	if err != nil {
		return err
	}
	updated, overflow := new(uint256.Int).AddOverflow(toBalance, value)
	if overflow {
		return fmt.Errorf("token: balance overflow")
	}
	if err := l.storeBalance(token, from, new(uint256.Int).Sub(fromBalance, value)); err != nil {
		return err
	}
	return l.storeBalance(token, to, updated)
}

func (l *Ledger) requireMetadata(token [20]byte) (storedMetadata, error) {
	var stored storedMetadata
	ok, err := l.store.KVGet(metadataKey(token), &stored)
	if err != nil {
		return storedMetadata{}, err
	}
	if !ok {
		return storedMetadata{}, ErrUnknownToken
	}
	return stored, nil
}

func (l *Ledger) loadBalance(token [20]byte, account [20]byte) (*uint256.Int, error) {
	var stored storedBalance
	ok, err := l.store.KVGet(balanceKey(token, account), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).SetBytes(stored.Balance), nil
}

func (l *Ledger) storeBalance(token [20]byte, account [20]byte, balance *uint256.Int) error {
	return l.store.KVPut(balanceKey(token, account), storedBalance{Balance: balance.Bytes()})
}

func (l *Ledger) loadAllowance(token [20]byte, owner, spender [20]byte) (*uint256.Int, error) {
	var stored storedBalance
	ok, err := l.store.KVGet(allowanceKey(token, owner, spender), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).SetBytes(stored.Balance), nil
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("token: amount exceeds 256 bits")
	}
	return value, nil
}

func isUnlimited(value *uint256.Int) bool {
	return value.Eq(unlimitedAllowance)
}

var unlimitedAllowance = new(uint256.Int).SetAllOne()

func metadataKey(token [20]byte) []byte {
	return []byte("token/meta/" + hex.EncodeToString(token[:]))
}

func balanceKey(token [20]byte, account [20]byte) []byte {
	return []byte("token/bal/" + hex.EncodeToString(token[:]) + "/" + hex.EncodeToString(account[:]))
}

func allowanceKey(token [20]byte, owner, spender [20]byte) []byte {
	return []byte("token/alw/" + hex.EncodeToString(token[:]) + "/" + hex.EncodeToString(owner[:]) + "/" + hex.EncodeToString(spender[:]))
}

package vault

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"
)

type storedMintRequest struct {
	ID           uint64
	Sender       [20]byte
	TokenIn      [20]byte
	AmountToken  []byte
	DepositedUSD []byte
	TokenOutRate []byte
	Status       uint8
	SubmittedAt  uint64
	DecidedAt    uint64
}

type storedRedeemRequest struct {
	ID           uint64
	Sender       [20]byte
	TokenOut     [20]byte
	AmountMToken []byte
	MTokenRate   []byte
	TokenOutRate []byte
	Fiat         bool
	Status       uint8
	SubmittedAt  uint64
	DecidedAt    uint64
}

// RequestBook persists mint and redeem requests. Both kinds draw ids from a
// single monotonically increasing counter, so an id identifies exactly one
// request across the whole vault.
type RequestBook struct {
	mu    sync.Mutex
	store Storage
}

// NewRequestBook constructs a request book bound to the provided storage.
func NewRequestBook(store Storage) *RequestBook {
	return &RequestBook{store: store}
}

// CreateMint allocates an id and persists the pending request.
func (b *RequestBook) CreateMint(req *MintRequest) (uint64, error) {
	if b == nil || b.store == nil {
		return 0, fmt.Errorf("vault: request book not initialised")
	}
	if req == nil {
		return 0, ErrRequestNotExist
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.nextID()
	if err != nil {
		return 0, err
	}
	req.ID = id
	req.Status = StatusPending
	if err := b.store.KVPut(mintRequestKey(id), mintToStored(req)); err != nil {
		return 0, err
	}
	if err := b.store.KVAppend(mintIndexKey(), idBytes(id)); err != nil {
		return 0, err
	}
	return id, nil
}

// Mint returns the request stored under the id.
func (b *RequestBook) Mint(id uint64) (*MintRequest, error) {
	if b == nil || b.store == nil {
		return nil, fmt.Errorf("vault: request book not initialised")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var stored storedMintRequest
	ok, err := b.store.KVGet(mintRequestKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestNotExist
	}
	return mintFromStored(stored), nil
}

// UpdateMint persists the mutated request.
func (b *RequestBook) UpdateMint(req *MintRequest) error {
	if b == nil || b.store == nil {
		return fmt.Errorf("vault: request book not initialised")
	}
	if req == nil {
		return ErrRequestNotExist
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ok, err := b.store.KVGet(mintRequestKey(req.ID), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRequestNotExist
	}
	return b.store.KVPut(mintRequestKey(req.ID), mintToStored(req))
}

// MintIDs lists every mint request id in allocation order.
func (b *RequestBook) MintIDs() ([]uint64, error) {
	return b.ids(mintIndexKey())
}

// CreateRedeem allocates an id and persists the pending request.
func (b *RequestBook) CreateRedeem(req *RedeemRequest) (uint64, error) {
	if b == nil || b.store == nil {
		return 0, fmt.Errorf("vault: request book not initialised")
	}
	if req == nil {
		return 0, ErrRequestNotExist
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.nextID()
	if err != nil {
		return 0, err
	}
	req.ID = id
	req.Status = StatusPending
	if err := b.store.KVPut(redeemRequestKey(id), redeemToStored(req)); err != nil {
		return 0, err
	}
	if err := b.store.KVAppend(redeemIndexKey(), idBytes(id)); err != nil {
		return 0, err
	}
	return id, nil
}

// Redeem returns the request stored under the id.
func (b *RequestBook) Redeem(id uint64) (*RedeemRequest, error) {
	if b == nil || b.store == nil {
		return nil, fmt.Errorf("vault: request book not initialised")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var stored storedRedeemRequest
	ok, err := b.store.KVGet(redeemRequestKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestNotExist
	}
	return redeemFromStored(stored), nil
}

// UpdateRedeem persists the mutated request.
func (b *RequestBook) UpdateRedeem(req *RedeemRequest) error {
	if b == nil || b.store == nil {
		return fmt.Errorf("vault: request book not initialised")
	}
	if req == nil {
		return ErrRequestNotExist
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ok, err := b.store.KVGet(redeemRequestKey(req.ID), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRequestNotExist
	}
	return b.store.KVPut(redeemRequestKey(req.ID), redeemToStored(req))
}

// RedeemIDs lists every redeem request id in allocation order.
func (b *RequestBook) RedeemIDs() ([]uint64, error) {
	return b.ids(redeemIndexKey())
}

func (b *RequestBook) ids(key []byte) ([]uint64, error) {
	if b == nil || b.store == nil {
		return nil, fmt.Errorf("vault: request book not initialised")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var raw [][]byte
	if err := b.store.KVGetList(key, &raw); err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			continue
		}
		out = append(out, binary.BigEndian.Uint64(entry))
	}
	return out, nil
}

func (b *RequestBook) nextID() (uint64, error) {
	var current uint64
	if _, err := b.store.KVGet(requestCounterKey(), &current); err != nil {
		return 0, err
	}
	next := current + 1
	if err := b.store.KVPut(requestCounterKey(), next); err != nil {
		return 0, err
	}
	return next, nil
}

func mintToStored(req *MintRequest) storedMintRequest {
	return storedMintRequest{
		ID:           req.ID,
		Sender:       req.Sender,
		TokenIn:      req.TokenIn,
		AmountToken:  bigBytes(req.AmountToken),
		DepositedUSD: bigBytes(req.DepositedUSD),
		TokenOutRate: bigBytes(req.TokenOutRate),
		Status:       uint8(req.Status),
		SubmittedAt:  timeUnix(req.SubmittedAt),
		DecidedAt:    timeUnix(req.DecidedAt),
	}
}

func mintFromStored(stored storedMintRequest) *MintRequest {
	return &MintRequest{
		ID:           stored.ID,
		Sender:       stored.Sender,
		TokenIn:      stored.TokenIn,
		AmountToken:  new(big.Int).SetBytes(stored.AmountToken),
		DepositedUSD: new(big.Int).SetBytes(stored.DepositedUSD),
		TokenOutRate: new(big.Int).SetBytes(stored.TokenOutRate),
		Status:       RequestStatus(stored.Status),
		SubmittedAt:  unixTime(stored.SubmittedAt),
		DecidedAt:    unixTime(stored.DecidedAt),
	}
}

func redeemToStored(req *RedeemRequest) storedRedeemRequest {
	return storedRedeemRequest{
		ID:           req.ID,
		Sender:       req.Sender,
		TokenOut:     req.TokenOut,
		AmountMToken: bigBytes(req.AmountMToken),
		MTokenRate:   bigBytes(req.MTokenRate),
		TokenOutRate: bigBytes(req.TokenOutRate),
		Fiat:         req.Fiat,
		Status:       uint8(req.Status),
		SubmittedAt:  timeUnix(req.SubmittedAt),
		DecidedAt:    timeUnix(req.DecidedAt),
	}
}

func redeemFromStored(stored storedRedeemRequest) *RedeemRequest {
	return &RedeemRequest{
		ID:           stored.ID,
		Sender:       stored.Sender,
		TokenOut:     stored.TokenOut,
		AmountMToken: new(big.Int).SetBytes(stored.AmountMToken),
		MTokenRate:   new(big.Int).SetBytes(stored.MTokenRate),
		TokenOutRate: new(big.Int).SetBytes(stored.TokenOutRate),
		Fiat:         stored.Fiat,
		Status:       RequestStatus(stored.Status),
		SubmittedAt:  unixTime(stored.SubmittedAt),
		DecidedAt:    unixTime(stored.DecidedAt),
	}
}

func bigBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

func timeUnix(ts time.Time) uint64 {
	if ts.IsZero() {
		return 0
	}
	return uint64(ts.Unix())
}

func unixTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

func idBytes(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func requestCounterKey() []byte {
	return []byte("vault/requests/next")
}

func mintRequestKey(id uint64) []byte {
	return []byte(fmt.Sprintf("vault/requests/mint/%d", id))
}

func redeemRequestKey(id uint64) []byte {
	return []byte(fmt.Sprintf("vault/requests/redeem/%d", id))
}

func mintIndexKey() []byte {
	return []byte("vault/requests/mint/index")
}

func redeemIndexKey() []byte {
	return []byte("vault/requests/redeem/index")
}

package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"mvault/storage"
)

func newTestBook(t *testing.T) *RequestBook {
	t.Helper()
	return NewRequestBook(storage.NewKVStore(storage.NewMemDB()))
}

func TestRequestBookSharedCounter(t *testing.T) {
	book := newTestBook(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mintID, err := book.CreateMint(&MintRequest{Sender: testAddr(0x02), AmountToken: units(100, 18), DepositedUSD: units(100, 18), SubmittedAt: now})
	if err != nil {
		t.Fatalf("create mint: %v", err)
	}
	redeemID, err := book.CreateRedeem(&RedeemRequest{Sender: testAddr(0x02), AmountMToken: units(20, 18), MTokenRate: units(5, 18), TokenOutRate: units(1, 18), SubmittedAt: now})
	if err != nil {
		t.Fatalf("create redeem: %v", err)
	}
	mintID2, err := book.CreateMint(&MintRequest{Sender: testAddr(0x02), AmountToken: units(50, 18), DepositedUSD: units(50, 18), SubmittedAt: now})
	if err != nil {
		t.Fatalf("create mint: %v", err)
	}
	if mintID != 1 || redeemID != 2 || mintID2 != 3 {
		t.Fatalf("ids = %d, %d, %d; want 1, 2, 3", mintID, redeemID, mintID2)
	}
}

func TestRequestBookRoundTrip(t *testing.T) {
	book := newTestBook(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id, err := book.CreateRedeem(&RedeemRequest{
		Sender:       testAddr(0x02),
		TokenOut:     testAddr(0x10),
		AmountMToken: units(20, 18),
		MTokenRate:   units(5, 18),
		TokenOutRate: units(1, 18),
		SubmittedAt:  now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req, err := book.Redeem(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if req.Status != StatusPending || req.Fiat {
		t.Fatalf("unexpected request: %+v", req)
	}
	checkAmount(t, req.AmountMToken, units(20, 18), "amount")
	checkAmount(t, req.MTokenRate, units(5, 18), "mtoken rate")
	if !req.SubmittedAt.Equal(now) {
		t.Fatalf("submitted at = %v, want %v", req.SubmittedAt, now)
	}
	if !req.DecidedAt.IsZero() {
		t.Fatalf("fresh request has decision time %v", req.DecidedAt)
	}

	req.Status = StatusApproved
	req.TokenOutRate = units(101, 16)
	req.DecidedAt = now.Add(time.Hour)
	if err := book.UpdateRedeem(req); err != nil {
		t.Fatalf("update: %v", err)
	}
	reloaded, err := book.Redeem(id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != StatusApproved {
		t.Fatalf("status = %v, want approved", reloaded.Status)
	}
	checkAmount(t, reloaded.TokenOutRate, units(101, 16), "decided rate")
}

func TestRequestBookMissingRequests(t *testing.T) {
	book := newTestBook(t)
	if _, err := book.Mint(7); !errors.Is(err, ErrRequestNotExist) {
		t.Fatalf("expected ErrRequestNotExist, got %v", err)
	}
	if _, err := book.Redeem(7); !errors.Is(err, ErrRequestNotExist) {
		t.Fatalf("expected ErrRequestNotExist, got %v", err)
	}
	if err := book.UpdateMint(&MintRequest{ID: 7, AmountToken: big.NewInt(1)}); !errors.Is(err, ErrRequestNotExist) {
		t.Fatalf("expected ErrRequestNotExist, got %v", err)
	}
}

func TestRequestBookIndexes(t *testing.T) {
	book := newTestBook(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := book.CreateMint(&MintRequest{Sender: testAddr(0x02), AmountToken: units(1, 18), DepositedUSD: units(1, 18), SubmittedAt: now}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := book.CreateRedeem(&RedeemRequest{Sender: testAddr(0x02), AmountMToken: units(1, 18), MTokenRate: units(5, 18), TokenOutRate: units(1, 18), SubmittedAt: now}); err != nil {
		t.Fatalf("create redeem: %v", err)
	}
	mintIDs, err := book.MintIDs()
	if err != nil {
		t.Fatalf("mint ids: %v", err)
	}
	redeemIDs, err := book.RedeemIDs()
	if err != nil {
		t.Fatalf("redeem ids: %v", err)
	}
	if len(mintIDs) != 3 || mintIDs[0] != 1 || mintIDs[2] != 3 {
		t.Fatalf("mint ids = %v", mintIDs)
	}
	if len(redeemIDs) != 1 || redeemIDs[0] != 4 {
		t.Fatalf("redeem ids = %v", redeemIDs)
	}
}

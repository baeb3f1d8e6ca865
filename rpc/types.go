package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mvault/native/oracle"
	"mvault/native/vault"
)

type errorResponse struct {
	Error string `json:"error"`
}

type depositInstantRequest struct {
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	MinReceive string `json:"minReceive,omitempty"`
}

type depositRequestRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type redeemInstantRequest struct {
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	MinReceive string `json:"minReceive,omitempty"`
}

type redeemRequestRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type redeemFiatRequest struct {
	Amount string `json:"amount"`
}

type approveRequest struct {
	Rate        string  `json:"rate,omitempty"`
	Safe        bool    `json:"safe,omitempty"`
	FeeOverride *uint32 `json:"feeOverride,omitempty"`
}

type settlementResponse struct {
	Reference string `json:"reference"`
	Minted    string `json:"minted,omitempty"`
	AmountOut string `json:"amountOut,omitempty"`
	Fee       string `json:"fee"`
}

type requestCreatedResponse struct {
	Reference string `json:"reference"`
	ID        uint64 `json:"id"`
}

type decisionResponse struct {
	Reference string `json:"reference"`
	ID        uint64 `json:"id"`
	Status    string `json:"status"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	Feed      string `json:"feed,omitempty"`
	FeeBps    uint32 `json:"feeBps"`
	Allowance string `json:"allowance,omitempty"`
	Stable    bool   `json:"stable"`
}

type mintedResponse struct {
	Account string `json:"account"`
	Minted  string `json:"minted"`
}

type publishRoundRequest struct {
	Answer string `json:"answer"`
	Safe   bool   `json:"safe,omitempty"`
}

type roundResponse struct {
	RoundID   uint64 `json:"roundId"`
	Answer    string `json:"answer"`
	StartedAt int64  `json:"startedAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type limitResponse struct {
	Limit    string `json:"limit,omitempty"`
	Consumed string `json:"consumed"`
}

type mintRequestResponse struct {
	ID           uint64 `json:"id"`
	Sender       string `json:"sender"`
	TokenIn      string `json:"tokenIn"`
	AmountToken  string `json:"amountToken"`
	DepositedUSD string `json:"depositedUsd"`
	TokenOutRate string `json:"tokenOutRate,omitempty"`
	Status       string `json:"status"`
	SubmittedAt  string `json:"submittedAt"`
	DecidedAt    string `json:"decidedAt,omitempty"`
}

type redeemRequestResponse struct {
	ID           uint64 `json:"id"`
	Sender       string `json:"sender"`
	TokenOut     string `json:"tokenOut"`
	AmountMToken string `json:"amountMToken"`
	MTokenRate   string `json:"mTokenRate"`
	TokenOutRate string `json:"tokenOutRate,omitempty"`
	Fiat         bool   `json:"fiat"`
	Status       string `json:"status"`
	SubmittedAt  string `json:"submittedAt"`
	DecidedAt    string `json:"decidedAt,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

func decodeBody(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be a positive decimal integer")
	}
	return value, nil
}

func parseOptionalAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(raw)
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return ""
	}
	return amount.String()
}

func formatAddress(addr [20]byte) string {
	return common.BytesToAddress(addr[:]).Hex()
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func roundToResponse(round oracle.Round) roundResponse {
	return roundResponse{
		RoundID:   round.RoundID,
		Answer:    formatAmount(round.Answer),
		StartedAt: round.StartedAt,
		UpdatedAt: round.UpdatedAt,
	}
}

func tokenToResponse(cfg vault.TokenConfig) tokenResponse {
	return tokenResponse{
		Token:     formatAddress(cfg.Token),
		Feed:      cfg.FeedName,
		FeeBps:    cfg.FeeBps,
		Allowance: formatAmount(cfg.Allowance),
		Stable:    cfg.Stable,
	}
}

func mintToResponse(req *vault.MintRequest) mintRequestResponse {
	return mintRequestResponse{
		ID:           req.ID,
		Sender:       formatAddress(req.Sender),
		TokenIn:      formatAddress(req.TokenIn),
		AmountToken:  formatAmount(req.AmountToken),
		DepositedUSD: formatAmount(req.DepositedUSD),
		TokenOutRate: formatAmount(req.TokenOutRate),
		Status:       req.Status.String(),
		SubmittedAt:  formatTime(req.SubmittedAt),
		DecidedAt:    formatTime(req.DecidedAt),
	}
}

func redeemToResponse(req *vault.RedeemRequest) redeemRequestResponse {
	return redeemRequestResponse{
		ID:           req.ID,
		Sender:       formatAddress(req.Sender),
		TokenOut:     formatAddress(req.TokenOut),
		AmountMToken: formatAmount(req.AmountMToken),
		MTokenRate:   formatAmount(req.MTokenRate),
		TokenOutRate: formatAmount(req.TokenOutRate),
		Fiat:         req.Fiat,
		Status:       req.Status.String(),
		SubmittedAt:  formatTime(req.SubmittedAt),
		DecidedAt:    formatTime(req.DecidedAt),
	}
}

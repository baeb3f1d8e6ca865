package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mvault/audit"
	"mvault/native/access"
	"mvault/native/oracle"
	"mvault/native/vault"
	"mvault/observability"
)

// Audit exposes the slice of the audit store the API serves.
type Audit interface {
	ExportCSV(since, until time.Time) ([]byte, string, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine        *vault.Engine
	Audit         Audit
	Feeds         map[string]*oracle.CustomFeed
	JWTSecret     []byte
	RatePerMinute float64
	RateBurst     int
}

// Server exposes the settlement engine over HTTP.
type Server struct {
	engine *vault.Engine
	audit  Audit
	feeds  map[string]*oracle.CustomFeed
	router http.Handler
}

// New constructs a configured router with authentication, per-caller rate
// limiting and request tracing.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("rpc: engine required")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("rpc: jwt secret required")
	}
	srv := &Server{engine: cfg.Engine, audit: cfg.Audit, feeds: cfg.Feeds}
	srv.router = srv.buildRouter(cfg)
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	limiter := NewRateLimiter(cfg.RatePerMinute, cfg.RateBurst)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(recordMetrics)
	r.Use(Authenticate(cfg.JWTSecret))
	r.Use(limiter.Middleware)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/deposits/instant", s.DepositInstant)
		api.Post("/deposits/requests", s.DepositRequest)
		api.Post("/redemptions/instant", s.RedeemInstant)
		api.Post("/redemptions/requests", s.RedeemRequest)
		api.Post("/redemptions/fiat", s.RedeemFiat)

		api.Post("/requests/mint/{id}/approve", s.ApproveMint)
		api.Post("/requests/mint/{id}/reject", s.RejectMint)
		api.Post("/requests/redeem/{id}/approve", s.ApproveRedeem)
		api.Post("/requests/redeem/{id}/reject", s.RejectRedeem)

		api.Get("/tokens", s.ListTokens)
		api.Get("/limit", s.GetDailyLimit)
		api.Get("/accounts/{address}/minted", s.GetMintedTotal)
		api.Get("/feeds/{name}/latest", s.GetLatestRound)
		api.Get("/feeds/{name}/rounds/{round}", s.GetRound)
		api.Post("/feeds/{name}/rounds", s.PublishRound)
		api.Get("/requests/mint", s.ListMintRequests)
		api.Get("/requests/mint/{id}", s.GetMintRequest)
		api.Get("/requests/redeem", s.ListRedeemRequests)
		api.Get("/requests/redeem/{id}", s.GetRedeemRequest)

		api.With(RequireRole(string(access.RoleVaultAdmin), "auditor")).
			Get("/audit/export", s.ExportAudit)
	})
	return otelhttp.NewHandler(r, "vault.api")
}

func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		observability.ModuleMetrics().Observe("vault", r.Method+" "+r.URL.Path, ww.Status(), time.Since(started))
	})
}

// DepositInstant swaps a payment token for freshly minted mToken at the
// current oracle rate.
func (s *Server) DepositInstant(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var body depositInstantRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := parseAddress(body.Token)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token address")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	minReceive, err := parseOptionalAmount(body.MinReceive)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.engine.DepositInstant(caller, token, amount, minReceive)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementResponse{
		Reference: uuid.NewString(),
		Minted:    formatAmount(result.Minted),
		Fee:       formatAmount(result.FeeToken),
	})
}

// DepositRequest escrows a deposit for asynchronous operator approval.
func (s *Server) DepositRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var body depositRequestRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := parseAddress(body.Token)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token address")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.engine.DepositRequest(caller, token, amount)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, requestCreatedResponse{Reference: uuid.NewString(), ID: id})
}

// RedeemInstant burns mToken and pays out a payment token immediately.
func (s *Server) RedeemInstant(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var body redeemInstantRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := parseAddress(body.Token)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token address")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	minReceive, err := parseOptionalAmount(body.MinReceive)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.engine.RedeemInstant(caller, token, amount, minReceive)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementResponse{
		Reference: uuid.NewString(),
		AmountOut: formatAmount(result.AmountTokenOut),
		Fee:       formatAmount(result.FeeMToken),
	})
}

// RedeemRequest escrows mToken for asynchronous redemption approval.
func (s *Server) RedeemRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var body redeemRequestRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := parseAddress(body.Token)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token address")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.engine.RedeemRequest(caller, token, amount)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, requestCreatedResponse{Reference: uuid.NewString(), ID: id})
}

// RedeemFiat escrows mToken for an off-chain fiat payout.
func (s *Server) RedeemFiat(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var body redeemFiatRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.engine.RedeemFiatRequest(caller, amount)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, requestCreatedResponse{Reference: uuid.NewString(), ID: id})
}

// ApproveMint settles a pending mint request at the supplied rate.
func (s *Server) ApproveMint(w http.ResponseWriter, r *http.Request) {
	caller, id, body, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}
	rate, err := parseAmount(body.Rate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "rate required")
		return
	}
	if body.Safe {
		err = s.engine.SafeApproveMintRequest(caller, id, rate, body.FeeOverride)
	} else {
		err = s.engine.ApproveMintRequest(caller, id, rate, body.FeeOverride)
	}
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decisionResponse{Reference: uuid.NewString(), ID: id, Status: vault.StatusApproved.String()})
}

// RejectMint declines a pending mint request and releases nothing.
func (s *Server) RejectMint(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.decodeID(w, r)
	if !ok {
		return
	}
	if err := s.engine.RejectMintRequest(caller, id); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decisionResponse{Reference: uuid.NewString(), ID: id, Status: vault.StatusRejected.String()})
}

// ApproveRedeem settles a pending redemption. Fiat redemptions take no rate.
func (s *Server) ApproveRedeem(w http.ResponseWriter, r *http.Request) {
	caller, id, body, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}
	rate, err := parseOptionalAmount(body.Rate)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Safe {
		err = s.engine.SafeApproveRedeemRequest(caller, id, rate)
	} else {
		err = s.engine.ApproveRedeemRequest(caller, id, rate)
	}
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decisionResponse{Reference: uuid.NewString(), ID: id, Status: vault.StatusApproved.String()})
}

// RejectRedeem declines a pending redemption and returns the escrow.
func (s *Server) RejectRedeem(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.decodeID(w, r)
	if !ok {
		return
	}
	if err := s.engine.RejectRedeemRequest(caller, id); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decisionResponse{Reference: uuid.NewString(), ID: id, Status: vault.StatusRejected.String()})
}

// ListTokens returns every active payment token.
func (s *Server) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.engine.Tokens()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	out := make([]tokenResponse, 0, len(tokens))
	for _, cfg := range tokens {
		out = append(out, tokenToResponse(cfg))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetDailyLimit reports the configured limit and today's consumption.
func (s *Server) GetDailyLimit(w http.ResponseWriter, r *http.Request) {
	limit, consumed, err := s.engine.DailyLimit()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, limitResponse{Limit: formatAmount(limit), Consumed: formatAmount(consumed)})
}

// ListMintRequests lists mint request ids in allocation order.
func (s *Server) ListMintRequests(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.MintRequestIDs()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ids)
}

// GetMintRequest returns a single mint request by id.
func (s *Server) GetMintRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.engine.GetMintRequest(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mintToResponse(req))
}

// ListRedeemRequests lists redeem request ids in allocation order.
func (s *Server) ListRedeemRequests(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.RedeemRequestIDs()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ids)
}

// GetRedeemRequest returns a single redeem request by id.
func (s *Server) GetRedeemRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.engine.GetRedeemRequest(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, redeemToResponse(req))
}

// GetMintedTotal reports the cumulative mToken ever minted to an account.
func (s *Server) GetMintedTotal(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	minted, err := s.engine.TotalMinted(addr)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mintedResponse{Account: formatAddress(addr), Minted: formatAmount(minted)})
}

// PublishRound appends a price round to a custom feed. The feed itself
// enforces the feed-admin role, bounds and the optional deviation guard.
func (s *Server) PublishRound(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	feed, ok := s.feeds[chi.URLParam(r, "name")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown feed")
		return
	}
	var body publishRoundRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	answer, err := parseAmount(body.Answer)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := chi.URLParam(r, "name")
	if body.Safe {
		err = feed.SetRoundDataSafe(caller, answer)
	} else {
		err = feed.SetRoundData(caller, answer)
	}
	if err != nil {
		if errors.Is(err, oracle.ErrAnswerOutOfBounds) || errors.Is(err, oracle.ErrDeviationExceeded) {
			observability.Oracle().RecordRejection(name, err.Error())
		}
		respondFeedError(w, err)
		return
	}
	round, err := feed.LatestRoundData()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	observability.Oracle().RecordRate(name, round.Answer, feed.Decimals())
	respondJSON(w, http.StatusCreated, roundToResponse(round))
}

// GetLatestRound returns the most recent round of a custom feed.
func (s *Server) GetLatestRound(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.feeds[chi.URLParam(r, "name")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown feed")
		return
	}
	round, err := feed.LatestRoundData()
	if err != nil {
		respondFeedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, roundToResponse(round))
}

// GetRound returns a historical feed round by id.
func (s *Server) GetRound(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.feeds[chi.URLParam(r, "name")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown feed")
		return
	}
	roundID, err := strconv.ParseUint(chi.URLParam(r, "round"), 10, 64)
	if err != nil || roundID == 0 {
		respondError(w, http.StatusBadRequest, "invalid round id")
		return
	}
	round, err := feed.GetRoundData(roundID)
	if err != nil {
		respondFeedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, roundToResponse(round))
}

func respondFeedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, oracle.ErrUnauthorized):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, oracle.ErrRoundNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, oracle.ErrAnswerOutOfBounds),
		errors.Is(err, oracle.ErrDeviationExceeded):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// ExportAudit streams the audit trail as CSV with an integrity checksum
// header. The window defaults to the trailing 30 days.
func (s *Server) ExportAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondError(w, http.StatusNotFound, "audit store not configured")
		return
	}
	until := time.Now().UTC()
	since := until.AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		until = parsed
	}
	payload, checksum, err := s.audit.ExportCSV(since, until)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("X-Checksum-Sha256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) decodeDecision(w http.ResponseWriter, r *http.Request) ([20]byte, uint64, approveRequest, bool) {
	caller, id, ok := s.decodeID(w, r)
	if !ok {
		return [20]byte{}, 0, approveRequest{}, false
	}
	var body approveRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return [20]byte{}, 0, approveRequest{}, false
		}
	}
	return caller, id, body, true
}

func (s *Server) decodeID(w http.ResponseWriter, r *http.Request) ([20]byte, uint64, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return [20]byte{}, 0, false
	}
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return [20]byte{}, 0, false
	}
	return caller, id, true
}

func parseID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid request id")
	}
	return id, nil
}

func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, vault.ErrPaused),
		errors.Is(err, vault.ErrSanctioned),
		errors.Is(err, vault.ErrBlacklisted),
		errors.Is(err, vault.ErrNotGreenlisted):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, vault.ErrRequestNotExist),
		errors.Is(err, vault.ErrTokenNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, vault.ErrRequestNotPending):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrInvalidRounding),
		errors.Is(err, vault.ErrBelowMinimum),
		errors.Is(err, vault.ErrSlippageExceeded),
		errors.Is(err, vault.ErrFeeTooHigh),
		errors.Is(err, vault.ErrPriceDeviationExceeded),
		errors.Is(err, vault.ErrZeroAddress):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrExceedsAllowance),
		errors.Is(err, vault.ErrExceedsDailyLimit),
		errors.Is(err, vault.ErrReserveRedemptionExceedsBalance),
		errors.Is(err, vault.ErrRouteUnderfunded),
		errors.Is(err, vault.ErrNoRedeemRoute),
		errors.Is(err, vault.ErrInsufficientBalance),
		errors.Is(err, vault.ErrInsufficientApproval):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

var _ Audit = (*audit.Store)(nil)

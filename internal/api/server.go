// Package api exposes the settlement engine over HTTP.
//
// Every mutating route acts with the capability carried by the request's
// bearer token. Failures are returned as {"error", "code", "retryable"}.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/swap"
	"github.com/atmx/settlement-engine/internal/vault"
)

// Server holds the components behind the HTTP routes.
type Server struct {
	registry *pricing.Registry
	venue    *swap.Venue
	ledger   *ledger.Ledger
	vault    *vault.Vault
	hub      *events.Hub
}

// NewServer creates the HTTP handlers.
func NewServer(registry *pricing.Registry, venue *swap.Venue, l *ledger.Ledger, v *vault.Vault, hub *events.Hub) *Server {
	return &Server{registry: registry, venue: venue, ledger: l, vault: v, hub: hub}
}

// Routes mounts the authenticated API on r. verifier may be nil in tests
// that inject capabilities themselves.
func (s *Server) Routes(r chi.Router, verifier *auth.Verifier, limiter *RateLimiter) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	r.Group(func(r chi.Router) {
		if verifier != nil {
			r.Use(verifier.Middleware)
		}
		if limiter != nil {
			r.Use(limiter.Middleware)
		}

		// Price registry.
		r.Get("/assets", s.ListAssets)
		r.Get("/pairs", s.ListPairs)
		r.Post("/pairs", s.AddPair)
		r.Get("/pairs/{pairID}/price", s.GetPrice)
		r.Put("/pairs/{pairID}/price", s.PublishPrice)

		// Conversion venue.
		r.Post("/quotes/in", s.QuoteIn)
		r.Post("/quotes/out", s.QuoteOut)
		r.Get("/pools", s.ListPools)
		r.Post("/pools", s.AddPool)
		r.Delete("/pools/{poolID}", s.RemovePool)

		// Fund ledger.
		r.Post("/releases/{releaseID}/funds", s.AddToFund)
		r.Post("/releases/{releaseID}/cancel", s.CancelReleaseFunds)
		r.Get("/releases/{releaseID}/has-funds", s.ReleaseHasFunds)
		r.Get("/releases/{releaseID}/funds/{participant}", s.Balances)
		r.Post("/releases/{releaseID}/claims/{participant}", s.ClaimFunds)
		r.Post("/participants/{participant}/claim-all", s.ClaimAllFunds)

		// Purchase vault.
		r.Post("/intents", s.CreateIntent)
		r.Post("/intents/estimate", s.CanFundPurchase)
		r.Get("/intents/{intentID}", s.GetIntent)
		r.Get("/intents/{intentID}/remaining", s.RemainingUsd)
		r.Post("/intents/{intentID}/execute", s.ExecuteIntent)
		r.Post("/intents/{intentID}/settle", s.SettleIntent)

		r.Get("/events", s.RecentEvents)
	})
}

func caller(r *http.Request) auth.Capability {
	c, _ := auth.FromContext(r.Context())
	return c
}

// decode reads a JSON body; an empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", model.ErrParam, err)
	}
	return nil
}

// --- Price registry ---

// AddPairRequest registers a pair served by a static feed.
type AddPairRequest struct {
	Base     model.CurrencyCode `json:"base"`
	Quote    model.CurrencyCode `json:"quote"`
	Price    decimal.Decimal    `json:"price"`
	Decimals int32              `json:"decimals"`
}

// PriceRequest publishes a static observation.
type PriceRequest struct {
	Price    decimal.Decimal `json:"price"`
	Decimals int32           `json:"decimals"`
}

// ListAssets handles GET /api/v1/assets
func (s *Server) ListAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"assets": s.registry.GetAssets()})
}

// ListPairs handles GET /api/v1/pairs?quote=USD
func (s *Server) ListPairs(w http.ResponseWriter, r *http.Request) {
	pairs := s.registry.GetPairs()
	if quote := r.URL.Query().Get("quote"); quote != "" {
		pairs = s.registry.GetPairsByQuoteAsset(model.CurrencyCode(quote))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

// AddPair handles POST /api/v1/pairs
func (s *Server) AddPair(w http.ResponseWriter, r *http.Request) {
	var req AddPairRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	feed := pricing.NewStatic(pricing.StaticName(req.Base, req.Quote))
	if err := feed.Set(req.Price, req.Decimals, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.registry.AddPair(r.Context(), caller(r), req.Base, req.Quote, feed)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("price pair added", "pair", rec.PairID, "base", rec.BaseAsset, "quote", rec.QuoteAsset)
	writeJSON(w, http.StatusCreated, rec)
}

// GetPrice handles GET /api/v1/pairs/{pairID}/price?max_age=30s
func (s *Server) GetPrice(w http.ResponseWriter, r *http.Request) {
	pairID := chi.URLParam(r, "pairID")
	var (
		p   model.PriceData
		err error
	)
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		maxAge, perr := time.ParseDuration(raw)
		if perr != nil {
			writeError(w, fmt.Errorf("%w: max_age: %v", model.ErrParam, perr))
			return
		}
		p, err = s.registry.GetPriceNoOlderThan(r.Context(), pairID, maxAge)
	} else {
		p, err = s.registry.GetPrice(r.Context(), pairID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PublishPrice handles PUT /api/v1/pairs/{pairID}/price
func (s *Server) PublishPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pairID := chi.URLParam(r, "pairID")
	if err := s.registry.PublishStatic(r.Context(), caller(r), pairID, req.Price, req.Decimals); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Venue ---

// QuoteRequest asks for either direction of quote. Amount is the exact side:
// target for /quotes/in, source for /quotes/out.
type QuoteRequest struct {
	Source model.CurrencyCode `json:"source"`
	Target model.CurrencyCode `json:"target"`
	Amount decimal.Decimal    `json:"amount"`
}

// QuoteIn handles POST /api/v1/quotes/in
func (s *Server) QuoteIn(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	q, err := s.venue.QuoteSwapIn(r.Context(), swap.QuoteInRequest{Source: req.Source, Target: req.Target, TargetAmount: req.Amount})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// QuoteOut handles POST /api/v1/quotes/out
func (s *Server) QuoteOut(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	q, err := s.venue.QuoteSwapOut(r.Context(), swap.QuoteOutRequest{Source: req.Source, Target: req.Target, SourceAmount: req.Amount})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ListPools handles GET /api/v1/pools
func (s *Server) ListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pools": s.venue.Pools()})
}

// AddPool handles POST /api/v1/pools
func (s *Server) AddPool(w http.ResponseWriter, r *http.Request) {
	var req swap.PoolSpec
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.venue.AddPool(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("pool added", "pool", p.ID, "provider", req.Provider)
	writeJSON(w, http.StatusCreated, p)
}

// RemovePool handles DELETE /api/v1/pools/{poolID}?recipient=acct
func (s *Server) RemovePool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "poolID")
	recipient := model.Address(r.URL.Query().Get("recipient"))
	if err := s.venue.RemovePool(r.Context(), caller(r), id, recipient); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Ledger ---

// AddToFund handles POST /api/v1/releases/{releaseID}/funds
func (s *Server) AddToFund(w http.ResponseWriter, r *http.Request) {
	var req ledger.AddToFund
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Release = model.ReleaseID(chi.URLParam(r, "releaseID"))
	entry, err := s.ledger.HandleAddToFund(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// CancelReleaseFunds handles POST /api/v1/releases/{releaseID}/cancel
func (s *Server) CancelReleaseFunds(w http.ResponseWriter, r *http.Request) {
	var req ledger.CancelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Release = model.ReleaseID(chi.URLParam(r, "releaseID"))
	page, err := s.ledger.HandleCancelReleaseFunds(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("release funds cancelled", "release", req.Release, "processed", page.Processed)
	writeJSON(w, http.StatusOK, page)
}

// ReleaseHasFunds handles GET /api/v1/releases/{releaseID}/has-funds
func (s *Server) ReleaseHasFunds(w http.ResponseWriter, r *http.Request) {
	release := model.ReleaseID(chi.URLParam(r, "releaseID"))
	has, err := s.ledger.ReleaseHasFunds(r.Context(), release)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"release_id": release, "has_funds": has})
}

// Balances handles GET /api/v1/releases/{releaseID}/funds/{participant}
func (s *Server) Balances(w http.ResponseWriter, r *http.Request) {
	release := model.ReleaseID(chi.URLParam(r, "releaseID"))
	participant := model.Address(chi.URLParam(r, "participant"))
	funds, err := s.ledger.Balances(r.Context(), release, participant)
	if err != nil {
		writeError(w, err)
		return
	}
	if funds == nil {
		funds = []model.FundEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"funds": funds})
}

// ClaimFunds handles POST /api/v1/releases/{releaseID}/claims/{participant}
func (s *Server) ClaimFunds(w http.ResponseWriter, r *http.Request) {
	var opts ledger.ClaimOptions
	if err := decode(r, &opts); err != nil {
		writeError(w, err)
		return
	}
	release := model.ReleaseID(chi.URLParam(r, "releaseID"))
	participant := model.Address(chi.URLParam(r, "participant"))
	res, err := s.ledger.ClaimFunds(r.Context(), caller(r), release, participant, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("funds claimed",
		"release", release,
		"participant", participant,
		"currency", res.PayoutCurrency,
		"amount", res.Paid.String(),
	)
	writeJSON(w, http.StatusOK, res)
}

// ClaimAllFunds handles POST /api/v1/participants/{participant}/claim-all
func (s *Server) ClaimAllFunds(w http.ResponseWriter, r *http.Request) {
	var opts ledger.ClaimOptions
	if err := decode(r, &opts); err != nil {
		writeError(w, err)
		return
	}
	participant := model.Address(chi.URLParam(r, "participant"))
	res, err := s.ledger.ClaimAllFunds(r.Context(), caller(r), participant, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Vault ---

// CreateIntentRequest is the JSON body of POST /intents.
type CreateIntentRequest struct {
	ReleaseID     model.ReleaseID `json:"release_id"`
	TotalUsdCents int64           `json:"total_usd_cents"`
}

// EstimateRequest is the JSON body of POST /intents/estimate.
type EstimateRequest struct {
	UsdCents int64                  `json:"usd_cents"`
	Context  model.ExecutionContext `json:"context"`
}

// ExecuteRequest is the JSON body of POST /intents/{intentID}/execute.
type ExecuteRequest struct {
	TokenHint model.CurrencyCode     `json:"token_hint"`
	Context   model.ExecutionContext `json:"context"`
}

// CreateIntent handles POST /api/v1/intents
func (s *Server) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	intent, err := s.vault.CreateIntent(r.Context(), caller(r), req.ReleaseID, req.TotalUsdCents)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("intent created", "intent", intent.ID, "release", intent.ReleaseID, "usd_cents", intent.TotalUsdCents)
	writeJSON(w, http.StatusCreated, intent)
}

// CanFundPurchase handles POST /api/v1/intents/estimate
func (s *Server) CanFundPurchase(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	funding, err := s.vault.CanFundPurchase(r.Context(), req.UsdCents, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, funding)
}

// GetIntent handles GET /api/v1/intents/{intentID}
func (s *Server) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.vault.GetIntent(r.Context(), chi.URLParam(r, "intentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// RemainingUsd handles GET /api/v1/intents/{intentID}/remaining
func (s *Server) RemainingUsd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "intentID")
	remaining, err := s.vault.RemainingUsd(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "remaining_usd_cents": remaining})
}

// ExecuteIntent handles POST /api/v1/intents/{intentID}/execute
func (s *Server) ExecuteIntent(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "intentID")
	exe, err := s.vault.ExecuteIntent(r.Context(), caller(r), id, req.TokenHint, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("intent executed", "intent", id, "currency", exe.Token, "amount", exe.TokenAmount.String())
	writeJSON(w, http.StatusOK, exe)
}

// SettleIntent handles POST /api/v1/intents/{intentID}/settle
func (s *Server) SettleIntent(w http.ResponseWriter, r *http.Request) {
	var req vault.SettleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ID = chi.URLParam(r, "intentID")
	intent, err := s.vault.SettleIntent(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("intent settled", "intent", intent.ID, "actual_usd_cents", intent.ActualUsdCents)
	writeJSON(w, http.StatusOK, intent)
}

// RecentEvents handles GET /api/v1/events?limit=50
func (s *Server) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive integer", model.ErrParam))
			return
		}
		limit = n
	}
	var evts []model.Event
	if s.hub != nil {
		evts = s.hub.Recent(limit)
	}
	if evts == nil {
		evts = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/oracle"
	"lendcore/observability"
	"lendcore/services/lendingd/eventstore"
)

const maxBodyBytes = 1 << 20

// Engine is the lending engine surface served over HTTP.
type Engine interface {
	Config() lending.Config
	RegisterAccount(id lending.AccountID) error
	Deposit(ctx context.Context, account lending.AccountID, token lending.TokenID, amount *big.Int, actions []lending.Action, prices *lending.Prices) error
	Execute(ctx context.Context, account lending.AccountID, actions []lending.Action, prices *lending.Prices) error
	MarginDeposit(ctx context.Context, account lending.AccountID, token lending.TokenID, amount *big.Int) error
	MarginExecute(ctx context.Context, account lending.AccountID, actions []lending.MarginAction, prices *lending.Prices) error
	OnSwapReturn(ctx context.Context, ref lending.SwapReference, amountOut *big.Int) error
	OnSwapFailed(ctx context.Context, ref lending.SwapReference) error
	OnTransferResult(ctx context.Context, id string, success bool) error
	DepositToReserve(ctx context.Context, token lending.TokenID, amount *big.Int) error
	ClaimBeneficiaryFees(ctx context.Context, account lending.AccountID, token lending.TokenID) error
	WithdrawProtocolFees(ctx context.Context, caller lending.AccountID, token lending.TokenID, amount *big.Int, recipient lending.AccountID) error
	SyncLPTokenInfo(ctx context.Context, token lending.TokenID, info lending.UnitShareTokens) error
	Asset(token lending.TokenID) (*lending.AssetView, error)
	Assets() ([]*lending.AssetView, error)
	Account(id lending.AccountID, prices *lending.Prices) (*lending.AccountView, error)
	MarginAccount(id lending.AccountID, prices *lending.Prices) (*lending.MarginAccountView, error)
	ProtocolDebts() (map[lending.TokenID]*big.Int, error)
	PendingTransfer(id string) (*lending.TransferRequest, error)
}

// PriceSource produces the price set handed to every batch.
type PriceSource interface {
	Prices(ctx context.Context, tokens []lending.TokenID) *lending.Prices
	Health() []oracle.FeedHealth
}

// EventQuerier reads persisted engine events.
type EventQuerier interface {
	Query(ctx context.Context, f eventstore.Filter) ([]eventstore.StoredEvent, error)
}

// Config wires the server dependencies.
type Config struct {
	Engine     Engine
	Prices     PriceSource
	Events     EventQuerier
	Hub        *Hub
	Auth       *Authenticator
	RateLimit  *RateLimiter
	Quota      *common.QuotaTracker
	ExportsDir string
	Logger     *slog.Logger
}

// Server exposes the lending engine over HTTP/JSON.
type Server struct {
	engine     Engine
	prices     PriceSource
	events     EventQuerier
	hub        *Hub
	auth       *Authenticator
	limiter    *RateLimiter
	quota      *common.QuotaTracker
	exportsDir string
	logger     *slog.Logger
	router     chi.Router
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(0)
	}
	s := &Server{
		engine:     cfg.Engine,
		prices:     cfg.Prices,
		events:     cfg.Events,
		hub:        hub,
		auth:       cfg.Auth,
		limiter:    cfg.RateLimit,
		quota:      cfg.Quota,
		exportsDir: strings.TrimSpace(cfg.ExportsDir),
		logger:     logger,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the live event fan-out fed by the engine emitter chain.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Callbacks)
			r.Use(s.limiter.Middleware)
			r.Post("/accounts/{id}/deposit", s.handleDeposit)
			r.Post("/margin/{id}/deposit", s.handleMarginDeposit)
			r.Post("/callbacks/swap", s.handleSwapCallback)
			r.Post("/callbacks/transfer", s.handleTransferCallback)
			r.Post("/reserves/{token}", s.handleReserveDeposit)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Use(s.limiter.Middleware)
			r.Post("/accounts/{id}", s.handleRegister)
			r.Get("/accounts/{id}", s.handleAccount)
			r.Post("/accounts/{id}/actions", s.handleActions)
			r.Post("/accounts/{id}/fees/{token}/claim", s.handleClaimFees)
			r.Get("/accounts/{id}/events", s.handleEvents)
			r.Get("/accounts/{id}/events/stream", s.handleEventStream)
			r.Get("/margin/{id}", s.handleMarginAccount)
			r.Post("/margin/{id}/actions", s.handleMarginActions)
			r.Get("/assets", s.handleAssets)
			r.Get("/assets/{token}", s.handleAsset)
			r.Get("/protocol-debts", s.handleProtocolDebts)
			r.Get("/transfers/{id}", s.handleTransfer)
			r.Get("/oracle/health", s.handleOracleHealth)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/exports/share-deltas", s.handleShareDeltaExport)
				r.Post("/admin/protocol-fees/{token}/withdraw", s.handleWithdrawProtocolFees)
				r.Post("/admin/lp-tokens/{token}", s.handleSyncLPToken)
			})
		})
	})
	return r
}

// observeRequests records every request against its route pattern.
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		pattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe(moduleFor(pattern), r.Method+" "+pattern, status, time.Since(start))
	})
}

func moduleFor(pattern string) string {
	switch {
	case strings.HasPrefix(pattern, "/v1/margin"):
		return "lending.margin"
	case strings.HasPrefix(pattern, "/v1/callbacks"):
		return "lending.callbacks"
	case strings.HasPrefix(pattern, "/v1"):
		return "lending"
	default:
		return "lendingd"
	}
}

// currentPrices quotes every listed asset.
func (s *Server) currentPrices(ctx context.Context) (*lending.Prices, error) {
	if s.prices == nil {
		return lending.NewPrices(uint64(time.Now().UnixMilli())), nil
	}
	assets, err := s.engine.Assets()
	if err != nil {
		return nil, err
	}
	tokens := make([]lending.TokenID, 0, len(assets))
	for _, asset := range assets {
		tokens = append(tokens, asset.Token)
	}
	return s.prices.Prices(ctx, tokens), nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package api exposes the ledger over HTTP. Every route under /api/v1
// requires a bearer token; the token's actor is handed to the core
// services, which decide access by relationship.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/ledger"
	"github.com/wealthdesk/ledger/internal/metrics"
	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/order"
	"github.com/wealthdesk/ledger/internal/store"
	"github.com/wealthdesk/ledger/internal/suitability"
	"github.com/wealthdesk/ledger/internal/valuation"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Services are the core operations the HTTP surface delegates to.
type Services struct {
	Store       store.Reader
	Orders      *order.Engine
	Cash        *ledger.Service
	Suitability *suitability.Service
	Valuation   *valuation.Service
}

// Options configures the HTTP-only concerns.
type Options struct {
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	IdempotencyTTL time.Duration
	RequestTimeout time.Duration
}

// Server holds the handlers and their collaborators.
type Server struct {
	svc     Services
	hub     *Hub
	auth    *Authenticator
	limiter *RateLimiter
	idem    *Idempotency
	timeout time.Duration
}

// NewServer wires the handlers. hub may be nil when order events are not
// streamed.
func NewServer(svc Services, hub *Hub, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{
		svc:     svc,
		hub:     hub,
		auth:    NewAuthenticator(opts.JWTSecret),
		limiter: NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		idem:    NewIdempotency(opts.IdempotencyTTL),
		timeout: opts.RequestTimeout,
	}
}

// Authenticator exposes the token verifier, e.g. for issuing dev tokens.
func (s *Server) Authenticator() *Authenticator { return s.auth }

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ledger"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Use(s.auth.Middleware)

		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Post("/orders", s.ExecuteOrder)

			r.Get("/portfolios/{portfolioID}/valuation", s.GetValuation)
			r.Get("/portfolios/{portfolioID}/orders", s.ListOrders)
			r.Get("/groups/{groupID}/consolidated-positions", s.GetConsolidatedPositions)

			r.Get("/suitability/questionnaire", s.GetQuestionnaire)
			r.Post("/clients/{clientID}/suitability", s.SubmitSuitability)
			r.Get("/clients/{clientID}/suitability", s.ListSuitability)

			r.Post("/clients/{clientID}/deposits", s.Deposit)
			r.Post("/clients/{clientID}/withdrawals", s.Withdraw)
			r.Get("/clients/{clientID}/statement", s.GetStatement)
		})
	})
	return r
}

// --- Orders ---

// ExecuteOrder handles POST /api/v1/orders. With an Idempotency-Key header
// a retried submission replays the first response instead of trading
// twice.
func (s *Server) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, &model.InvalidInputError{Field: "body", Reason: err.Error()})
		return
	}

	s.idem.Wrap(w, r, actor.ID, body, func(w http.ResponseWriter) {
		var req order.Request
		if err := decodeStrict(bytes.NewReader(body), &req); err != nil {
			writeError(w, err)
			return
		}
		exec, err := s.svc.Orders.ExecuteOrder(r.Context(), actor, req)
		if err != nil {
			writeError(w, err)
			return
		}
		s.publish(r, exec)
		writeJSON(w, http.StatusCreated, exec)
	})
}

func (s *Server) publish(r *http.Request, exec *order.Execution) {
	if s.hub == nil {
		return
	}
	ev := OrderEvent{
		Type:     "order_executed",
		ClientID: exec.ClientID,
		Order:    exec.Order,
		Balance:  exec.Balance,
		Position: exec.Position,
	}
	if c, err := s.svc.Store.GetClient(r.Context(), exec.ClientID); err == nil {
		ev.AdvisorID = c.AdvisorID
	} else {
		slog.Warn("order event without advisor", "client_id", exec.ClientID, "error", err)
	}
	s.hub.Publish(ev)
}

// --- Portfolio views ---

// GetValuation handles GET /api/v1/portfolios/{portfolioID}/valuation.
func (s *Server) GetValuation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "portfolioID")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	v, err := s.svc.Valuation.ValuateFor(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListOrders handles GET /api/v1/portfolios/{portfolioID}/orders.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "portfolioID")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	orders, err := s.svc.Valuation.Orders(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetConsolidatedPositions handles
// GET /api/v1/groups/{groupID}/consolidated-positions.
func (s *Server) GetConsolidatedPositions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "groupID")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	positions, err := s.svc.Valuation.ConsolidatedPositions(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Suitability ---

// GetQuestionnaire handles GET /api/v1/suitability/questionnaire.
func (s *Server) GetQuestionnaire(w http.ResponseWriter, r *http.Request) {
	q, err := s.svc.Suitability.ActiveQuestionnaire(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// SubmitRequest is the body of a questionnaire submission.
type SubmitRequest struct {
	Answers []model.Answer `json:"answers"`
}

// SubmitSuitability handles POST /api/v1/clients/{clientID}/suitability.
func (s *Server) SubmitSuitability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "clientID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req SubmitRequest
	if err := decodeStrict(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	resp, err := s.svc.Suitability.Submit(r.Context(), actor, id, req.Answers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListSuitability handles GET /api/v1/clients/{clientID}/suitability.
func (s *Server) ListSuitability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "clientID")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	history, err := s.svc.Suitability.History(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []model.SuitabilityResponse{}
	}
	writeJSON(w, http.StatusOK, history)
}

// --- Cash ---

// AmountRequest is the body of a deposit or withdrawal.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CashResponse reports a committed deposit or withdrawal.
type CashResponse struct {
	Account  *model.Account  `json:"account"`
	Movement *model.Movement `json:"movement"`
}

type cashFunc func(ctx context.Context, actor model.Actor, clientID int64, amount decimal.Decimal) (*model.Account, *model.Movement, error)

func (s *Server) cash(w http.ResponseWriter, r *http.Request, fn cashFunc) {
	id, err := pathID(r, "clientID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req AmountRequest
	if err := decodeStrict(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	acct, mv, err := fn(r.Context(), actor, id, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CashResponse{Account: acct, Movement: mv})
}

// Deposit handles POST /api/v1/clients/{clientID}/deposits.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	s.cash(w, r, s.svc.Cash.Deposit)
}

// Withdraw handles POST /api/v1/clients/{clientID}/withdrawals.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.cash(w, r, s.svc.Cash.Withdraw)
}

// GetStatement handles GET /api/v1/clients/{clientID}/statement.
func (s *Server) GetStatement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "clientID")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	st, err := s.svc.Cash.Statement(r.Context(), actor, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- helpers ---

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &model.InvalidInputError{Field: name, Reason: fmt.Sprintf("%q is not a positive id", raw)}
	}
	return id, nil
}

func decodeStrict(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &model.InvalidInputError{Field: "body", Reason: err.Error()}
	}
	return nil
}

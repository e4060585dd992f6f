// Package server exposes the escrow settlement engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/settlement"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/store"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/trigger"
)

// Engine abstracts the settlement engine used by the handlers.
type Engine interface {
	trigger.Engine
	Get(ctx context.Context, contractID uuid.UUID) (*escrow.Contract, error)
	ListByParty(ctx context.Context, partyID string, role escrow.PartyRole) ([]*escrow.Contract, error)
	Events(ctx context.Context, contractID uuid.UUID) ([]escrow.Event, error)
	ListOverdue(ctx context.Context, limit int) ([]store.OverdueMilestone, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine         Engine
	DB             *gorm.DB
	Logger         *slog.Logger
	Auth           AuthOptions
	RatePerSecond  float64
	RateBurst      int
	DeliverySecret string
	Ready          func(ctx context.Context) error
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	engine         Engine
	dispatcher     *trigger.Dispatcher
	db             *gorm.DB
	logger         *slog.Logger
	auth           *authenticator
	limiter        *rateLimiter
	deliverySecret string
	ready          func(ctx context.Context) error

	router http.Handler
}

// New constructs the HTTP API.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if cfg.DB == nil {
		return nil, errors.New("server: database required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authn, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	s := &Server{
		engine:         cfg.Engine,
		dispatcher:     trigger.NewDispatcher(cfg.Engine, logger),
		db:             cfg.DB,
		logger:         logger,
		auth:           authn,
		deliverySecret: strings.TrimSpace(cfg.DeliverySecret),
		ready:          cfg.Ready,
	}
	if cfg.RatePerSecond > 0 {
		s.limiter = newRateLimiter(cfg.RatePerSecond, cfg.RateBurst)
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.middleware)
		}
		api.Post("/webhooks/delivery", s.deliveryWebhook)

		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.middleware)
			protected.Use(idempotency(s.db, s.logger))

			protected.Post("/escrows", s.createEscrow)
			protected.Get("/escrows", s.listEscrows)
			protected.Get("/escrows/{id}", s.getEscrow)
			protected.Post("/escrows/{id}/fund", s.fundEscrow)
			protected.Post("/escrows/{id}/cancel", s.cancelEscrow)
			protected.Get("/escrows/{id}/stats", s.escrowStats)
			protected.Get("/escrows/{id}/events", s.escrowEvents)

			protected.Get("/milestones/overdue", s.overdueMilestones)
			protected.Post("/milestones/{id}/complete", s.completeMilestone)
			protected.Post("/milestones/{id}/approve", s.approveMilestone)
			protected.Post("/milestones/{id}/dispute", s.disputeMilestone)

			protected.Post("/actions", s.dispatchAction)
		})
	})

	return otelhttp.NewHandler(r, "escrowd")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createEscrow(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var in trigger.CreateInput
	if !decodeBody(w, r, &in) {
		return
	}
	if !id.Operator && id.Subject != strings.TrimSpace(in.CreatorID) {
		writeError(w, http.StatusForbidden, codeForbidden, "only the creator may open an escrow")
		return
	}
	c, err := s.engine.CreateContract(s.actorContext(r), in.Request())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, contractView(c))
}

func (s *Server) listEscrows(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	party := strings.TrimSpace(r.URL.Query().Get("party"))
	if party == "" {
		party = id.Subject
	}
	if !id.Operator && party != id.Subject {
		writeError(w, http.StatusForbidden, codeForbidden, "cannot list another party's escrows")
		return
	}
	role, err := escrow.ParsePartyRole(r.URL.Query().Get("role"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	contracts, err := s.engine.ListByParty(r.Context(), party, role)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	views := make([]ContractView, len(contracts))
	for i, c := range contracts {
		views[i] = contractView(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": views})
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadContract(w, r, escrow.RoleCreator, escrow.RoleMaker)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, contractView(c))
}

func (s *Server) fundEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FundingProof string `json:"funding_proof"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	c, ok := s.loadContract(w, r, escrow.RoleCreator)
	if !ok {
		return
	}
	updated, err := s.engine.FundContract(s.actorContext(r), c.ID, req.FundingProof)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractView(updated))
}

func (s *Server) cancelEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	c, ok := s.loadContract(w, r, escrow.RoleCreator, escrow.RoleMaker)
	if !ok {
		return
	}
	updated, err := s.engine.CancelContract(s.actorContext(r), c.ID, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractView(updated))
}

func (s *Server) escrowStats(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadContract(w, r, escrow.RoleCreator, escrow.RoleMaker)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statsView(escrow.Project(c)))
}

func (s *Server) escrowEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadContract(w, r, escrow.RoleCreator, escrow.RoleMaker)
	if !ok {
		return
	}
	events, err := s.engine.Events(r.Context(), c.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": eventViews(events)})
}

func (s *Server) overdueMilestones(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	if !id.Operator {
		writeError(w, http.StatusForbidden, codeForbidden, "operator role required")
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeEngineError(w, fmt.Errorf("%w: limit must be a positive integer", escrow.ErrValidation))
			return
		}
		limit = parsed
	}
	items, err := s.engine.ListOverdue(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"milestones": overdueViews(items)})
}

func (s *Server) completeMilestone(w http.ResponseWriter, r *http.Request) {
	milestoneID, ok := s.authorizeMilestone(w, r, escrow.RoleMaker)
	if !ok {
		return
	}
	c, err := s.engine.CompleteMilestone(s.actorContext(r), milestoneID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractView(c))
}

func (s *Server) approveMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SettlementProof string `json:"settlement_proof"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	milestoneID, ok := s.authorizeMilestone(w, r, escrow.RoleCreator)
	if !ok {
		return
	}
	approval, err := s.engine.ApproveMilestone(s.actorContext(r), milestoneID, req.SettlementProof)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escrow":    contractView(approval.Contract),
		"milestone": milestoneView(approval.Milestone),
		"replayed":  approval.Replayed,
	})
}

func (s *Server) disputeMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	milestoneID, ok := s.authorizeMilestone(w, r, escrow.RoleCreator, escrow.RoleMaker)
	if !ok {
		return
	}
	c, err := s.engine.DisputeMilestone(s.actorContext(r), milestoneID, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractView(c))
}

func (s *Server) dispatchAction(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var action trigger.Action
	if !decodeBody(w, r, &action) {
		return
	}
	action.Actor = id.Subject
	if !s.authorizeAction(w, r, id, action) {
		return
	}
	res, err := s.dispatcher.Dispatch(r.Context(), action)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := map[string]any{"kind": res.Kind}
	if res.Contract != nil {
		out["escrow"] = contractView(res.Contract)
	}
	if res.Milestone != nil {
		out["milestone"] = milestoneView(res.Milestone)
	}
	if res.Stats != nil {
		out["stats"] = statsView(*res.Stats)
	}
	if action.Kind == trigger.KindApproveMilestone {
		out["replayed"] = res.Replayed
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) authorizeAction(w http.ResponseWriter, r *http.Request, id Identity, action trigger.Action) bool {
	if id.Operator {
		return true
	}
	var (
		c     *escrow.Contract
		err   error
		roles []escrow.PartyRole
	)
	switch action.Kind {
	case trigger.KindInitEscrow:
		if action.Create != nil && strings.TrimSpace(action.Create.CreatorID) != id.Subject {
			writeError(w, http.StatusForbidden, codeForbidden, "only the creator may open an escrow")
			return false
		}
		return true
	case trigger.KindFundEscrow:
		roles = []escrow.PartyRole{escrow.RoleCreator}
	case trigger.KindCancelEscrow, trigger.KindGetStats:
		roles = []escrow.PartyRole{escrow.RoleCreator, escrow.RoleMaker}
	case trigger.KindCompleteMilestone:
		roles = []escrow.PartyRole{escrow.RoleMaker}
	case trigger.KindApproveMilestone:
		roles = []escrow.PartyRole{escrow.RoleCreator}
	case trigger.KindDisputeMilestone:
		roles = []escrow.PartyRole{escrow.RoleCreator, escrow.RoleMaker}
	default:
		// Unknown kinds are rejected by the dispatcher.
		return true
	}
	switch {
	case action.MilestoneID != uuid.Nil:
		c, err = s.engine.ContractForMilestone(r.Context(), action.MilestoneID)
	case action.ContractID != uuid.Nil:
		c, err = s.engine.Get(r.Context(), action.ContractID)
	default:
		return true
	}
	if err != nil {
		writeEngineError(w, err)
		return false
	}
	if err := authorize(id, c, roles...); err != nil {
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
		return false
	}
	return true
}

func (s *Server) deliveryWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, escrow.CodeValidation, "unreadable body")
		return
	}
	if !trigger.Verify(s.deliverySecret, body, r.Header.Get(trigger.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, codeBadSignature, "signature verification failed")
		return
	}
	var conf trigger.DeliveryConfirmation
	if err := json.Unmarshal(body, &conf); err != nil {
		writeError(w, http.StatusBadRequest, escrow.CodeValidation, "invalid payload")
		return
	}
	outcome, err := s.dispatcher.DeliveryConfirmed(r.Context(), conf)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := map[string]any{"duplicate": outcome.Duplicate}
	if outcome.Contract != nil {
		out["escrow"] = contractView(outcome.Contract)
	}
	writeJSON(w, http.StatusOK, out)
}

// loadContract resolves {id} and checks the caller may act on it.
func (s *Server) loadContract(w http.ResponseWriter, r *http.Request, roles ...escrow.PartyRole) (*escrow.Contract, bool) {
	contractID, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	c, err := s.engine.Get(r.Context(), contractID)
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	id, _ := identityFrom(r.Context())
	if err := authorize(id, c, roles...); err != nil {
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
		return nil, false
	}
	return c, true
}

func (s *Server) authorizeMilestone(w http.ResponseWriter, r *http.Request, roles ...escrow.PartyRole) (uuid.UUID, bool) {
	milestoneID, ok := pathID(w, r)
	if !ok {
		return uuid.Nil, false
	}
	id, _ := identityFrom(r.Context())
	if id.Operator {
		return milestoneID, true
	}
	c, err := s.engine.ContractForMilestone(r.Context(), milestoneID)
	if err != nil {
		writeEngineError(w, err)
		return uuid.Nil, false
	}
	if err := authorize(id, c, roles...); err != nil {
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
		return uuid.Nil, false
	}
	return milestoneID, true
}

func (s *Server) actorContext(r *http.Request) context.Context {
	id, _ := identityFrom(r.Context())
	return settlement.WithActor(r.Context(), id.Subject)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, fmt.Errorf("%w: invalid id", escrow.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeEngineError(w, fmt.Errorf("%w: invalid payload: %v", escrow.ErrValidation, err))
		return false
	}
	return true
}

// Package server exposes the authorization pipeline over HTTP. Every
// mutating endpoint is authenticated with the shared-secret signature
// scheme; request bodies never reach the audit trail.
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
	"time"

	"github.com/ethereum/go-ethereum/common"
	chi "github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bloomgate/grant"
	"bloomgate/ledger"
	"bloomgate/observability"
	"bloomgate/observability/logging"
	"bloomgate/service"
)

const maxBodyBytes = 1 << 16 // 64 KiB

const headerRequestID = "X-Request-Id"

// Authorizer is the pipeline surface the HTTP layer consumes.
type Authorizer interface {
	AuthorizeTip(ctx context.Context, ev service.ReplyEvent) (service.Outcome, error)
	AuthorizeClaim(ctx context.Context, req service.ClaimRequest) (service.Outcome, error)
	SignerAddress() common.Address
}

// AuditStore records the request audit trail and accepts verdict pushes
// from the stats collaborator.
type AuditStore interface {
	InsertAudit(ctx context.Context, apiKey, method, path, outcome string, status int, occurredAt time.Time) error
	UpsertVerdict(ctx context.Context, verdict ledger.Verdict) error
}

// Config describes the runtime configuration for the server.
type Config struct {
	APIKeys       map[string]string
	TimestampSkew time.Duration
}

// Server implements the HTTP handlers for the authorization gateway.
type Server struct {
	authorizer Authorizer
	store      AuditStore
	auth       *apiAuth
	metrics    *observability.GatewayMetrics
	log        *slog.Logger
	router     chi.Router
	nowFn      func() time.Time
}

// New constructs the HTTP server with the supplied dependencies.
func New(authorizer Authorizer, store AuditStore, metrics *observability.GatewayMetrics, log *slog.Logger, cfg Config) (*Server, error) {
	if authorizer == nil {
		return nil, errors.New("authorizer required")
	}
	if store == nil {
		return nil, errors.New("audit store required")
	}
	auth, err := newAPIAuth(cfg.APIKeys, cfg.TimestampSkew)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observability.Gateway()
	}
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		authorizer: authorizer,
		store:      store,
		auth:       auth,
		metrics:    metrics,
		log:        log,
		nowFn:      time.Now,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestID)
	r.Use(s.observe)

	r.Post("/v1/events/replies", s.handleReply)
	r.Post("/v1/claims", s.handleClaim)
	r.Post("/v1/verdicts", s.handleVerdict)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	return r
}

// requestID tags each request so log lines from one request correlate.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.nowFn()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.metrics.ObserveRequest(r.URL.Path, r.Method, strconv.Itoa(ww.Status()), s.nowFn().Sub(start))
	})
}

type replyRequest struct {
	EventID        string         `json:"eventId"`
	AuthorSocialID grant.SocialID `json:"authorSocialId"`
	ParentSocialID grant.SocialID `json:"parentAuthorSocialId"`
	Text           string         `json:"text"`
	Timestamp      int64          `json:"timestamp"`
}

type claimRequest struct {
	SocialID grant.SocialID `json:"socialId"`
}

type verdictRequest struct {
	SocialID  grant.SocialID `json:"socialId"`
	Favorable bool           `json:"favorable"`
	ClaimedAt *int64         `json:"claimedAt,omitempty"`
}

// grantPayload is the wire form of an issued grant. Numeric words travel as
// decimal strings so callers never round them through floats.
type grantPayload struct {
	Signature string `json:"signature"`
	From      string `json:"from"`
	To        string `json:"to"`
	AmountWei string `json:"amountWei"`
	FromID    uint64 `json:"fromId"`
	ToID      uint64 `json:"toId"`
	EventHash string `json:"eventHash"`
	Nonce     string `json:"nonce"`
	Deadline  uint64 `json:"deadline"`
	ChainID   uint64 `json:"chainId"`
	Verifier  string `json:"verifier"`
	Replayed  bool   `json:"replayed,omitempty"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	body, apiKey, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	var req replyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.EventID == "" || req.AuthorSocialID == 0 {
		s.writeError(w, http.StatusBadRequest, "eventId and authorSocialId required")
		return
	}
	ev := service.ReplyEvent{
		EventID:        req.EventID,
		AuthorID:       req.AuthorSocialID,
		ParentAuthorID: req.ParentSocialID,
		Text:           req.Text,
		Timestamp:      time.Unix(req.Timestamp, 0).UTC(),
	}
	outcome, err := s.authorizer.AuthorizeTip(r.Context(), ev)
	s.writeOutcome(w, r, apiKey.Key, outcome, err)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	body, apiKey, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.SocialID == 0 {
		s.writeError(w, http.StatusBadRequest, "socialId required")
		return
	}
	outcome, err := s.authorizer.AuthorizeClaim(r.Context(), service.ClaimRequest{SocialID: req.SocialID})
	s.writeOutcome(w, r, apiKey.Key, outcome, err)
}

// handleVerdict accepts eligibility verdict pushes from the stats
// collaborator. The gateway never computes verdicts itself.
func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	body, apiKey, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	var req verdictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.SocialID == 0 {
		s.writeError(w, http.StatusBadRequest, "socialId required")
		return
	}
	verdict := ledger.Verdict{SocialID: req.SocialID, Favorable: req.Favorable}
	if req.ClaimedAt != nil {
		claimedAt := time.Unix(*req.ClaimedAt, 0).UTC()
		verdict.ClaimedAt = &claimedAt
	}
	if err := s.store.UpsertVerdict(r.Context(), verdict); err != nil {
		s.log.Error("verdict upsert failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "failed to persist verdict")
		return
	}
	s.audit(r, apiKey.Key, "verdict_upserted", http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"signer": s.authorizer.SignerAddress().Hex(),
	})
}

// authenticated reads and verifies the request. On failure it has already
// written the response.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) ([]byte, apiKeySecret, bool) {
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, apiKeySecret{}, false
	}
	apiKey, err := s.auth.authenticate(r, body)
	if err != nil {
		s.log.Warn("request authentication failed",
			slog.String("path", r.URL.Path),
			logging.MaskField("authorization", r.Header.Get(headerAPISignature)),
		)
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return nil, apiKeySecret{}, false
	}
	return body, apiKey, true
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, apiKey string, outcome service.Outcome, err error) {
	switch {
	case errors.Is(err, grant.ErrUpstream):
		s.audit(r, apiKey, "upstream_failure", http.StatusBadGateway)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"denied": string(grant.ReasonUpstreamUnavailable)})
	case err != nil:
		s.log.Error("authorization failed", slog.String("error", err.Error()))
		s.audit(r, apiKey, "internal_error", http.StatusInternalServerError)
		s.writeError(w, http.StatusInternalServerError, "authorization failed")
	case outcome.Denial != nil:
		s.audit(r, apiKey, "denied:"+string(outcome.Denial.Reason), http.StatusUnprocessableEntity)
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"denied": string(outcome.Denial.Reason)})
	case outcome.NoOp:
		s.audit(r, apiKey, "ignored", http.StatusOK)
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	case outcome.Grant != nil:
		verb := "issued"
		if outcome.Replayed {
			verb = "replayed"
		}
		s.audit(r, apiKey, verb, http.StatusOK)
		s.writeJSON(w, http.StatusOK, marshalGrant(outcome.Grant, outcome.Replayed))
	default:
		s.writeError(w, http.StatusInternalServerError, "empty outcome")
	}
}

func marshalGrant(g *grant.Grant, replayed bool) grantPayload {
	return grantPayload{
		Signature: "0x" + common.Bytes2Hex(g.Signature),
		From:      g.From.Hex(),
		To:        g.To.Hex(),
		AmountWei: g.AmountWei.Dec(),
		FromID:    uint64(g.FromID),
		ToID:      uint64(g.ToID),
		EventHash: g.EventHash.Hex(),
		Nonce:     g.Nonce.Dec(),
		Deadline:  g.Deadline,
		ChainID:   g.ChainID,
		Verifier:  g.Verifier.Hex(),
		Replayed:  replayed,
	}
}

// audit records who asked and what happened. Bodies are deliberately not
// stored; they can carry addresses worth keeping out of the trail.
func (s *Server) audit(r *http.Request, apiKey, outcome string, status int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.InsertAudit(ctx, apiKey, r.Method, r.URL.Path, outcome, status, s.nowFn().UTC()); err != nil {
		s.log.Warn("audit insert failed", slog.String("error", err.Error()))
	}
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	reader := io.LimitReader(r.Body, maxBodyBytes)
	defer r.Body.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	body, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}

var _ Authorizer = (*service.Authorizer)(nil)
var _ AuditStore = (*ledger.Store)(nil)

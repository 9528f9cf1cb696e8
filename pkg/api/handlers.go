package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kubegate-labs/kubegate/pkg/classify"
	"github.com/kubegate-labs/kubegate/pkg/contracts"
	"github.com/kubegate-labs/kubegate/pkg/ledger"
	"github.com/kubegate-labs/kubegate/pkg/observability"
	"github.com/kubegate-labs/kubegate/pkg/plan"
	"github.com/kubegate-labs/kubegate/pkg/sanitize"
)

// ClusterContextProvider resolves the classification context for a cluster.
type ClusterContextProvider func(ctx context.Context, clusterID string) (classify.ClusterContext, error)

// Server wires the pipeline behind the HTTP surface: sanitize, classify,
// coordinate, audit.
type Server struct {
	sanitizer   *sanitize.Sanitizer
	classifier  *classify.Classifier
	coordinator *plan.Coordinator
	ledger      *ledger.Ledger
	exporter    *ledger.Exporter
	clusterCtx  ClusterContextProvider
	// ActorFromContext resolves the authenticated actor; wired to the auth
	// package at startup so api does not depend on it.
	actorFrom func(context.Context) string
	metrics   *observability.Provider
	logger    *slog.Logger
}

// NewServer builds the handler set. A nil metrics provider degrades to the
// disabled (no-op) one.
func NewServer(
	sanitizer *sanitize.Sanitizer,
	classifier *classify.Classifier,
	coordinator *plan.Coordinator,
	led *ledger.Ledger,
	exporter *ledger.Exporter,
	clusterCtx ClusterContextProvider,
	actorFrom func(context.Context) string,
	metrics *observability.Provider,
	logger *slog.Logger,
) *Server {
	if clusterCtx == nil {
		clusterCtx = func(context.Context, string) (classify.ClusterContext, error) {
			return classify.ClusterContext{}, nil
		}
	}
	if actorFrom == nil {
		actorFrom = func(context.Context) string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics, _ = observability.New(context.Background(), &observability.Config{}, logger)
	}
	return &Server{
		sanitizer:   sanitizer,
		classifier:  classifier,
		coordinator: coordinator,
		ledger:      led,
		exporter:    exporter,
		clusterCtx:  clusterCtx,
		actorFrom:   actorFrom,
		metrics:     metrics,
		logger:      logger.With("component", "api"),
	}
}

// Routes registers all endpoints on a mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /api/v1/commands", s.handleSubmitCommand)
	mux.HandleFunc("GET /api/v1/plans", s.handleListPlans)
	mux.HandleFunc("GET /api/v1/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("POST /api/v1/plans/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/plans/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/v1/plans/{id}/execute", s.handleExecute)

	mux.HandleFunc("GET /api/v1/audit/entries", s.handleAuditEntries)
	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /api/v1/audit/export", s.handleAuditExport)
	mux.HandleFunc("POST /api/v1/audit/archive", s.handleAuditArchive)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReady proves the pipeline itself is sound by pushing a known-safe
// command through sanitization and classification. Anything but a clean SAFE
// verdict means the rule packs or classifier are misbehaving and the
// instance should not take traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	candidate := contracts.CandidateCommand{
		ID:        uuid.NewString(),
		RawText:   "get pods",
		Operation: contracts.Operation{Verb: contracts.VerbGet, Resource: "pods", Namespace: "default"},
		SessionID: "readiness-probe",
		ActorID:   "system:readiness",
		ClusterID: "readiness",
		CreatedAt: time.Now().UTC(),
	}
	cleaned, findings, err := s.sanitizer.Sanitize(r.Context(), candidate)
	if err != nil {
		s.logger.Error("readiness probe rejected by sanitizer", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "stage": "sanitize"})
		return
	}
	cls, err := s.classifier.Classify(r.Context(), *cleaned, findings, classify.ClusterContext{})
	if err != nil || cls.Tier != contracts.TierSafe {
		s.logger.Error("readiness probe misclassified", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "stage": "classify"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tier": cls.Tier})
}

// SubmitCommandRequest is the body of POST /api/v1/commands.
type SubmitCommandRequest struct {
	RawText   string              `json:"raw_text"`
	Operation contracts.Operation `json:"operation"`
	SessionID string              `json:"session_id"`
	ClusterID string              `json:"cluster_id"`
}

// SubmitCommandResponse returns the created plan along with the findings and
// classification that produced it.
type SubmitCommandResponse struct {
	Plan     *contracts.ApprovalPlan         `json:"plan"`
	Findings []contracts.SanitizationFinding `json:"findings,omitempty"`
}

// RejectedCommandResponse is returned with 422 when sanitization blocks the
// command. No plan is created.
type RejectedCommandResponse struct {
	Rejected bool                            `json:"rejected"`
	Findings []contracts.SanitizationFinding `json:"findings"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	actorID := s.actorFrom(r.Context())
	if actorID == "" {
		WriteUnauthorized(w, "")
		return
	}

	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	candidate := contracts.CandidateCommand{
		ID:        uuid.NewString(),
		RawText:   req.RawText,
		Operation: req.Operation,
		SessionID: req.SessionID,
		ActorID:   actorID,
		ClusterID: req.ClusterID,
		CreatedAt: time.Now().UTC(),
	}
	if err := candidate.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	ctx, finishSanitize := s.metrics.TrackOperation(r.Context(), "pipeline.sanitize")
	cleaned, findings, err := s.sanitizer.Sanitize(ctx, candidate)
	finishSanitize(err)
	if err != nil {
		if errors.Is(err, contracts.ErrInputRejected) {
			for _, f := range findings {
				if f.Blocked {
					s.metrics.RecordBlockedCommand(ctx, string(f.Technique))
				}
			}
			s.logger.Warn("command rejected by sanitizer",
				"actor_id", actorID, "session_id", req.SessionID, "findings", len(findings))
			writeJSON(w, http.StatusUnprocessableEntity, RejectedCommandResponse{
				Rejected: true,
				Findings: findings,
			})
			return
		}
		WriteInternal(w, err)
		return
	}

	env, err := s.clusterCtx(ctx, req.ClusterID)
	if err != nil {
		WriteInternal(w, fmt.Errorf("cluster context for %s: %w", req.ClusterID, err))
		return
	}
	ctx, finishClassify := s.metrics.TrackOperation(ctx, "pipeline.classify")
	cls, err := s.classifier.Classify(ctx, *cleaned, findings, env)
	finishClassify(err)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.metrics.RecordClassification(ctx, string(cls.Tier))

	ctx, finishPropose := s.metrics.TrackOperation(ctx, "pipeline.propose")
	p, err := s.coordinator.Propose(ctx, *cleaned, cls, findings)
	finishPropose(err)
	if err != nil {
		if errors.Is(err, contracts.ErrAuthorizationDenied) {
			writeJSON(w, http.StatusForbidden, SubmitCommandResponse{Plan: p, Findings: findings})
			return
		}
		// An auto-executed plan that failed is still a created plan.
		if p != nil && p.State == contracts.StateFailed {
			writeJSON(w, http.StatusCreated, SubmitCommandResponse{Plan: p, Findings: findings})
			return
		}
		WriteInternal(w, err)
		return
	}
	if p.Result != nil {
		s.metrics.RecordExecution(ctx, p.Result.Success, p.Result.Attempts)
	}
	writeJSON(w, http.StatusCreated, SubmitCommandResponse{Plan: p, Findings: findings})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	var states []contracts.PlanState
	if raw := r.URL.Query().Get("state"); raw != "" {
		states = append(states, contracts.PlanState(raw))
	}
	plans, err := s.coordinator.List(r.Context(), states...)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.coordinator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, plan.ErrPlanNotFound) {
			WriteNotFound(w, "no such plan")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DecisionRequest is the body for approve/reject.
type DecisionRequest struct {
	Rationale string `json:"rationale,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	actorID := s.actorFrom(r.Context())
	if actorID == "" {
		WriteUnauthorized(w, "")
		return
	}
	var req DecisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	ctx, finish := s.metrics.TrackOperation(r.Context(), "pipeline.approve")
	p, err := s.coordinator.Approve(ctx, r.PathValue("id"), actorID, req.Rationale)
	finish(err)
	if err != nil {
		s.writePlanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	actorID := s.actorFrom(r.Context())
	if actorID == "" {
		WriteUnauthorized(w, "")
		return
	}
	var req DecisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	p, err := s.coordinator.Reject(r.Context(), r.PathValue("id"), actorID, req.Rationale)
	if err != nil {
		s.writePlanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	actorID := s.actorFrom(r.Context())
	if actorID == "" {
		WriteUnauthorized(w, "")
		return
	}
	ctx, finish := s.metrics.TrackOperation(r.Context(), "pipeline.execute")
	p, err := s.coordinator.Execute(ctx, r.PathValue("id"), actorID)
	finish(err)
	if p != nil && p.Result != nil {
		s.metrics.RecordExecution(ctx, p.Result.Success, p.Result.Attempts)
	}
	if err != nil {
		if errors.Is(err, contracts.ErrConcurrencyConflict) {
			WriteConflict(w, "plan is already executing")
			return
		}
		// A failed execution still produced a terminal plan worth returning.
		if p != nil && p.State == contracts.StateFailed {
			writeJSON(w, http.StatusOK, p)
			return
		}
		s.writePlanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.Filter{
		PlanID:  q.Get("plan_id"),
		ActorID: q.Get("actor_id"),
		Type:    contracts.EventType(q.Get("type")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	filter.IncludeArchived = q.Get("include_archived") == "true"

	entries, err := s.ledger.Query(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Verify(r.Context())
	if err != nil {
		if errors.Is(err, contracts.ErrIntegrityViolation) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"valid":  false,
				"detail": err.Error(),
			})
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "report": report})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "evidence export is not configured")
		return
	}
	filter := ledger.Filter{PlanID: r.URL.Query().Get("plan_id")}

	var buf bytes.Buffer
	ctx, finish := s.metrics.TrackOperation(r.Context(), "pipeline.export")
	manifest, err := s.exporter.Export(ctx, filter, &buf)
	finish(err)
	if err != nil {
		if errors.Is(err, contracts.ErrIntegrityViolation) {
			WriteConflict(w, "audit chain failed verification; export refused")
			return
		}
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "evidence-"+manifest.PackID+".zip"))
	_, _ = w.Write(buf.Bytes())
}

// ArchiveRequest asks the ledger to flag entries up to a sequence as archived.
type ArchiveRequest struct {
	UpToSequence uint64 `json:"up_to_sequence"`
}

func (s *Server) handleAuditArchive(w http.ResponseWriter, r *http.Request) {
	actorID := s.actorFrom(r.Context())
	if actorID == "" {
		WriteUnauthorized(w, "")
		return
	}
	var req ArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	count, err := s.ledger.Archive(r.Context(), actorID, req.UpToSequence)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": count})
}

// writePlanError maps coordinator errors to HTTP statuses.
func (s *Server) writePlanError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, plan.ErrPlanNotFound):
		WriteNotFound(w, "no such plan")
	case errors.Is(err, contracts.ErrAuthorizationDenied):
		WriteForbidden(w, err.Error())
	default:
		WriteConflict(w, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

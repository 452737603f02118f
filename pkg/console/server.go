// Package console is the HTTP surface of the trust and governance
// engine: evidence submission, amendment filing and voting, guard
// sign-offs and the audit export.
package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/concordlabs/concord/pkg/amendment"
	"github.com/concordlabs/concord/pkg/audit"
	"github.com/concordlabs/concord/pkg/chamber"
	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/eligibility"
	"github.com/concordlabs/concord/pkg/guard"
	"github.com/concordlabs/concord/pkg/ledger"
	"github.com/concordlabs/concord/pkg/metrics"
)

// Server hosts the governance console.
type Server struct {
	ledger   *ledger.Ledger
	engine   *amendment.Engine
	guard    *guard.Guard
	resolver *eligibility.Resolver
	trail    *audit.Trail
	cfg      *config.Store
	caps     *eligibility.CapabilityIssuer
	metrics  *metrics.Set
	registry *prometheus.Registry
	log      *slog.Logger
}

// NewServer wires the console against live subsystems.
func NewServer(l *ledger.Ledger, eng *amendment.Engine, g *guard.Guard, res *eligibility.Resolver, trail *audit.Trail, cfg *config.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		ledger:   l,
		engine:   eng,
		guard:    g,
		resolver: res,
		trail:    trail,
		cfg:      cfg,
		metrics:  metrics.New(reg),
		registry: reg,
		log:      log,
	}
	if trail != nil {
		trail.OnAppend(s.observeAudit)
	}
	return s
}

// WithCapabilities gates guard sign-offs behind bearer capability
// tokens. With no issuer configured, sign-offs are accepted from any
// caller.
func (s *Server) WithCapabilities(issuer *eligibility.CapabilityIssuer) *Server {
	s.caps = issuer
	return s
}

// Metrics exposes the collector set for subsystem wiring.
func (s *Server) Metrics() *metrics.Set { return s.metrics }

// observeAudit keeps amendment counters in step with the trail, so
// outcomes reached from the scheduler count the same as ones reached
// from a request handler.
func (s *Server) observeAudit(e *audit.Entry) {
	switch e.Kind {
	case "amendment.chamber_passed":
		s.countChamber(e.Payload, "passed")
	case "amendment.chamber_failed":
		s.countChamber(e.Payload, "failed")
	case "amendment.chamber_lapsed":
		s.countChamber(e.Payload, "lapsed")
	case "amendment.resolved":
		var body struct {
			Outcome string `json:"outcome"`
		}
		if json.Unmarshal(e.Payload, &body) == nil && body.Outcome != "" {
			s.metrics.AmendmentsFinal.WithLabelValues(body.Outcome).Inc()
		}
	}
}

func (s *Server) countChamber(payload json.RawMessage, result string) {
	var body struct {
		Chamber string `json:"chamber"`
	}
	if json.Unmarshal(payload, &body) == nil && body.Chamber != "" {
		s.metrics.ChamberOutcomes.WithLabelValues(body.Chamber, result).Inc()
	}
}

// Handler builds the full route table behind the per-IP rate limiter.
func (s *Server) Handler(rl *RateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/actors", s.handleRegister)
	mux.HandleFunc("GET /api/actors/{id}", s.handleProfile)
	mux.HandleFunc("GET /api/actors/{id}/eligibility", s.handleEligibility)
	mux.HandleFunc("POST /api/actors/{id}/signals", s.handleQualitySignal)
	mux.HandleFunc("POST /api/actors/{id}/violations", s.handleViolation)
	mux.HandleFunc("POST /api/actors/{id}/recertify", s.handleRecertify)

	mux.HandleFunc("POST /api/amendments", s.handlePropose)
	mux.HandleFunc("GET /api/amendments", s.handleListAmendments)
	mux.HandleFunc("GET /api/amendments/{id}", s.handleGetAmendment)
	mux.HandleFunc("POST /api/amendments/{id}/votes", s.handleCastVote)
	mux.HandleFunc("POST /api/amendments/{id}/withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /api/amendments/{id}/challenge", s.handleChallenge)

	mux.HandleFunc("GET /api/suspensions/{actor}", s.handlePendingSuspensions)
	mux.HandleFunc("POST /api/suspensions/{id}/signoffs", s.handleSignoff)

	mux.HandleFunc("GET /api/params", s.handleParams)
	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/audit/export", s.handleAuditExport)
	mux.HandleFunc("GET /api/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	var h http.Handler = mux
	if rl != nil {
		h = rl.Middleware(h)
	}
	return s.instrument(h)
}

// instrument records request latency per route and status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		if p := r.Pattern; p != "" {
			route = p
		}
		s.metrics.RequestDuration.
			WithLabelValues(route, strconv.Itoa(sw.code)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// writeDomainError maps subsystem errors onto HTTP problem details.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnknownActor),
		errors.Is(err, amendment.ErrUnknownAmendment),
		errors.Is(err, guard.ErrSuspensionNotFound):
		writeNotFound(w, r, err.Error())
	case errors.Is(err, ledger.ErrActorExists),
		errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, amendment.ErrInvalidTransition),
		errors.Is(err, amendment.ErrVotesCast),
		errors.Is(err, chamber.ErrAlreadyVoted),
		errors.Is(err, chamber.ErrVotingClosed),
		errors.Is(err, guard.ErrDuplicateSignoff),
		errors.Is(err, guard.ErrAlreadyReleased):
		writeConflict(w, r, err.Error())
	case errors.Is(err, ledger.ErrQuarantineViolation),
		errors.Is(err, amendment.ErrNotProposer),
		errors.Is(err, chamber.ErrNotMember),
		errors.Is(err, guard.ErrSelfSignoff),
		errors.Is(err, eligibility.ErrCapabilityInvalid),
		errors.Is(err, eligibility.ErrCapabilityExpired):
		writeForbidden(w, r, err.Error())
	case errors.Is(err, ledger.ErrInsufficientEvidence):
		writeUnprocessable(w, r, err.Error(), "recertification", 0)
	case errors.Is(err, amendment.ErrPayloadInvalid),
		errors.Is(err, ledger.ErrInvalidTransition):
		writeBadRequest(w, r, err.Error())
	default:
		s.log.Error("console request failed", "path", r.URL.Path, "error", err)
		writeInternal(w, r, err)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func decode[T any](w http.ResponseWriter, r *http.Request, into *T) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg ledger.Registration
	if !decode(w, r, &reg) {
		return
	}
	p, err := s.ledger.Register(reg)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.metrics.TrustScore.WithLabelValues(p.ActorID, string(p.Domain)).Set(p.Score)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Profile(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	el, err := s.resolver.Resolve(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, el)
}

func (s *Server) handleQualitySignal(w http.ResponseWriter, r *http.Request) {
	var sig ledger.QualitySignal
	if !decode(w, r, &sig) {
		return
	}
	actorID := r.PathValue("id")
	p, res, err := s.ledger.SubmitQualitySignal(actorID, sig)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if res.Gate != "" {
		if res.Suspended > 0 {
			s.metrics.GuardSuspensions.Inc()
		}
		s.metrics.GateRejections.WithLabelValues(res.Gate).Inc()
		writeUnprocessable(w, r, "evidence rejected at admission gate", res.Gate, res.Threshold)
		return
	}
	s.metrics.ScoreUpdates.WithLabelValues(string(p.Domain)).Inc()
	s.metrics.TrustScore.WithLabelValues(p.ActorID, string(p.Domain)).Set(p.Score)
	if res.Deferred > 0 {
		s.metrics.DeferredUnits.Add(res.Deferred)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile": p,
		"result":  res,
	})
}

func (s *Server) handleViolation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Severity ledger.Severity `json:"severity"`
	}
	if !decode(w, r, &body) {
		return
	}
	p, err := s.ledger.SubmitViolation(r.PathValue("id"), body.Severity)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.metrics.Violations.WithLabelValues(string(body.Severity)).Inc()
	if p.Status == ledger.StatusQuarantine {
		s.metrics.Quarantines.Inc()
	}
	if p.Status == ledger.StatusDecommissioned {
		s.metrics.Decommissions.Inc()
	}
	s.metrics.TrustScore.WithLabelValues(p.ActorID, string(p.Domain)).Set(p.Score)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRecertify(w http.ResponseWriter, r *http.Request) {
	var rec ledger.RecertificationRecord
	if !decode(w, r, &rec) {
		return
	}
	p, err := s.ledger.Recertify(r.PathValue("id"), rec)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProposerID string          `json:"proposer_id"`
		Entrenched bool            `json:"entrenched"`
		Payload    json.RawMessage `json:"payload"`
	}
	if !decode(w, r, &body) {
		return
	}
	a, err := s.engine.Propose(body.ProposerID, body.Payload, body.Entrenched)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.metrics.AmendmentsFiled.Inc()
	writeJSON(w, http.StatusCreated, a.Snapshot())
}

func (s *Server) handleListAmendments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"amendments": s.engine.List()})
}

func (s *Server) handleGetAmendment(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshot())
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string       `json:"actor_id"`
		Vote    chamber.Vote `json:"vote"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.CastVote(r.PathValue("id"), body.ActorID, body.Vote); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProposerID string `json:"proposer_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.Withdraw(r.PathValue("id"), body.ProposerID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengerID string `json:"challenger_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.Challenge(r.PathValue("id"), body.ChallengerID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "challenge opened"})
}

func (s *Server) handlePendingSuspensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"suspensions": s.guard.Pending(r.PathValue("actor")),
	})
}

// guardSignoffCapability names the bearer capability a sign-off
// request must present when an issuer is configured.
const guardSignoffCapability = "guard.signoff"

func (s *Server) handleSignoff(w http.ResponseWriter, r *http.Request) {
	var so guard.Signoff
	if !decode(w, r, &so) {
		return
	}
	if s.caps != nil {
		claims, err := s.caps.Check(bearerToken(r), guardSignoffCapability)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if claims.Subject != so.ActorID {
			writeForbidden(w, r, fmt.Sprintf("capability issued to %q cannot sign off as %q", claims.Subject, so.ActorID))
			return
		}
	}
	susp, err := s.guard.AddSignoff(r.PathValue("id"), so)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if susp.Status == guard.SuspensionReleased {
		s.metrics.GuardReleases.Inc()
	}
	writeJSON(w, http.StatusOK, susp)
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Active())
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ranked": s.resolver.Ranked()})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.trail.Export(w); err != nil {
		s.log.Error("audit export failed", "error", err)
	}
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.trail.Verify(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"intact": false,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intact":  true,
		"entries": s.trail.Length(),
		"head":    s.trail.Head(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Active().Version,
	})
}

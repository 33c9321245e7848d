// Package portal is the HTTP boundary of the vendor management portal. It
// owns the route table, the middleware chain (request IDs, CORS, rate
// limiting, session auth) and the translation between HTTP and the domain
// services. Handlers stay thin: decode, call the service, write JSON or an
// RFC 7807 problem.
package portal

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/cases"
	"github.com/procurehq/vmp/pkg/checklist"
	"github.com/procurehq/vmp/pkg/config"
	"github.com/procurehq/vmp/pkg/evidence"
	"github.com/procurehq/vmp/pkg/invoices"
	"github.com/procurehq/vmp/pkg/notify"
	"github.com/procurehq/vmp/pkg/observability"
	"github.com/procurehq/vmp/pkg/ratelimit"
	"github.com/procurehq/vmp/pkg/soa"
	"github.com/procurehq/vmp/pkg/thread"
)

// Sessions authenticates users and revokes sessions. identity.Authenticator
// is the production implementation; cookie verification happens in the auth
// middleware, not here.
type Sessions interface {
	Login(ctx context.Context, email, password, userAgent, remoteIP string) (*auth.Actor, string, error)
	Logout(ctx context.Context, cookie string) error
}

// CaseService is the case registry surface the portal exposes.
type CaseService interface {
	Create(ctx context.Context, actor *auth.Actor, p cases.CreateParams) (*cases.Case, error)
	Get(ctx context.Context, actor *auth.Actor, id string) (*cases.Case, error)
	List(ctx context.Context, actor *auth.Actor, f cases.Filter) ([]*cases.Case, error)
	Transition(ctx context.Context, actor *auth.Actor, id, target, reason string) (*cases.Case, error)
	Reassign(ctx context.Context, actor *auth.Actor, id, ownerTeam, assignedUserID string) (*cases.Case, error)
	Escalate(ctx context.Context, actor *auth.Actor, id string, level int, reason string) (*cases.Case, error)
	ExtendSLA(ctx context.Context, actor *auth.Actor, id string, due time.Time) (*cases.Case, error)
	PostMessage(ctx context.Context, actor *auth.Actor, caseID, body string, internalNote bool, source string) (*thread.Message, error)
	ListMessages(ctx context.Context, actor *auth.Actor, caseID string) ([]*thread.Message, error)
	Bounds() cases.PostureBoundaries
	BreakGlass(c *cases.Case) *cases.BreakGlassContact
}

// EvidenceService is the vault surface: uploads, listings and checklist
// verdicts.
type EvidenceService interface {
	Upload(ctx context.Context, actor *auth.Actor, p evidence.UploadParams) (*evidence.Evidence, error)
	List(ctx context.Context, actor *auth.Actor, caseID string) ([]*evidence.Item, error)
	ListSteps(ctx context.Context, actor *auth.Actor, caseID string) ([]*checklist.Step, error)
	VerifyStep(ctx context.Context, actor *auth.Actor, caseID, stepID string) (*checklist.Step, error)
	RejectStep(ctx context.Context, actor *auth.Actor, caseID, stepID, reason string) (*checklist.Step, error)
	WaiveStep(ctx context.Context, actor *auth.Actor, caseID, stepID, reason string) (*checklist.Step, error)
}

// StatementService is the SOA reconciliation surface.
type StatementService interface {
	Ingest(ctx context.Context, actor *auth.Actor, p soa.IngestParams) (*soa.IngestResult, error)
	Recompute(ctx context.Context, actor *auth.Actor, caseID string) (*soa.RecomputeResult, error)
	Lines(ctx context.Context, actor *auth.Actor, caseID string) ([]*soa.Line, error)
	MatchLine(ctx context.Context, actor *auth.Actor, caseID, lineID, invoiceID string) (*soa.Match, error)
	DisputeLine(ctx context.Context, actor *auth.Actor, caseID, lineID, issueType, reason string) (*soa.Issue, error)
	IgnoreLine(ctx context.Context, actor *auth.Actor, caseID, lineID, reason string) (*soa.Line, error)
	ResolveIssue(ctx context.Context, actor *auth.Actor, caseID, issueID, note string) (*soa.Issue, error)
	UploadLineEvidence(ctx context.Context, actor *auth.Actor, caseID, lineID string, p evidence.UploadParams) (*evidence.Evidence, error)
	Signoff(ctx context.Context, actor *auth.Actor, caseID string) (*soa.SignoffResult, error)
}

// InvoiceService feeds and reads the shadow ledger.
type InvoiceService interface {
	Create(ctx context.Context, actor *auth.Actor, p invoices.CreateParams) (*invoices.Invoice, error)
	List(ctx context.Context, actor *auth.Actor, f invoices.Filter) ([]*invoices.Invoice, error)
	IngestCSV(ctx context.Context, actor *auth.Actor, p invoices.IngestParams) (*invoices.IngestResult, error)
}

// Inbox reads and acknowledges a user's notification rows.
type Inbox interface {
	ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*notify.Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// MessageCounter supplies the thread size for the case detail view.
type MessageCounter interface {
	CountForCase(ctx context.Context, caseID string, includeInternal bool) (int, error)
}

// EvidenceCounter supplies the evidence row count for the case detail view.
type EvidenceCounter interface {
	CountForCase(ctx context.Context, caseID string) (int, error)
}

// IssueCounter supplies the open-issue count for the case detail view.
type IssueCounter interface {
	OpenIssueCount(ctx context.Context, caseID string) (int, error)
}

// BlobSource redeems locally stored blobs. Only the fs store serves reads
// through the portal; s3 and gcs presign directly against the bucket.
type BlobSource interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// BlobTokenVerifier checks the signed token on a /blob request.
// objstore.URLSigner implements it.
type BlobTokenVerifier interface {
	Verify(token, key string) error
}

// Pinger is the liveness probe dependency; *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps wires the portal to its services. Blobs and BlobTokens stay nil
// unless the fs blob store is active; RateStore nil disables the per-actor
// limiter (the per-IP limiter always runs).
type Deps struct {
	Sessions   Sessions
	Verifier   auth.SessionVerifier
	Cases      CaseService
	Evidence   EvidenceService
	Statements StatementService
	Invoices   InvoiceService
	Inbox      Inbox

	Messages  MessageCounter
	Artifacts EvidenceCounter
	Issues    IssueCounter

	Blobs      BlobSource
	BlobTokens BlobTokenVerifier

	DB        Pinger
	Policy    *config.Policy
	RateStore ratelimit.Store
	Telemetry *observability.Provider

	CookieTTL    time.Duration
	CookieSecure bool
	CORSOrigins  []string
	Version      string

	Logger *slog.Logger
}

// Server is the portal HTTP server.
type Server struct {
	deps   Deps
	policy *config.Policy
	logger *slog.Logger
	clock  func() time.Time

	ipLimiter *api.GlobalRateLimiter
	httpSrv   *http.Server
}

// Option tweaks server construction.
type Option func(*Server)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Server) { s.clock = fn }
}

// Per-IP guardrail in front of everything, including login. Authenticated
// traffic gets the finer per-actor quota on top.
const (
	ipRatePerSecond = 20
	ipRateBurst     = 40
)

// actorRateLimit is the per-actor quota applied after session auth.
var actorRateLimit = ratelimit.Policy{RPM: 600, Burst: 100}

// NewServer assembles the portal around its dependencies.
func NewServer(deps Deps, opts ...Option) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	policy := deps.Policy
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	s := &Server{
		deps:      deps,
		policy:    policy,
		logger:    deps.Logger,
		clock:     time.Now,
		ipLimiter: api.NewGlobalRateLimiter(ipRatePerSecond, ipRateBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// routes builds the method-qualified route table.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	mux.HandleFunc("POST /cases", s.handleCreateCase)
	mux.HandleFunc("GET /cases", s.handleListCases)
	mux.HandleFunc("GET /cases/{id}", s.handleGetCase)
	mux.HandleFunc("POST /cases/{id}/status", s.handleCaseStatus)
	mux.HandleFunc("POST /cases/{id}/reassign", s.handleCaseReassign)
	mux.HandleFunc("POST /cases/{id}/escalate", s.handleCaseEscalate)
	mux.HandleFunc("POST /cases/{id}/sla", s.handleCaseExtendSLA)

	mux.HandleFunc("GET /cases/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /cases/{id}/messages", s.handlePostMessage)

	mux.HandleFunc("GET /cases/{id}/checklist", s.handleChecklist)
	mux.HandleFunc("POST /cases/{id}/checklist/{step}/verify", s.handleChecklistVerify)
	mux.HandleFunc("POST /cases/{id}/checklist/{step}/reject", s.handleChecklistReject)
	mux.HandleFunc("POST /cases/{id}/checklist/{step}/waive", s.handleChecklistWaive)

	mux.HandleFunc("POST /cases/{id}/evidence", s.handleEvidenceUpload)
	mux.HandleFunc("GET /cases/{id}/evidence", s.handleEvidenceList)

	mux.HandleFunc("POST /soa/ingest", s.handleSOAIngest)
	mux.HandleFunc("GET /soa/{case}/lines", s.handleSOALines)
	mux.HandleFunc("POST /soa/{case}/recompute", s.handleSOARecompute)
	mux.HandleFunc("POST /soa/{case}/signoff", s.handleSOASignoff)
	mux.HandleFunc("POST /soa/{case}/lines/{line}/match", s.handleSOAMatchLine)
	mux.HandleFunc("POST /soa/{case}/lines/{line}/dispute", s.handleSOADisputeLine)
	mux.HandleFunc("POST /soa/{case}/lines/{line}/ignore", s.handleSOAIgnoreLine)
	mux.HandleFunc("POST /soa/{case}/lines/{line}/evidence", s.handleSOALineEvidence)
	mux.HandleFunc("POST /soa/{case}/issues/{issue}/resolve", s.handleSOAResolveIssue)

	mux.HandleFunc("POST /invoices", s.handleInvoiceCreate)
	mux.HandleFunc("POST /invoices/ingest", s.handleInvoiceIngest)
	mux.HandleFunc("GET /invoices", s.handleInvoiceList)

	mux.HandleFunc("GET /notifications", s.handleNotificationList)
	mux.HandleFunc("POST /notifications/{id}/read", s.handleNotificationRead)

	mux.HandleFunc("GET /ops/slo", s.handleSLOStatus)

	mux.HandleFunc("GET /blob/{key...}", s.handleBlob)

	return mux
}

// Handler returns the full middleware chain around the route table.
// Order matters: request IDs first so every response carries one, the
// per-IP limiter before auth so login floods are cut early, then session
// auth, then the per-actor quota which keys on the authenticated actor.
// Telemetry sits innermost so spans pick up the matched route pattern.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.routes()

	if s.deps.Telemetry != nil {
		h = s.deps.Telemetry.HTTPMiddleware(h)
	}
	h = auth.RateLimitMiddleware(s.deps.RateStore, actorRateLimit)(h)
	h = auth.NewMiddleware(s.deps.Verifier)(h)
	h = s.ipLimiter.Middleware(h)
	h = auth.CORSMiddleware(s.deps.CORSOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

// Start begins serving on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		// WriteTimeout is sized for multipart evidence uploads.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("portal listening", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleHealthz is the liveness probe: process up and database reachable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.logger.Error("healthz database ping failed", "error", err)
			api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "database unreachable",
			})
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.deps.Version,
	})
}

// handleSLOStatus reports objective compliance per portal operation.
// Internal staff only.
func (s *Server) handleSLOStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireInternal(r.Context()); err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	if s.deps.Telemetry == nil {
		api.WriteNotFound(w, "Telemetry is not enabled")
		return
	}
	statuses := s.deps.Telemetry.SLOs().StatusAll()
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"slos":  statuses,
		"count": len(statuses),
	})
}

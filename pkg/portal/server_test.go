package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/cases"
	"github.com/procurehq/vmp/pkg/checklist"
	"github.com/procurehq/vmp/pkg/config"
	"github.com/procurehq/vmp/pkg/evidence"
	"github.com/procurehq/vmp/pkg/invoices"
	"github.com/procurehq/vmp/pkg/notify"
	"github.com/procurehq/vmp/pkg/observability"
	"github.com/procurehq/vmp/pkg/soa"
	"github.com/procurehq/vmp/pkg/thread"
)

var testNow = time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

const (
	internalCookie = "sess-internal"
	supplierCookie = "sess-supplier"
)

func internalActor() *auth.Actor {
	return &auth.Actor{
		UserID:      "user-int",
		TenantID:    "tenant-1",
		Email:       "ap@acme.example",
		DisplayName: "AP Clerk",
		Internal:    true,
	}
}

func supplierActor() *auth.Actor {
	return &auth.Actor{
		UserID:      "user-sup",
		TenantID:    "tenant-1",
		Email:       "ops@vendor.example",
		DisplayName: "Vendor Ops",
		VendorID:    "vendor-1",
	}
}

// fakeVerifier maps cookie values to actors for the auth middleware.
type fakeVerifier struct {
	sessions map[string]*auth.Actor
}

func (f *fakeVerifier) VerifyCookie(_ context.Context, cookie string) (*auth.Actor, error) {
	if a, ok := f.sessions[cookie]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: unknown session", api.ErrUnauthenticated)
}

type fakeSessions struct {
	actor     *auth.Actor
	cookie    string
	err       error
	loggedOut []string

	gotEmail, gotPassword, gotIP string
}

func (f *fakeSessions) Login(_ context.Context, email, password, _, remoteIP string) (*auth.Actor, string, error) {
	f.gotEmail, f.gotPassword, f.gotIP = email, password, remoteIP
	if f.err != nil {
		return nil, "", f.err
	}
	return f.actor, f.cookie, nil
}

func (f *fakeSessions) Logout(_ context.Context, cookie string) error {
	f.loggedOut = append(f.loggedOut, cookie)
	return f.err
}

type fakeCases struct {
	c      *cases.Case
	list   []*cases.Case
	msg    *thread.Message
	msgs   []*thread.Message
	bg     *cases.BreakGlassContact
	bounds cases.PostureBoundaries
	err    error

	gotCreate   cases.CreateParams
	gotFilter   cases.Filter
	gotID       string
	gotTarget   string
	gotReason   string
	gotTeam     string
	gotAssignee string
	gotLevel    int
	gotDue      time.Time
	gotBody     string
	gotInternal bool
	gotSource   string
}

func (f *fakeCases) Create(_ context.Context, _ *auth.Actor, p cases.CreateParams) (*cases.Case, error) {
	f.gotCreate = p
	return f.c, f.err
}

func (f *fakeCases) Get(_ context.Context, _ *auth.Actor, id string) (*cases.Case, error) {
	f.gotID = id
	return f.c, f.err
}

func (f *fakeCases) List(_ context.Context, _ *auth.Actor, flt cases.Filter) ([]*cases.Case, error) {
	f.gotFilter = flt
	return f.list, f.err
}

func (f *fakeCases) Transition(_ context.Context, _ *auth.Actor, id, target, reason string) (*cases.Case, error) {
	f.gotID, f.gotTarget, f.gotReason = id, target, reason
	return f.c, f.err
}

func (f *fakeCases) Reassign(_ context.Context, _ *auth.Actor, id, team, assignee string) (*cases.Case, error) {
	f.gotID, f.gotTeam, f.gotAssignee = id, team, assignee
	return f.c, f.err
}

func (f *fakeCases) Escalate(_ context.Context, _ *auth.Actor, id string, level int, reason string) (*cases.Case, error) {
	f.gotID, f.gotLevel, f.gotReason = id, level, reason
	return f.c, f.err
}

func (f *fakeCases) ExtendSLA(_ context.Context, _ *auth.Actor, id string, due time.Time) (*cases.Case, error) {
	f.gotID, f.gotDue = id, due
	return f.c, f.err
}

func (f *fakeCases) PostMessage(_ context.Context, _ *auth.Actor, caseID, body string, internalNote bool, source string) (*thread.Message, error) {
	f.gotID, f.gotBody, f.gotInternal, f.gotSource = caseID, body, internalNote, source
	return f.msg, f.err
}

func (f *fakeCases) ListMessages(_ context.Context, _ *auth.Actor, caseID string) ([]*thread.Message, error) {
	f.gotID = caseID
	return f.msgs, f.err
}

func (f *fakeCases) Bounds() cases.PostureBoundaries { return f.bounds }

func (f *fakeCases) BreakGlass(*cases.Case) *cases.BreakGlassContact { return f.bg }

type fakeEvidence struct {
	ev    *evidence.Evidence
	items []*evidence.Item
	steps []*checklist.Step
	step  *checklist.Step
	err   error

	gotUpload evidence.UploadParams
	gotCase   string
	gotStep   string
	gotReason string
}

func (f *fakeEvidence) Upload(_ context.Context, _ *auth.Actor, p evidence.UploadParams) (*evidence.Evidence, error) {
	f.gotUpload = p
	return f.ev, f.err
}

func (f *fakeEvidence) List(_ context.Context, _ *auth.Actor, caseID string) ([]*evidence.Item, error) {
	f.gotCase = caseID
	return f.items, f.err
}

func (f *fakeEvidence) ListSteps(_ context.Context, _ *auth.Actor, caseID string) ([]*checklist.Step, error) {
	f.gotCase = caseID
	return f.steps, f.err
}

func (f *fakeEvidence) VerifyStep(_ context.Context, _ *auth.Actor, caseID, stepID string) (*checklist.Step, error) {
	f.gotCase, f.gotStep = caseID, stepID
	return f.step, f.err
}

func (f *fakeEvidence) RejectStep(_ context.Context, _ *auth.Actor, caseID, stepID, reason string) (*checklist.Step, error) {
	f.gotCase, f.gotStep, f.gotReason = caseID, stepID, reason
	return f.step, f.err
}

func (f *fakeEvidence) WaiveStep(_ context.Context, _ *auth.Actor, caseID, stepID, reason string) (*checklist.Step, error) {
	f.gotCase, f.gotStep, f.gotReason = caseID, stepID, reason
	return f.step, f.err
}

type fakeStatements struct {
	ingest *soa.IngestResult
	recomp *soa.RecomputeResult
	lines  []*soa.Line
	line   *soa.Line
	match  *soa.Match
	issue  *soa.Issue
	ev     *evidence.Evidence
	signed *soa.SignoffResult
	err    error

	gotIngest  soa.IngestParams
	gotCSV     []byte
	gotCase    string
	gotLine    string
	gotIssue   string
	gotInvoice string
	gotType    string
	gotReason  string
	gotNote    string
	gotUpload  evidence.UploadParams
}

func (f *fakeStatements) Ingest(_ context.Context, _ *auth.Actor, p soa.IngestParams) (*soa.IngestResult, error) {
	f.gotIngest = p
	if p.CSV != nil {
		f.gotCSV, _ = io.ReadAll(p.CSV)
	}
	return f.ingest, f.err
}

func (f *fakeStatements) Recompute(_ context.Context, _ *auth.Actor, caseID string) (*soa.RecomputeResult, error) {
	f.gotCase = caseID
	return f.recomp, f.err
}

func (f *fakeStatements) Lines(_ context.Context, _ *auth.Actor, caseID string) ([]*soa.Line, error) {
	f.gotCase = caseID
	return f.lines, f.err
}

func (f *fakeStatements) MatchLine(_ context.Context, _ *auth.Actor, caseID, lineID, invoiceID string) (*soa.Match, error) {
	f.gotCase, f.gotLine, f.gotInvoice = caseID, lineID, invoiceID
	return f.match, f.err
}

func (f *fakeStatements) DisputeLine(_ context.Context, _ *auth.Actor, caseID, lineID, issueType, reason string) (*soa.Issue, error) {
	f.gotCase, f.gotLine, f.gotType, f.gotReason = caseID, lineID, issueType, reason
	return f.issue, f.err
}

func (f *fakeStatements) IgnoreLine(_ context.Context, _ *auth.Actor, caseID, lineID, reason string) (*soa.Line, error) {
	f.gotCase, f.gotLine, f.gotReason = caseID, lineID, reason
	return f.line, f.err
}

func (f *fakeStatements) ResolveIssue(_ context.Context, _ *auth.Actor, caseID, issueID, note string) (*soa.Issue, error) {
	f.gotCase, f.gotIssue, f.gotNote = caseID, issueID, note
	return f.issue, f.err
}

func (f *fakeStatements) UploadLineEvidence(_ context.Context, _ *auth.Actor, caseID, lineID string, p evidence.UploadParams) (*evidence.Evidence, error) {
	f.gotCase, f.gotLine, f.gotUpload = caseID, lineID, p
	return f.ev, f.err
}

func (f *fakeStatements) Signoff(_ context.Context, _ *auth.Actor, caseID string) (*soa.SignoffResult, error) {
	f.gotCase = caseID
	return f.signed, f.err
}

type fakeInvoices struct {
	inv  *invoices.Invoice
	list []*invoices.Invoice
	res  *invoices.IngestResult
	err  error

	gotCreate invoices.CreateParams
	gotFilter invoices.Filter
	gotIngest invoices.IngestParams
	gotCSV    []byte
}

func (f *fakeInvoices) Create(_ context.Context, _ *auth.Actor, p invoices.CreateParams) (*invoices.Invoice, error) {
	f.gotCreate = p
	return f.inv, f.err
}

func (f *fakeInvoices) List(_ context.Context, _ *auth.Actor, flt invoices.Filter) ([]*invoices.Invoice, error) {
	f.gotFilter = flt
	return f.list, f.err
}

func (f *fakeInvoices) IngestCSV(_ context.Context, _ *auth.Actor, p invoices.IngestParams) (*invoices.IngestResult, error) {
	f.gotIngest = p
	if p.CSV != nil {
		f.gotCSV, _ = io.ReadAll(p.CSV)
	}
	return f.res, f.err
}

type fakeInbox struct {
	list   []*notify.Notification
	unread int
	err    error

	gotUser   string
	gotID     string
	gotUnread bool
	gotLimit  int
}

func (f *fakeInbox) ListForUser(_ context.Context, userID string, unreadOnly bool, limit int) ([]*notify.Notification, error) {
	f.gotUser, f.gotUnread, f.gotLimit = userID, unreadOnly, limit
	return f.list, f.err
}

func (f *fakeInbox) MarkRead(_ context.Context, userID, id string) error {
	f.gotUser, f.gotID = userID, id
	return f.err
}

func (f *fakeInbox) UnreadCount(_ context.Context, userID string) (int, error) {
	return f.unread, nil
}

type fakeMsgCount struct {
	n           int
	err         error
	gotInternal bool
}

func (f *fakeMsgCount) CountForCase(_ context.Context, _ string, includeInternal bool) (int, error) {
	f.gotInternal = includeInternal
	return f.n, f.err
}

type fakeEvCount struct {
	n   int
	err error
}

func (f *fakeEvCount) CountForCase(_ context.Context, _ string) (int, error) { return f.n, f.err }

type fakeIssueCount struct {
	n   int
	err error
}

func (f *fakeIssueCount) OpenIssueCount(_ context.Context, _ string) (int, error) { return f.n, f.err }

type fakePinger struct{ err error }

func (f *fakePinger) PingContext(context.Context) error { return f.err }

// fixture bundles a portal server wired to fakes and the assembled handler
// chain, so tests exercise the same middleware stack production sees.
type fixture struct {
	srv      *Server
	handler  http.Handler
	sessions *fakeSessions
	cases    *fakeCases
	vault    *fakeEvidence
	soa      *fakeStatements
	ledger   *fakeInvoices
	inbox    *fakeInbox
	msgCount *fakeMsgCount
	evCount  *fakeEvCount
	issues   *fakeIssueCount
	db       *fakePinger
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()

	f := &fixture{
		sessions: &fakeSessions{actor: internalActor(), cookie: "sid.sig"},
		cases:    &fakeCases{bounds: cases.PostureBoundaries{DueToday: 24 * time.Hour, Approaching: 48 * time.Hour}},
		vault:    &fakeEvidence{},
		soa:      &fakeStatements{},
		ledger:   &fakeInvoices{},
		inbox:    &fakeInbox{},
		msgCount: &fakeMsgCount{},
		evCount:  &fakeEvCount{},
		issues:   &fakeIssueCount{},
		db:       &fakePinger{},
	}

	deps := Deps{
		Sessions: f.sessions,
		Verifier: &fakeVerifier{sessions: map[string]*auth.Actor{
			internalCookie: internalActor(),
			supplierCookie: supplierActor(),
		}},
		Cases:      f.cases,
		Evidence:   f.vault,
		Statements: f.soa,
		Invoices:   f.ledger,
		Inbox:      f.inbox,
		Messages:   f.msgCount,
		Artifacts:  f.evCount,
		Issues:     f.issues,
		DB:         f.db,
		Policy:     config.DefaultPolicy(),
		CookieTTL:  time.Hour,
		Version:    "test",
	}
	for _, m := range mutate {
		m(&deps)
	}

	f.srv = NewServer(deps, WithClock(func() time.Time { return testNow }))
	f.handler = f.srv.Handler()
	return f
}

func doJSON(t *testing.T, h http.Handler, method, target, cookie string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: cookie})
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func multipartBody(t *testing.T, fields map[string]string, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func doMultipart(t *testing.T, h http.Handler, target, cookie string, fields map[string]string, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	buf, ct := multipartBody(t, fields, filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, target, buf)
	req.Header.Set("Content-Type", ct)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: cookie})
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestHealthzDatabaseDown(t *testing.T) {
	f := newFixture(t)
	f.db.err = errors.New("connection refused")

	rr := doJSON(t, f.handler, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestSessionRequired(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler, http.MethodGet, "/cases", "", nil)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestUnknownSessionRejected(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler, http.MethodGet, "/cases", "stale-cookie", nil)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestEveryResponseCarriesRequestID(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler, http.MethodGet, "/healthz", "", nil)

	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler, http.MethodPut, "/cases", internalCookie, nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func telemetryFixture(t *testing.T) *fixture {
	t.Helper()
	prov, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	return newFixture(t, func(d *Deps) { d.Telemetry = prov })
}

func TestSLOStatusDisabledWithoutTelemetry(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler, http.MethodGet, "/ops/slo", internalCookie, nil)

	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "not enabled")
}

func TestSLOStatusSupplierForbidden(t *testing.T) {
	f := telemetryFixture(t)

	rr := doJSON(t, f.handler, http.MethodGet, "/ops/slo", supplierCookie, nil)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestSLOStatusReportsObservedTraffic(t *testing.T) {
	f := telemetryFixture(t)

	// Generate one observation on a route with a registered objective.
	doJSON(t, f.handler, http.MethodGet, "/cases", internalCookie, nil)

	rr := doJSON(t, f.handler, http.MethodGet, "/ops/slo", internalCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		SLOs  []*observability.SLOStatus `json:"slos"`
		Count int                        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, len(body.SLOs), body.Count)

	var caseList *observability.SLOStatus
	for _, st := range body.SLOs {
		if st.Operation == "GET /cases" {
			caseList = st
		}
	}
	require.NotNil(t, caseList, "expected a case-list objective")
	assert.Equal(t, 1, caseList.ObservationCount)
	assert.True(t, caseList.InCompliance)
}

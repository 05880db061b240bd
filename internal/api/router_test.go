package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/kalambet/hostrd/internal/classifier"
	"github.com/kalambet/hostrd/internal/hub"
	"github.com/kalambet/hostrd/internal/jobs"
	"github.com/kalambet/hostrd/internal/knowledge"
	"github.com/kalambet/hostrd/internal/metrics"
	"github.com/kalambet/hostrd/internal/scheduler"
)

// --- fakes ---

type fakeJobs struct {
	mu      sync.Mutex
	runs    map[string]jobs.JobRun
	running map[string]bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{runs: map[string]jobs.JobRun{}, running: map[string]bool{}}
}

func (f *fakeJobs) Jobs() []scheduler.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := []scheduler.Info{{Name: "analytics", Schedule: "0 1 * * *"}, {Name: "ratings", Schedule: "*/15 * * * *"}}
	for i := range infos {
		if r, ok := f.runs[infos[i].Name]; ok {
			infos[i].LastRun = &r
		}
	}
	return infos
}

func (f *fakeJobs) LastRun(name string) (jobs.JobRun, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[name]
	return r, ok
}

func (f *fakeJobs) Trigger(_ context.Context, name string) (jobs.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "analytics" && name != "ratings" {
		return jobs.JobRun{}, fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, name)
	}
	if f.running[name] {
		return jobs.JobRun{}, fmt.Errorf("%w: %s", scheduler.ErrAlreadyRunning, name)
	}
	run := jobs.JobRun{JobName: name, Outcome: jobs.OutcomeSuccess, ItemsProcessed: 2}
	f.runs[name] = run
	return run, nil
}

type fakeClassifier struct {
	result classifier.Result
}

func (f fakeClassifier) Classify(context.Context, string, string) classifier.Result {
	return f.result
}

type fakeImporter struct {
	tenant, name, text string
}

func (f *fakeImporter) ImportText(_ context.Context, tenantID, name, text string) (knowledge.Result, error) {
	f.tenant, f.name, f.text = tenantID, name, text
	return knowledge.Result{Source: name, Chunks: 1, Created: 1}, nil
}

// --- helpers ---

type testEnv struct {
	server   *httptest.Server
	jobs     *fakeJobs
	hub      *hub.Hub
	importer *fakeImporter
	metrics  *metrics.Metrics
	tokens   *TenantTokens
}

func newTestEnv(t *testing.T, result classifier.Result) *testEnv {
	t.Helper()
	env := &testEnv{
		jobs:     newFakeJobs(),
		hub:      hub.New(zap.NewNop(), hub.WithHeartbeat(0)),
		importer: &fakeImporter{},
		metrics:  metrics.New(),
		tokens:   NewTenantTokens("test-signing-key"),
	}
	t.Cleanup(env.hub.Close)
	env.server = httptest.NewServer(NewRouter(Deps{
		Jobs:       env.jobs,
		Classifier: fakeClassifier{result: result},
		Knowledge:  env.importer,
		Hub:        env.hub,
		Metrics:    env.metrics,
		Tokens:     env.tokens,
		Token:      "secret",
	}))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// --- tests ---

func TestHealthIsOpen(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})
	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJobsRequireToken(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})
	resp, err := http.Get(env.server.URL + "/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRunJobAndReadStatus(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})

	resp := env.do(t, http.MethodPost, "/jobs/analytics/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[jobs.JobRun](t, resp)
	assert.Equal(t, jobs.OutcomeSuccess, run.Outcome)

	resp = env.do(t, http.MethodGet, "/jobs/analytics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[scheduler.Info](t, resp)
	require.NotNil(t, info.LastRun)
	assert.Equal(t, 2, info.LastRun.ItemsProcessed)

	resp = env.do(t, http.MethodGet, "/jobs", nil)
	list := decode[struct {
		Jobs []scheduler.Info `json:"jobs"`
	}](t, resp)
	assert.Len(t, list.Jobs, 2)
}

func TestRunJobErrors(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/jobs/nope/run", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/jobs/nope", nil).StatusCode)

	env.jobs.mu.Lock()
	env.jobs.running["ratings"] = true
	env.jobs.mu.Unlock()
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/jobs/ratings/run", nil).StatusCode)
}

func TestClassifyPublishesEmergencyToTenant(t *testing.T) {
	env := newTestEnv(t, classifier.Result{Method: classifier.MethodRegex, Label: classifier.LabelEmergency, Confidence: 0.95})

	staff, err := env.hub.Connect("staff")
	require.NoError(t, err)
	require.True(t, env.hub.JoinTenantGroup("staff", "t1"))
	other, err := env.hub.Connect("other")
	require.NoError(t, err)
	require.True(t, env.hub.JoinTenantGroup("other", "t2"))

	resp := env.do(t, http.MethodPost, "/classify", ClassifyRequest{TenantID: "t1", Text: "fire in room 12", Room: "12"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[ClassifyResponse](t, resp)
	assert.Equal(t, classifier.LabelEmergency, out.Label)
	assert.Equal(t, 1, out.Delivered)

	select {
	case ev := <-staff.Events:
		assert.Equal(t, hub.EventEmergencyAlert, ev.Name)
		payload, ok := ev.Payload.(hub.AlertPayload)
		require.True(t, ok)
		assert.Equal(t, "12", payload.Room)
	case <-time.After(time.Second):
		t.Fatal("staff connection received nothing")
	}
	assert.Empty(t, other.Events)
}

func TestClassifyAmbiguousDoesNotAlert(t *testing.T) {
	env := newTestEnv(t, classifier.Result{Method: classifier.MethodRegex, Label: classifier.LabelMaintenance, Confidence: 0.4, Ambiguous: true})
	staff, err := env.hub.Connect("staff")
	require.NoError(t, err)
	env.hub.JoinTenantGroup("staff", "t1")

	resp := env.do(t, http.MethodPost, "/classify", ClassifyRequest{TenantID: "t1", Text: "the tap is weird"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[ClassifyResponse](t, resp)
	assert.True(t, out.Ambiguous)
	assert.Zero(t, out.Delivered)
	assert.Empty(t, staff.Events)
}

func TestClassifyValidation(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/classify", ClassifyRequest{Text: "hi"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/classify", ClassifyRequest{TenantID: "t1", Text: "  "}).StatusCode)
}

func TestImportKnowledge(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})

	resp := env.do(t, http.MethodPost, "/tenants/t1/knowledge", ImportRequest{Name: "rules.txt", Content: "No pets."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t1", env.importer.tenant)
	assert.Equal(t, "No pets.", env.importer.text)

	encoded := base64.StdEncoding.EncodeToString([]byte("Late checkout costs extra."))
	resp = env.do(t, http.MethodPost, "/tenants/t1/knowledge", ImportRequest{Name: "fees.txt", Type: "file", Content: encoded})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Late checkout costs extra.", env.importer.text)

	resp = env.do(t, http.MethodPost, "/tenants/t1/knowledge", ImportRequest{Name: "fees.docx", Type: "file", Content: encoded})
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/tenants/t1/knowledge", ImportRequest{Content: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImportKnowledgeFromURL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Parking is free for guests."))
	}))
	defer page.Close()

	env := newTestEnv(t, classifier.Result{})
	resp := env.do(t, http.MethodPost, "/tenants/t1/knowledge", ImportRequest{Name: "parking", Type: "url", URL: page.URL})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Parking is free for guests.", env.importer.text)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})
	env.do(t, http.MethodGet, "/jobs/nope", nil)

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `hostrd_api_errors_total{method="GET",path="/jobs/{name}",status="404"} 1`)
}

func TestBearerAuthDisabledWithoutToken(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

// --- MCP ---

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPRunJobThenStatus(t *testing.T) {
	deps := MCPDeps{Jobs: newFakeJobs()}

	result, err := mcpRunJob(deps)(context.Background(), makeCallToolRequest("run_job", map[string]interface{}{"name": "ratings"}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	result, err = mcpJobStatus(deps)(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{"name": "ratings"}))
	require.NoError(t, err)
	var run jobs.JobRun
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &run))
	assert.Equal(t, "ratings", run.JobName)

	result, err = mcpJobStatus(deps)(context.Background(), makeCallToolRequest("job_status", nil))
	require.NoError(t, err)
	var infos []scheduler.Info
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &infos))
	assert.Len(t, infos, 2)
}

func TestMCPErrors(t *testing.T) {
	deps := MCPDeps{Jobs: newFakeJobs()}

	result, err := mcpRunJob(deps)(context.Background(), makeCallToolRequest("run_job", map[string]interface{}{"name": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "unknown job")

	result, err = mcpRunJob(deps)(context.Background(), makeCallToolRequest("run_job", map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = mcpJobStatus(deps)(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{"name": "analytics"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "no run recorded yet")
}

func TestMCPClassify(t *testing.T) {
	deps := MCPDeps{Jobs: newFakeJobs(), Classifier: fakeClassifier{result: classifier.Result{Method: classifier.MethodLLM, Label: "housekeeping", Confidence: 0.7}}}

	result, err := mcpClassify(deps)(context.Background(), makeCallToolRequest("classify_message", map[string]interface{}{"tenant_id": "t1", "text": "more towels"}))
	require.NoError(t, err)
	var res classifier.Result
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &res))
	assert.Equal(t, "housekeeping", res.Label)

	result, err = mcpClassify(deps)(context.Background(), makeCallToolRequest("classify_message", map[string]interface{}{"text": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	assert.NotNil(t, NewMCPServer(deps))
}

// --- tenant tokens and the socket ---

func (e *testEnv) dialSocket(header http.Header, query string) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig("ws"+strings.TrimPrefix(e.server.URL, "http")+"/ws"+query, "http://localhost/")
	if err != nil {
		return nil, err
	}
	cfg.Header = header
	return websocket.DialConfig(cfg)
}

func receiveEvent(t *testing.T, ws *websocket.Conn) hub.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev hub.Event
	require.NoError(t, websocket.JSON.Receive(ws, &ev))
	return ev
}

func TestSocketRefusesUnauthenticatedDial(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})

	_, err := env.dialSocket(nil, "")
	assert.Error(t, err)

	_, err = env.dialSocket(http.Header{"X-Tenant-Claims": {"t1"}}, "")
	assert.Error(t, err, "claim header alone must not authenticate")

	_, err = env.dialSocket(http.Header{"Authorization": {"Bearer secret"}}, "")
	assert.Error(t, err, "operator token is not a tenant token")

	_, err = env.dialSocket(nil, "?access_token=not-a-jwt")
	assert.Error(t, err)
	assert.Zero(t, env.hub.ConnectionCount())
}

func TestSocketJoinLimitedToTokenTenants(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})

	resp := env.do(t, http.MethodPost, "/tokens", IssueTokenRequest{Subject: "front-desk", Tenants: []string{"t1"}, TTL: "1h"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	issued := decode[IssueTokenResponse](t, resp)
	require.NotEmpty(t, issued.Token)

	ws, err := env.dialSocket(http.Header{"X-Tenant-Claims": {"victim"}}, "?access_token="+issued.Token)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, hub.EventConnected, receiveEvent(t, ws).Name)

	require.NoError(t, websocket.JSON.Send(ws, hub.Command{Op: "join", TenantID: "victim"}))
	assert.Equal(t, hub.EventError, receiveEvent(t, ws).Name)
	assert.Zero(t, env.hub.SubscriberCount("victim"))

	require.NoError(t, websocket.JSON.Send(ws, hub.Command{Op: "join", TenantID: "t1"}))
	assert.Equal(t, hub.EventJoined, receiveEvent(t, ws).Name)
	assert.Equal(t, 1, env.hub.SubscriberCount("t1"))
}

func TestSocketAcceptsBearerTenantToken(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})
	token, _, err := env.tokens.Issue("tablet-3", []string{"t1", "t2"}, time.Hour)
	require.NoError(t, err)

	ws, err := env.dialSocket(http.Header{"Authorization": {"Bearer " + token}}, "")
	require.NoError(t, err)
	defer ws.Close()
	receiveEvent(t, ws)

	require.NoError(t, websocket.JSON.Send(ws, hub.Command{Op: "join", TenantID: "t2"}))
	assert.Equal(t, hub.EventJoined, receiveEvent(t, ws).Name)
}

func TestSocketNotMountedWithoutTokens(t *testing.T) {
	h := hub.New(zap.NewNop(), hub.WithHeartbeat(0))
	t.Cleanup(h.Close)
	srv := httptest.NewServer(NewRouter(Deps{Hub: h, Token: "secret"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIssueTokenValidation(t *testing.T) {
	env := newTestEnv(t, classifier.Result{})

	resp := env.do(t, http.MethodPost, "/tokens", IssueTokenRequest{Subject: "desk"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/tokens", IssueTokenRequest{Subject: "desk", Tenants: []string{"t1"}, TTL: "720h"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/tokens", IssueTokenRequest{Tenants: []string{"t1"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/tokens", strings.NewReader(`{"subject":"x","tenants":["t1"]}`))
	require.NoError(t, err)
	anon, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	anon.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, anon.StatusCode)
}

func TestTenantTokensVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens := NewTenantTokens("k1")
	tokens.now = func() time.Time { return now }

	token, exp, err := tokens.Issue("desk", []string{"t1"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	claims, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, claims.Tenants)
	assert.Equal(t, "desk", claims.Subject)

	_, err = NewTenantTokens("k2").Verify(token)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	now = now.Add(2 * time.Hour)
	_, err = tokens.Verify(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, _, err = tokens.Issue("desk", nil, time.Hour)
	assert.ErrorIs(t, err, ErrNoTenants)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, TenantClaims{
		Tenants:          []string{"t1"},
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.Verify(unsigned)
	assert.Error(t, err)
}

package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/engine"
	"stagegate/internal/maturity"
	"stagegate/internal/migrate"
	"stagegate/internal/server"
)

type testServer struct {
	t       *testing.T
	baseURL string
	client  *http.Client
	actor   string
	token   string
	apiKey  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth: server.AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return &testServer{
		t:       t,
		baseURL: "http://" + ln.Addr().String(),
		client:  &http.Client{Timeout: 5 * time.Second},
		actor:   "alice",
	}
}

// doJSON issues a request with the configured credentials and decodes the
// response body into out (when out is non-nil).
func (ts *testServer) doJSON(method, path string, body any, out any) int {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.baseURL+path, reader)
	if err != nil {
		ts.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case ts.token != "":
		req.Header.Set("Authorization", "Bearer "+ts.token)
	case ts.apiKey != "":
		req.Header.Set("X-Api-Key", ts.apiKey)
	case ts.actor != "":
		req.Header.Set("X-Actor-Id", ts.actor)
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		ts.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		ts.t.Fatalf("read body: %v", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			ts.t.Fatalf("%s %s: decode %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func fullAnswers() map[string]string {
	return map[string]string{
		"acceptance_scope": "endpoints behave per acceptance suite",
		"target_users":     "platform team",
		"constraints":      "none",
		"delivery_format":  "source repository",
	}
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	var out server.GateOutcomeResponse
	status := ts.doJSON(http.MethodPost, "/v0/sessions", server.CreateSessionRequest{
		Objective: "build a REST service",
		Answers:   fullAnswers(),
	}, &out)
	if status != http.StatusCreated {
		t.Fatalf("create session: status %d", status)
	}
	if out.Decision != "passed" || out.Session.CurrentStage != "requirements_intake" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	return out.Session.ID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.actor = ""
	var out map[string]string
	if status := ts.doJSON(http.MethodGet, "/v0/health", nil, &out); status != http.StatusOK {
		t.Fatalf("health: status %d", status)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", out)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	ts := newTestServer(t)
	ts.actor = ""
	var env errEnvelope
	if status := ts.doJSON(http.MethodGet, "/v0/sessions", nil, &env); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error code: %+v", env)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)

	var req server.RequirementResponse
	status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/requirements", server.CreateRequirementRequest{
		Type:        "functional",
		Description: "expose a CRUD endpoint",
	}, &req)
	if status != http.StatusCreated || req.ReqID != "FR-1" {
		t.Fatalf("create requirement: status %d, %+v", status, req)
	}

	var s server.SessionResponse
	if status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/approve-requirements", nil, &s); status != http.StatusOK {
		t.Fatalf("approve requirements: status %d", status)
	}
	if s.CurrentStage != "planning" || !s.RequirementsApproved {
		t.Fatalf("unexpected session after approval: %+v", s)
	}

	if status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/requirements/FR-1/map", server.MapRequirementRequest{
		Stage: "core_logic",
		Tasks: []string{"t1"},
	}, &req); status != http.StatusOK {
		t.Fatalf("map requirement: status %d", status)
	}

	if status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/approve-plan", nil, &s); status != http.StatusOK {
		t.Fatalf("approve plan: status %d", status)
	}
	if s.CurrentStage != "code_generation" {
		t.Fatalf("expected code_generation, got %s", s.CurrentStage)
	}

	profile, err := maturity.Resolve(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, stageID := range profile.RequiredSubStages {
		task := server.TaskInput{ID: "t-" + stageID, Status: "done"}
		evidence := "artifacts/" + stageID
		task.Evidence = &evidence
		if stageID == "core_logic" {
			task.Satisfies = []string{"FR-1"}
		}
		var res server.StageResultResponse
		if status := ts.doJSON(http.MethodPost, fmt.Sprintf("/v0/sessions/%s/stages/%s/run", id, stageID), server.RunStageRequest{
			Tasks: []server.TaskInput{task},
		}, &res); status != http.StatusOK {
			t.Fatalf("run %s: status %d", stageID, status)
		}
		if res.Status != "done_with_evidence" {
			t.Fatalf("run %s: %+v", stageID, res)
		}
	}

	if status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/submit", nil, &s); status != http.StatusOK {
		t.Fatalf("submit: status %d", status)
	}
	if s.CurrentStage != "verification" {
		t.Fatalf("expected verification, got %s", s.CurrentStage)
	}

	var out server.GateOutcomeResponse
	if status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/verify", server.VerifyRequest{
		Passed:  true,
		Metrics: map[string]float64{"test_coverage": 80},
	}, &out); status != http.StatusOK {
		t.Fatalf("verify: status %d", status)
	}
	if out.Decision != "passed" || out.Session.CurrentStage != "handoff" {
		t.Fatalf("unexpected verify outcome: %+v", out)
	}

	if status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/handoff", nil, &s); status != http.StatusOK {
		t.Fatalf("handoff: status %d", status)
	}
	if !s.Terminated || s.TerminationReason != "succeeded" {
		t.Fatalf("expected succeeded termination, got %+v", s)
	}

	var st server.SessionStatusResponse
	if status := ts.doJSON(http.MethodGet, "/v0/sessions/"+id+"/status", nil, &st); status != http.StatusOK {
		t.Fatalf("status: status %d", status)
	}
	if st.Coverage.Implemented != 1 || len(st.Records) != 6 {
		t.Fatalf("unexpected status payload: %+v", st)
	}

	var events struct {
		Items []server.EventResponse `json:"items"`
	}
	if status := ts.doJSON(http.MethodGet, "/v0/sessions/"+id+"/events", nil, &events); status != http.StatusOK {
		t.Fatalf("events: status %d", status)
	}
	if len(events.Items) == 0 {
		t.Fatalf("expected audit events")
	}
}

func TestVerifyInWrongStageConflicts(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)
	var env errEnvelope
	status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/verify", server.VerifyRequest{Passed: true}, &env)
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	if env.Error.Code != "invalid_stage" {
		t.Fatalf("unexpected error code: %+v", env)
	}
	if env.Error.Details["current_stage"] != "requirements_intake" {
		t.Fatalf("expected current stage detail, got %v", env.Error.Details)
	}
}

func TestGateFailureEnvelope(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)
	var req server.RequirementResponse
	ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/requirements", server.CreateRequirementRequest{
		Type: "functional", Description: "unmapped feature",
	}, &req)
	ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/approve-requirements", nil, nil)

	var env errEnvelope
	status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/approve-plan", nil, &env)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", status)
	}
	if env.Error.Code != "gate_failed" {
		t.Fatalf("unexpected error code: %+v", env)
	}
	reasons, _ := env.Error.Details["reasons"].([]any)
	if len(reasons) != 1 {
		t.Fatalf("expected unmapped requirement listed, got %v", env.Error.Details)
	}
}

func TestUnknownSessionNotFound(t *testing.T) {
	ts := newTestServer(t)
	var env errEnvelope
	status := ts.doJSON(http.MethodGet, "/v0/sessions/does-not-exist", nil, &env)
	if status != http.StatusNotFound || env.Error.Code != "not_found" {
		t.Fatalf("expected 404 not_found, got %d %+v", status, env)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	ts := newTestServer(t)
	ts.actor = ""

	var login server.DevLoginResponse
	status := ts.doJSON(http.MethodPost, "/v0/auth/dev/login", server.DevLoginRequest{ActorID: "bob"}, &login)
	if status != http.StatusOK || login.Token == "" {
		t.Fatalf("dev login: status %d, %+v", status, login)
	}

	ts.token = login.Token
	var me server.WhoAmIResponse
	if status := ts.doJSON(http.MethodGet, "/v0/me", nil, &me); status != http.StatusOK {
		t.Fatalf("me: status %d", status)
	}
	if me.ActorID != "bob" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	ts.token = "not-a-token"
	var env errEnvelope
	if status := ts.doJSON(http.MethodGet, "/v0/me", nil, &env); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", status)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)

	var created server.APIKeyResponse
	status := ts.doJSON(http.MethodPost, "/v0/keys", server.CreateAPIKeyRequest{ActorID: "ci-bot"}, &created)
	if status != http.StatusCreated || created.Key == "" {
		t.Fatalf("create key: status %d, %+v", status, created)
	}

	ts.actor = ""
	ts.apiKey = created.Key
	var me server.WhoAmIResponse
	if status := ts.doJSON(http.MethodGet, "/v0/me", nil, &me); status != http.StatusOK {
		t.Fatalf("me with key: status %d", status)
	}
	if me.ActorID != "ci-bot" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	// deleting the key revokes access
	ts.actor = "alice"
	ts.apiKey = ""
	if status := ts.doJSON(http.MethodDelete, "/v0/keys/"+created.ID, nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete key: status %d", status)
	}
	ts.actor = ""
	ts.apiKey = created.Key
	if status := ts.doJSON(http.MethodGet, "/v0/me", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("revoked key must not authenticate, got %d", status)
	}
}

func TestCancelSession(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)
	var s server.SessionResponse
	note := "priorities changed"
	if status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/cancel", server.CancelRequest{Note: &note}, &s); status != http.StatusOK {
		t.Fatalf("cancel: status %d", status)
	}
	if !s.Terminated || s.TerminationReason != "aborted" {
		t.Fatalf("expected aborted, got %+v", s)
	}

	var env errEnvelope
	status := ts.doJSON(http.MethodPost, "/v0/sessions/"+id+"/approve-requirements", nil, &env)
	if status != http.StatusConflict || env.Error.Code != "session_terminated" {
		t.Fatalf("expected session_terminated conflict, got %d %+v", status, env)
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"modusnapd/internal/faults"
	"modusnapd/pkg/types"
)

type mockService struct {
	planErr  error
	applyErr error
	fixErr   error
	lastPlan types.PlanRequest
	sessions map[string]types.InstallSession
}

func (m *mockService) BackendStatus(ctx context.Context) types.BackendStatusResponse {
	return types.BackendStatusResponse{Up: true, Dir: "/opt/engine"}
}

func (m *mockService) BackendLogs(ctx context.Context, lines int) (types.BackendLogsResponse, error) {
	return types.BackendLogsResponse{BackendUp: true, ComfyLogTail: "tail"}, nil
}

func (m *mockService) EnvStatus(ctx context.Context) (types.EnvStatusResponse, error) {
	return types.EnvStatusResponse{OK: true, BackendDir: "/opt/engine", PipHealthy: true}, nil
}

func (m *mockService) EnvPlan(ctx context.Context, req types.PlanRequest) (types.EnvTx, error) {
	m.lastPlan = req
	if m.planErr != nil {
		return types.EnvTx{}, m.planErr
	}
	return types.EnvTx{ID: "tx-1", Kind: types.TxRepair, Status: types.TxPlanned}, nil
}

func (m *mockService) EnvApply(ctx context.Context, id string) (types.EnvTx, error) {
	if m.applyErr != nil {
		return types.EnvTx{}, m.applyErr
	}
	return types.EnvTx{ID: id, Status: types.TxSucceeded, PipHealthy: true}, nil
}

func (m *mockService) EnvRollback(ctx context.Context, id string) (types.EnvTx, error) {
	return types.EnvTx{ID: "rb-1", Kind: types.TxRollback, Status: types.TxRolledBack, RollbackOf: id}, nil
}

func (m *mockService) EnvList(ctx context.Context) []types.EnvTxSummary {
	return []types.EnvTxSummary{{ID: "tx-1"}}
}

func (m *mockService) EnvGet(ctx context.Context, id string) (types.EnvTx, error) {
	if id != "tx-1" {
		return types.EnvTx{}, faults.New(faults.NotFound, "transaction %s", id)
	}
	return types.EnvTx{ID: "tx-1"}, nil
}

func (m *mockService) Diagnostics(ctx context.Context, deep bool) types.DiagnosticsReport {
	return types.DiagnosticsReport{Deep: deep, BackendUp: true, Issues: []types.DiagnosticIssue{}}
}

func (m *mockService) ApplyFix(ctx context.Context, issueID string) (types.FixResponse, error) {
	if m.fixErr != nil {
		return types.FixResponse{}, m.fixErr
	}
	return types.FixResponse{OK: true, IssueID: issueID}, nil
}

func (m *mockService) ManagerBatch(ctx context.Context, req types.BatchRequest) (types.BatchResponse, error) {
	return types.BatchResponse{OK: true, BatchID: "b1", QueueStartStatus: 200}, nil
}

func (m *mockService) SessionStart(mode, scope string, items []types.CatalogItem) (string, error) {
	return "sess-1", nil
}

func (m *mockService) SessionStatus(id string) (types.InstallSession, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return types.InstallSession{}, faults.New(faults.NotFound, "session %s", id)
}

func (m *mockService) SessionCancel(id string) error { return nil }

func (m *mockService) CompatibilityGet(ctx context.Context) (*types.CompatibilitySet, []types.CompatibilitySet, error) {
	return &types.CompatibilitySet{LockID: "lock-1"}, nil, nil
}

func (m *mockService) CompatibilityPost(ctx context.Context, items []types.CatalogItem) (types.CompatibilityPostResponse, error) {
	return types.CompatibilityPostResponse{CompatibilitySet: &types.CompatibilitySet{LockID: "lock-2"}}, nil
}

func (m *mockService) Preflight(ctx context.Context, req types.PreflightRequest) (types.PreflightReport, error) {
	return types.PreflightReport{Summary: types.CatalogAudit{Total: len(req.Items)}}, nil
}

func (m *mockService) SizeEstimate(ctx context.Context, items []types.CatalogItem) (types.SizeEstimateResponse, error) {
	return types.SizeEstimateResponse{Total: len(items)}, nil
}

func (m *mockService) ManagerStatus(ctx context.Context) types.ManagerStatusResponse {
	return types.ManagerStatusResponse{ManagerRoutesReachable: true, HardwareProfile: "linux-x86_64-nvidia:true-rocm:false", NodeCount: 7}
}

func (m *mockService) Ready() bool { return true }

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEnvPlanHandler(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc, nil, false)
	w := doJSON(t, h, http.MethodPost, "/api/env/plan", types.PlanRequest{Mode: "repair"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp types.TxResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !resp.OK || resp.Transaction.ID != "tx-1" {
		t.Fatalf("resp=%+v", resp)
	}
	if svc.lastPlan.Mode != "repair" {
		t.Fatalf("plan not forwarded: %+v", svc.lastPlan)
	}
}

func TestPlanContentTypeRequired(t *testing.T) {
	h := NewMux(&mockService{}, nil, false)
	req := httptest.NewRequest(http.MethodPost, "/api/env/plan", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestFaultMappingOnApply(t *testing.T) {
	svc := &mockService{applyErr: faults.New(faults.Conflict, "wrong state")}
	h := NewMux(svc, nil, false)
	w := doJSON(t, h, http.MethodPost, "/api/env/apply", types.TxIDRequest{ID: "tx-1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("json: %v", err)
	}
	if er.Kind != "CONFLICT" {
		t.Fatalf("kind=%q", er.Kind)
	}
}

func TestApplyRequiresID(t *testing.T) {
	h := NewMux(&mockService{}, nil, false)
	w := doJSON(t, h, http.MethodPost, "/api/env/apply", types.TxIDRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestBackendLogsLineBounds(t *testing.T) {
	h := NewMux(&mockService{}, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/api/backend/logs?lines=5", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/backend/logs?lines=100", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestDiagnosticsDeepFlag(t *testing.T) {
	h := NewMux(&mockService{}, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/api/diagnostics/status?deep=1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var rep types.DiagnosticsReport
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !rep.Deep {
		t.Fatalf("deep flag not forwarded")
	}
}

func TestManagerStatusShape(t *testing.T) {
	h := NewMux(&mockService{}, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/api/manager/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v", err)
	}
	if out["managerRoutesReachable"] != true {
		t.Fatalf("out=%v", out)
	}
	if out["nodeCount"] != float64(7) {
		t.Fatalf("out=%v", out)
	}
}

func TestHealthAndReady(t *testing.T) {
	h := NewMux(&mockService{}, nil, false)
	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, w.Code)
		}
	}
}

func TestSessionRoutes(t *testing.T) {
	svc := &mockService{sessions: map[string]types.InstallSession{"sess-1": {ID: "sess-1", Running: true}}}
	h := NewMux(svc, nil, false)
	w := doJSON(t, h, http.MethodPost, "/api/manager/session", types.SessionStartRequest{Mode: "install", Scope: "selected"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	req := httptest.NewRequest(http.MethodGet, "/api/manager/session/sess-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/manager/session/nope", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

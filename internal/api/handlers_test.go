package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"execjs-bridge/internal/bridge"
	"execjs-bridge/internal/execjs"
	"execjs-bridge/internal/monitor"
	"execjs-bridge/internal/storage"
)

// mockBackend implements bridge.Backend for handler tests.
type mockBackend struct {
	result   *bridge.Result
	err      error
	runtimes []bridge.RuntimeInfo
	lastReq  bridge.Request
}

func (m *mockBackend) Evaluate(_ context.Context, req bridge.Request) (*bridge.Result, error) {
	m.lastReq = req
	return m.result, m.err
}

func (m *mockBackend) Runtimes(_ context.Context) ([]bridge.RuntimeInfo, error) {
	return m.runtimes, nil
}

func (m *mockBackend) Close() error { return nil }

// mockStore implements EvaluationStore.
type mockStore struct {
	evals      map[string]*storage.Evaluation
	lastFilter storage.EvaluationFilter
	healthy    bool
}

func (m *mockStore) GetEvaluation(_ context.Context, id string) (*storage.Evaluation, error) {
	ev, ok := m.evals[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return ev, nil
}

func (m *mockStore) ListEvaluations(_ context.Context, filter storage.EvaluationFilter) ([]storage.Evaluation, error) {
	m.lastFilter = filter
	var out []storage.Evaluation
	for _, ev := range m.evals {
		out = append(out, *ev)
	}
	return out, nil
}

func (m *mockStore) Healthy(context.Context) bool { return m.healthy }

func newTestHandlers(backend bridge.Backend) *Handlers {
	h := &Handlers{
		metrics:  monitor.NewMetrics(),
		detector: monitor.NewSourceDetector(),
	}
	if backend != nil {
		h.backend = backend
	}
	return h
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return resp
}

func TestHandleEval_Success(t *testing.T) {
	backend := &mockBackend{
		result: &bridge.Result{
			ID:         "test-id",
			Runtime:    "node",
			Mode:       bridge.ModeEval,
			Status:     bridge.StatusSuccess,
			Value:      float64(2),
			Duration:   40 * time.Millisecond,
			SourceHash: "abc",
		},
	}
	h := newTestHandlers(backend)

	rec := postJSON(t, h.HandleEval, EvaluationRequest{Source: "1+1", Runtime: "node", Timeout: Duration{5 * time.Second}})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp EvaluationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "test-id" {
		t.Errorf("ID = %q, want %q", resp.ID, "test-id")
	}
	if resp.Value != float64(2) {
		t.Errorf("Value = %v, want 2", resp.Value)
	}
	if resp.Status != bridge.StatusSuccess {
		t.Errorf("Status = %q, want success", resp.Status)
	}

	if backend.lastReq.Mode != bridge.ModeEval {
		t.Errorf("Mode = %q, want eval", backend.lastReq.Mode)
	}
	if backend.lastReq.Timeout != 5*time.Second {
		t.Errorf("Timeout = %s, want 5s", backend.lastReq.Timeout)
	}
}

func TestHandleCall_PassesArguments(t *testing.T) {
	backend := &mockBackend{result: &bridge.Result{ID: "x", Mode: bridge.ModeCall, Status: bridge.StatusSuccess, Value: float64(3)}}
	h := newTestHandlers(backend)

	rec := postJSON(t, h.HandleCall, EvaluationRequest{
		Preamble:   "function add(a, b) { return a + b }",
		Identifier: "add",
		Args:       []any{1, 2},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if backend.lastReq.Mode != bridge.ModeCall || backend.lastReq.Identifier != "add" {
		t.Errorf("unexpected request: %+v", backend.lastReq)
	}
	if len(backend.lastReq.Args) != 2 {
		t.Errorf("Args = %v, want 2 elements", backend.lastReq.Args)
	}
}

func TestHandleCall_RequiresIdentifier(t *testing.T) {
	h := newTestHandlers(&mockBackend{})

	rec := postJSON(t, h.HandleCall, EvaluationRequest{Args: []any{1}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleEval_ErrorMapping(t *testing.T) {
	jsErr := func(kind error, msg string) error {
		return &bridge.ExecutionError{ExecID: "e1", Op: "evaluate", Err: &execjs.Error{ExecID: "e1", Kind: kind, Message: msg}}
	}

	tests := []struct {
		name       string
		err        error
		withResult bool
		wantStatus int
		wantCode   string
	}{
		{"syntax", jsErr(execjs.ErrSourceSyntax, "SyntaxError: Unexpected token"), true, http.StatusUnprocessableEntity, CodeSyntaxError},
		{"program", jsErr(execjs.ErrProgram, "Error: boom"), true, http.StatusUnprocessableEntity, CodeProgramError},
		{"execution failed", jsErr(execjs.ErrExecutionFailed, "node: not found"), true, http.StatusBadGateway, CodeExecutionFailed},
		{"malformed", jsErr(execjs.ErrMalformedOutput, "Warning"), true, http.StatusBadGateway, CodeExecutionFailed},
		{"timeout", &bridge.ExecutionError{Op: "evaluate", Err: bridge.ErrTimeout}, true, http.StatusGatewayTimeout, CodeTimeout},
		{"validation", &bridge.ExecutionError{Op: "validate", Err: bridge.ErrInvalidRequest}, false, http.StatusBadRequest, CodeValidation},
		{"unknown runtime", &bridge.ExecutionError{Op: "get_runtime", Err: bridge.ErrUnsupportedRuntime}, false, http.StatusBadRequest, CodeValidation},
		{"closed", &bridge.ExecutionError{Op: "evaluate", Err: bridge.ErrClosed}, false, http.StatusServiceUnavailable, CodeUnavailable},
		{"cancelled", &bridge.ExecutionError{Op: "acquire_slot", Err: context.Canceled}, false, http.StatusGatewayTimeout, CodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{err: tt.err}
			if tt.withResult {
				backend.result = &bridge.Result{
					ID:      "e1",
					Runtime: "node",
					Mode:    bridge.ModeEval,
					Status:  bridge.StatusOf(tt.err),
					Error:   execjs.Message(tt.err),
				}
			}
			h := newTestHandlers(backend)

			rec := postJSON(t, h.HandleEval, EvaluationRequest{Source: "x"})
			if rec.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			resp := decodeError(t, rec)
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
			if tt.withResult && resp.ExecID != "e1" {
				t.Errorf("exec_id = %q, want e1", resp.ExecID)
			}
		})
	}
}

func TestHandleEval_InvalidJSON(t *testing.T) {
	h := newTestHandlers(&mockBackend{})

	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	h.HandleEval(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != CodeInvalidRequest {
		t.Errorf("code = %q, want %q", resp.Code, CodeInvalidRequest)
	}
}

func TestHandleEval_SourceDetection(t *testing.T) {
	backend := &mockBackend{result: &bridge.Result{ID: "d", Status: bridge.StatusSuccess, Value: "x"}}
	h := newTestHandlers(backend)

	rec := postJSON(t, h.HandleExec, EvaluationRequest{Source: "return require('child_process').execSync('id')"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 (detections never block)", rec.Code)
	}
	var resp EvaluationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Detections) == 0 {
		t.Fatal("expected detections in response")
	}
	if resp.Detections[0].Pattern != "child_process" {
		t.Errorf("pattern = %q, want child_process", resp.Detections[0].Pattern)
	}
}

func TestHandleEval_BackendUnavailable(t *testing.T) {
	h := newTestHandlers(nil)

	rec := postJSON(t, h.HandleEval, EvaluationRequest{Source: "1"})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != CodeUnavailable {
		t.Errorf("got code %q, want %s", resp.Code, CodeUnavailable)
	}
}

func TestHandleEval_WritesAudit(t *testing.T) {
	rec := &recordingLogger{}
	writer := storage.NewAuditWriter(rec, 10)
	writer.Start()

	backend := &mockBackend{result: &bridge.Result{ID: "audit-1", Runtime: "node", Mode: bridge.ModeEval, Status: bridge.StatusSuccess, Value: []any{"a"}}}
	h := newTestHandlers(backend)
	h.auditWriter = writer

	postJSON(t, h.HandleEval, EvaluationRequest{Source: "process.env.HOME"})
	writer.Flush(5 * time.Second)

	if len(rec.evals) != 1 {
		t.Fatalf("got %d audit records, want 1", len(rec.evals))
	}
	ev := rec.evals[0]
	if ev.ID != "audit-1" || ev.Result != `["a"]` {
		t.Errorf("unexpected audit record: %+v", ev)
	}
	if len(ev.Detections) == 0 || ev.Detections[0].Pattern != "environment_access" {
		t.Errorf("detections = %+v, want environment_access", ev.Detections)
	}
}

type recordingLogger struct {
	evals []*storage.Evaluation
}

func (r *recordingLogger) LogEvaluation(_ context.Context, ev *storage.Evaluation) error {
	r.evals = append(r.evals, ev)
	return nil
}

func TestHandleRuntimes(t *testing.T) {
	h := newTestHandlers(&mockBackend{runtimes: []bridge.RuntimeInfo{
		{Name: "node", Installed: true, Default: true},
		{Name: "jscript"},
	}})

	req := httptest.NewRequest(http.MethodGet, "/runtimes", nil)
	rec := httptest.NewRecorder()
	h.HandleRuntimes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp RuntimesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Default != "node" {
		t.Errorf("Default = %q, want node", resp.Default)
	}
	if len(resp.Runtimes) != 2 {
		t.Errorf("got %d runtimes, want 2", len(resp.Runtimes))
	}
}

func TestHandleGetEvaluation(t *testing.T) {
	h := newTestHandlers(&mockBackend{})
	h.store = &mockStore{evals: map[string]*storage.Evaluation{
		"known": {ID: "known", Runtime: "node", Status: "success"},
	}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /evaluations/{id}", h.HandleGetEvaluation)

	tests := []struct {
		id         string
		wantStatus int
	}{
		{"known", http.StatusOK},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/evaluations/"+tt.id, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleListEvaluations(t *testing.T) {
	store := &mockStore{}
	h := newTestHandlers(&mockBackend{})
	h.store = store

	rec := httptest.NewRecorder()
	h.HandleListEvaluations(rec, httptest.NewRequest(http.MethodGet,
		"/evaluations?runtime=node&status=program_error&limit=5&offset=10&since=2026-01-02T15:04:05Z", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if body := bytes.TrimSpace(rec.Body.Bytes()); string(body) != "[]" {
		t.Errorf("body = %s, want []", body)
	}
	f := store.lastFilter
	if f.Runtime != "node" || f.Status != "program_error" || f.Limit != 5 || f.Offset != 10 {
		t.Errorf("unexpected filter: %+v", f)
	}
	if f.Since == nil || f.Since.Year() != 2026 {
		t.Errorf("Since = %v, want 2026-01-02", f.Since)
	}

	for _, q := range []string{"limit=0", "limit=x", "offset=-1", "since=yesterday"} {
		rec := httptest.NewRecorder()
		h.HandleListEvaluations(rec, httptest.NewRequest(http.MethodGet, "/evaluations?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got status %d, want 400", q, rec.Code)
		}
	}
}

func TestHandleListEvaluations_NoDatabase(t *testing.T) {
	h := newTestHandlers(&mockBackend{})

	rec := httptest.NewRecorder()
	h.HandleListEvaluations(rec, httptest.NewRequest(http.MethodGet, "/evaluations", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

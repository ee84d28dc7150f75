package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"execjs-bridge/internal/bridge"
	"execjs-bridge/internal/execjs"
	"execjs-bridge/internal/monitor"
	"execjs-bridge/internal/storage"
)

// EvaluationStore is the read side of the audit log.
type EvaluationStore interface {
	GetEvaluation(ctx context.Context, id string) (*storage.Evaluation, error)
	ListEvaluations(ctx context.Context, filter storage.EvaluationFilter) ([]storage.Evaluation, error)
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	backend     bridge.Backend
	store       EvaluationStore
	auditWriter *storage.AuditWriter
	metrics     *monitor.Metrics
	detector    *monitor.SourceDetector // nil disables source analysis
}

func NewHandlers(backend bridge.Backend, store EvaluationStore, auditWriter *storage.AuditWriter, metrics *monitor.Metrics, detectSource bool) *Handlers {
	h := &Handlers{
		backend:     backend,
		store:       store,
		auditWriter: auditWriter,
		metrics:     metrics,
	}
	if detectSource {
		h.detector = monitor.NewSourceDetector()
	}
	return h
}

func (h *Handlers) HandleEval(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, bridge.ModeEval)
}

func (h *Handlers) HandleExec(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, bridge.ModeExec)
}

func (h *Handlers) HandleCall(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, bridge.ModeCall)
}

func (h *Handlers) evaluate(w http.ResponseWriter, r *http.Request, mode bridge.Mode) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", CodeMethodNotAllowed, http.StatusMethodNotAllowed, r)
		return
	}

	var req EvaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}
	if mode == bridge.ModeCall && req.Identifier == "" {
		writeError(w, "identifier is required", CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}

	if h.backend == nil {
		writeError(w, "evaluation backend unavailable", CodeUnavailable, http.StatusServiceUnavailable, r)
		return
	}

	breq := req.toBridge(mode)

	h.metrics.SourceSizeBytes.Observe(float64(len(req.Preamble) + len(req.Source)))

	var detections []monitor.Detection
	if h.detector != nil {
		detections = h.detector.AnalyzeSource(RequestIDFromContext(r.Context()), req.Preamble+"\n"+req.Source)
		for _, d := range detections {
			h.metrics.RecordDetection(d.Pattern)
		}
	}

	h.metrics.ActiveEvaluations.Inc()
	defer h.metrics.ActiveEvaluations.Dec()

	start := time.Now()
	result, err := h.backend.Evaluate(r.Context(), breq)
	duration := time.Since(start)

	status := bridge.StatusOf(err)
	runtimeName := req.Runtime
	if result != nil {
		runtimeName = result.Runtime
	}
	h.metrics.RecordEvaluation(runtimeName, string(mode), status, duration.Seconds())
	annotateEvaluation(r.Context(), execIDOf(result, err), mode, runtimeName, status)

	if result == nil {
		switch {
		case bridge.IsValidation(err):
			writeError(w, err.Error(), CodeValidation, http.StatusBadRequest, r)
		case errors.Is(err, bridge.ErrClosed):
			writeError(w, "evaluation backend is shutting down", CodeUnavailable, http.StatusServiceUnavailable, r)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, "request cancelled", CodeTimeout, http.StatusGatewayTimeout, r)
		default:
			h.metrics.RecordError("internal")
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("evaluation failed")
			writeError(w, "evaluation failed", CodeInternal, http.StatusInternalServerError, r)
		}
		return
	}

	encoded, _ := json.Marshal(result.Value)
	h.metrics.OutputSizeBytes.Observe(float64(len(encoded)))
	if h.detector != nil {
		for _, d := range h.detector.AnalyzeOutput(string(encoded) + result.Error) {
			h.metrics.RecordDetection(d.Pattern)
			detections = append(detections, d)
		}
	}

	h.logAudit(result, string(encoded), detections, start, r)

	if err != nil {
		h.metrics.RecordError(status)
		code, httpStatus := errorCode(err)
		writeJSON(w, httpStatus, ErrorResponse{
			Error:     result.Error,
			Code:      code,
			RequestID: RequestIDFromContext(r.Context()),
			ExecID:    result.ID,
			Runtime:   result.Runtime,
		})
		return
	}

	writeJSON(w, http.StatusOK, EvaluationResponse{
		ID:         result.ID,
		Runtime:    result.Runtime,
		Mode:       result.Mode,
		Status:     result.Status,
		Value:      result.Value,
		Duration:   result.Duration.String(),
		SourceHash: result.SourceHash,
		Detections: detections,
	})
}

// execIDOf returns the exec id of an evaluation, including ones rejected
// before a Result was built.
func execIDOf(result *bridge.Result, err error) string {
	if result != nil {
		return result.ID
	}
	var ee *bridge.ExecutionError
	if errors.As(err, &ee) {
		return ee.ExecID
	}
	return ""
}

// errorCode maps an evaluation error to its API code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case bridge.IsTimeout(err):
		return CodeTimeout, http.StatusGatewayTimeout
	case execjs.IsSyntaxError(err):
		return CodeSyntaxError, http.StatusUnprocessableEntity
	case execjs.IsProgramError(err):
		return CodeProgramError, http.StatusUnprocessableEntity
	default:
		return CodeExecutionFailed, http.StatusBadGateway
	}
}

func (h *Handlers) HandleRuntimes(w http.ResponseWriter, r *http.Request) {
	if h.backend == nil {
		writeError(w, "evaluation backend unavailable", CodeUnavailable, http.StatusServiceUnavailable, r)
		return
	}

	infos, err := h.backend.Runtimes(r.Context())
	if err != nil {
		writeError(w, "listing runtimes failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}

	resp := RuntimesResponse{Runtimes: infos}
	for _, info := range infos {
		if info.Default {
			resp.Default = info.Name
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "evaluation ID required", CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}

	if h.store == nil {
		writeError(w, "database not configured", CodeDBUnavailable, http.StatusServiceUnavailable, r)
		return
	}

	ev, err := h.store.GetEvaluation(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "evaluation not found", CodeNotFound, http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("evaluation lookup failed")
		writeError(w, "query failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

func (h *Handlers) HandleListEvaluations(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", CodeDBUnavailable, http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.EvaluationFilter{
		Runtime: q.Get("runtime"),
		Mode:    q.Get("mode"),
		Status:  q.Get("status"),
		Limit:   100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", CodeInvalidRequest, http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", CodeInvalidRequest, http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", CodeInvalidRequest, http.StatusBadRequest, r)
			return
		}
		filter.Since = &since
	}

	evs, err := h.store.ListEvaluations(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing evaluations failed")
		writeError(w, "query failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}
	if evs == nil {
		evs = []storage.Evaluation{}
	}

	writeJSON(w, http.StatusOK, evs)
}

func (h *Handlers) logAudit(result *bridge.Result, encoded string, detections []monitor.Detection, start time.Time, r *http.Request) {
	if h.auditWriter == nil {
		return
	}

	records := make([]storage.DetectionRecord, 0, len(detections))
	for _, d := range detections {
		records = append(records, storage.DetectionRecord{
			Pattern:  d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
	}

	completedAt := time.Now()
	h.auditWriter.Log(&storage.Evaluation{
		ID:          result.ID,
		Runtime:     result.Runtime,
		Mode:        string(result.Mode),
		SourceHash:  result.SourceHash,
		SourceSize:  result.SourceSize,
		Status:      result.Status,
		Result:      encoded,
		Error:       result.Error,
		DurationMS:  result.Duration.Milliseconds(),
		RequestIP:   r.RemoteAddr,
		APIKeyHash:  APIKeyHashFromContext(r.Context()),
		CreatedAt:   start,
		CompletedAt: &completedAt,
		Detections:  records,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

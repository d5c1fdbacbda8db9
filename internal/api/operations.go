package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

// operationResponse is the JSON envelope for operation results.
//
// JSON bodies are embedded as-is, anything else is base64 encoded.
type operationResponse struct {
	Device      string          `json:"device"`
	Operation   string          `json:"operation"`
	ContentType string          `json:"content_type"`
	Result      json.RawMessage `json:"result,omitempty"`
	Data        string          `json:"data,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
}

func newOperationResponse(deviceID, operation string, res session.Result, took time.Duration) operationResponse {
	resp := operationResponse{
		Device:      deviceID,
		Operation:   operation,
		ContentType: res.ContentType,
		DurationMS:  took.Milliseconds(),
	}
	if res.ContentType == "application/json" && json.Valid(res.Body) {
		resp.Result = json.RawMessage(res.Body)
	} else if len(res.Body) > 0 {
		resp.Data = base64.StdEncoding.EncodeToString(res.Body)
	}
	return resp
}

// handlePerform runs one device operation.
//
// The body is an optional JSON object of operation arguments:
//
//	POST /api/v1/devices/{id}/operations/touch
//	{"x": 540, "y": 1200}
func (s *Server) handlePerform(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op := chi.URLParam(r, "operation")

	args, err := decodeArgs(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBodyTooLarge, "request body too large")
			return
		}
		writeBadRequest(w, "arguments must be a JSON object")
		return
	}

	start := time.Now()
	res, err := s.sessions.Perform(r.Context(), id, op, args)
	if err != nil {
		s.logger.Debug("device operation failed",
			"device", id,
			"operation", op,
			"error", err,
			"request_id", requestID(r.Context()),
		)
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newOperationResponse(id, op, res, time.Since(start)))
}

// handleScreenshot returns the current screen of a device.
//
// The raw image is returned unless ?encoding=base64 asks for the JSON envelope.
// ?quality (30 to 95) is passed to the agent as the JPEG quality.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var args session.Args
	if q := r.URL.Query().Get("quality"); q != "" {
		args = session.Args{"quality": q}
	}

	start := time.Now()
	res, err := s.sessions.Perform(r.Context(), id, "screenshot", args)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	if r.URL.Query().Get("encoding") == "base64" {
		writeJSON(w, http.StatusOK, newOperationResponse(id, "screenshot", res, time.Since(start)))
		return
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(res.Body)
}

// handleSessionStats returns a snapshot of the session core.
func (s *Server) handleSessionStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Stats())
}

type operationInfo struct {
	Name      string `json:"name"`
	Strategy  string `json:"strategy"`
	TTLMS     int64  `json:"ttl_ms,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// handleListOperations returns the operation table.
func (s *Server) handleListOperations(w http.ResponseWriter, _ *http.Request) {
	names := s.sessions.Operations()
	ops := make([]operationInfo, 0, len(names))
	for _, name := range names {
		spec, _ := s.sessions.Operation(name)
		ops = append(ops, operationInfo{
			Name:      name,
			Strategy:  spec.Strategy.String(),
			TTLMS:     spec.TTL.Milliseconds(),
			TimeoutMS: spec.Timeout.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

// decodeArgs reads an optional JSON object. An empty body yields nil args.
// Numbers decode as json.Number so integer coordinates survive unchanged.
func decodeArgs(body io.Reader) (session.Args, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return parseArgs(raw)
}

func parseArgs(raw json.RawMessage) (session.Args, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args session.Args
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	return args, nil
}

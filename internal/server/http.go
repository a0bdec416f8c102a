package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/altsci/atdata/internal/model"
)

// xrpcError is the standard XRPC error body.
type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, xrpcError{Error: code, Message: message})
}

func invalidRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "InvalidRequest", message)
}

func notFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, "NotFound", message)
}

func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "InternalServerError", "internal error")
}

// limitParam parses a limit query parameter within [1, max].
func limitParam(r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, false
	}
	return n, true
}

// cursorParam decodes an opaque page cursor.
func cursorParam(r *http.Request) (*model.PageCursor, bool) {
	c, err := model.DecodePageCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		return nil, false
	}
	return c, true
}

type ctxKey int

const requestIDKey ctxKey = 0

// withRequestID assigns each request a short opaque identifier.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := gonanoid.New(12)
		if err != nil {
			id = "unknown"
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket endpoint hijacks the connection; wrapping its
		// ResponseWriter breaks the upgrade.
		if r.URL.Path == "/xrpc/"+nsid+".subscribeChanges" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", id,
		)
	})
}

// logAttr exposes the request id for handler-level log lines.
func logAttr(ctx context.Context) slog.Attr {
	id, _ := ctx.Value(requestIDKey).(string)
	return slog.String("request_id", id)
}

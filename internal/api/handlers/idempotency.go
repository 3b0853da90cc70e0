package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/api/middleware"
	"github.com/drfirst/go-partograph/pkg/idempotency"
)

const (
	// IdempotencyKeyHeader carries the client's key for a retryable write
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader is set on responses served from an earlier attempt
	ReplayedHeader = "Idempotent-Replayed"

	maxIdempotencyKey = 255
	maxRequestBody    = 1 << 20
)

// errServerFailure marks a 5xx response so the key stays retryable
var errServerFailure = errors.New("server failure")

// recordedResponse is what the inbox stores for a completed write
type recordedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
}

// captureWriter buffers a handler's response
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(b)
}

func (c *captureWriter) recorded() recordedResponse {
	return recordedResponse{
		Status:      c.status,
		ContentType: c.header.Get("Content-Type"),
		Body:        c.body.String(),
	}
}

func (r recordedResponse) writeTo(w http.ResponseWriter) {
	if r.ContentType != "" {
		w.Header().Set("Content-Type", r.ContentType)
	}
	w.WriteHeader(r.Status)
	_, _ = io.WriteString(w, r.Body)
}

// WithIdempotency makes create and transition requests carrying an
// Idempotency-Key header run at most once per key and client.
func (h *Handler) WithIdempotency(inbox *idempotency.Inbox) *Handler {
	h.inbox = inbox
	return h
}

// idempotent wraps a write handler. Responses below 500 are recorded and
// replayed for the same key; a 5xx leaves the key open for a retry.
func (h *Handler) idempotent(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" || h.inbox == nil {
			next(w, r)
			return
		}
		if len(key) > maxIdempotencyKey {
			h.jsonError(w, "idempotency key too long", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		scoped := middleware.GetClientID(ctx) + "|" + key
		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, string(body))

		var live *captureWriter
		res, err := h.inbox.Process(ctx, scoped, name, fingerprint, func(ctx context.Context) (json.RawMessage, error) {
			live = newCaptureWriter()
			next(live, r.WithContext(ctx))
			if live.status >= http.StatusInternalServerError {
				return nil, errServerFailure
			}
			return json.Marshal(live.recorded())
		})

		switch {
		case live != nil:
			live.recorded().writeTo(w)
			return
		case errors.Is(err, idempotency.ErrInProgress):
			h.jsonError(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, idempotency.ErrKeyReused):
			h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		case err != nil:
			h.fail(w, r, err)
			return
		}

		var rec recordedResponse
		if err := json.Unmarshal(res.Result, &rec); err != nil {
			h.fail(w, r, err)
			return
		}
		h.logger.Info("replayed idempotent request",
			zap.String("handler", name),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		w.Header().Set(ReplayedHeader, "true")
		rec.writeTo(w)
	}
}

package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marketlane/api/internal/platform/auth"
)

const (
	defaultHeader = "Idempotency-Key"
	replayHeader  = "X-Idempotent-Replay"
)

// Logger receives background persistence failures from the middleware.
type Logger interface {
	Printf(format string, args ...any)
}

// guard holds the resolved middleware configuration.
type guard struct {
	store   Store
	header  string
	ttl     time.Duration
	methods map[string]bool
	now     func() time.Time
	logger  Logger
}

// MiddlewareOption adjusts middleware behaviour.
type MiddlewareOption func(*guard)

// WithHeader overrides the header carrying the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets the retention window for completed records.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods restricts which HTTP methods the guard applies to.
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		if len(methods) == 0 {
			return
		}
		g.methods = make(map[string]bool, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				g.methods[m] = true
			}
		}
	}
}

// WithLogger injects the logger for store failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(g *guard) { g.logger = logger }
}

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if now != nil {
			g.now = now
		}
	}
}

// Middleware wraps mutating endpoints with idempotency-key semantics: the
// first request holding a key runs the handler and stores the response;
// retries with the same key and payload replay that response; reuse of a key
// with a different payload is rejected.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:  store,
		header: defaultHeader,
		ttl:    DefaultTTL,
		methods: map[string]bool{
			http.MethodPost:   true,
			http.MethodPut:    true,
			http.MethodPatch:  true,
			http.MethodDelete: true,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.methods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" {
		g.reject(w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	}

	body, err := bufferBody(r)
	if err != nil {
		g.reject(w, http.StatusInternalServerError, "idempotency_read_body_failed", "unable to read request body")
		return
	}

	caller := callerIdentity(r)
	fingerprint := fingerprint(r, body, caller)
	storeKey := key + "|" + caller
	now := g.now().UTC()

	reservation, err := g.store.Reserve(r.Context(), storeKey, fingerprint, now, g.ttl)
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			g.reject(w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
			return
		}
		g.logf("idempotency: reserve %s: %v", key, err)
		g.reject(w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
		return
	}

	switch reservation.State {
	case ReservationStateCompleted:
		replay(w, reservation.Record)
		return
	case ReservationStatePending:
		g.reject(w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	}

	captured := &capturedResponse{header: make(http.Header)}
	next.ServeHTTP(captured, r)

	err = g.store.SaveResponse(r.Context(), storeKey, fingerprint, Response{
		Status:  captured.statusCode(),
		Headers: captured.headerCopy(),
		Body:    captured.body.Bytes(),
	}, g.now().UTC(), g.ttl)
	if err != nil {
		g.logf("idempotency: persist response for %s (caller %s): %v", key, caller, err)
		if releaseErr := g.store.Release(r.Context(), storeKey, fingerprint); releaseErr != nil {
			g.logf("idempotency: release %s after save failure: %v", key, releaseErr)
		}
		g.reject(w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}

	if err := captured.flush(w); err != nil {
		g.logf("idempotency: flush response for %s: %v", key, err)
	}
}

func (g *guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

func (g *guard) reject(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
	})
}

// bufferBody drains the request body and puts a replayable copy back so the
// wrapped handler still sees it.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// callerIdentity scopes keys per caller so one user cannot replay (or block)
// another user's key.
func callerIdentity(r *http.Request) string {
	ctx := r.Context()
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	if sessionID, ok := auth.SessionIDFromContext(ctx); ok && sessionID != "" {
		return sessionID
	}
	return "anonymous"
}

// fingerprint binds the key to the exact request it was first used with.
func fingerprint(r *http.Request, body []byte, caller string) string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		caller,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// replay writes a previously stored response verbatim, flagged so clients
// can tell it apart from a fresh execution.
func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name := range header {
		header.Del(name)
	}
	for name, values := range headersFromRecord(record.ResponseHeaders) {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	header.Set(replayHeader, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// capturedResponse buffers the handler's response so it can be persisted
// before anything reaches the client.
type capturedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *capturedResponse) Header() http.Header { return c.header }

func (c *capturedResponse) WriteHeader(status int) {
	if c.status == 0 && status > 0 {
		c.status = status
	}
}

func (c *capturedResponse) Write(data []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(data)
}

func (c *capturedResponse) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func (c *capturedResponse) headerCopy() http.Header {
	copied := make(http.Header, len(c.header))
	for name, values := range c.header {
		copied[name] = append([]string(nil), values...)
	}
	return copied
}

func (c *capturedResponse) flush(w http.ResponseWriter) error {
	dst := w.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range c.header {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	w.WriteHeader(c.statusCode())
	if c.body.Len() == 0 {
		return nil
	}
	_, err := w.Write(c.body.Bytes())
	return err
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testClock = func() time.Time {
	return time.Date(2026, time.March, 10, 9, 30, 0, 0, time.UTC)
}

func captureRequest(t *testing.T, key, payload string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/orders/ord_01/capture", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func decodeErrorCode(t *testing.T, payload []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return body.Error
}

func TestMiddlewareRequiresKeyOnGuardedMethods(t *testing.T) {
	wrap := Middleware(NewMemoryStore(), WithClock(testClock))
	called := false
	handler := wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, captureRequest(t, "", `{"providerOrderId":"pp-1"}`))

	if called {
		t.Fatal("handler ran without an idempotency key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_key_required" {
		t.Fatalf("error code = %q", code)
	}
}

func TestMiddlewareIgnoresUnguardedMethods(t *testing.T) {
	wrap := Middleware(NewMemoryStore(), WithClock(testClock), WithMethods(http.MethodPost))
	called := false
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/ord_01", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !called {
		t.Fatal("GET should bypass the idempotency guard")
	}
}

func TestMiddlewareReplaysFirstResponse(t *testing.T) {
	wrap := Middleware(NewMemoryStore(), WithClock(testClock))
	captures := 0
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		captures++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"isPaid":true}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, captureRequest(t, "cap-42", `{"providerOrderId":"pp-1"}`))
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Code)
	}

	// A double-clicked capture button sends the identical request again.
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, captureRequest(t, "cap-42", `{"providerOrderId":"pp-1"}`))

	if captures != 1 {
		t.Fatalf("handler ran %d times, want 1", captures)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("replayed status = %d, want 201", second.Code)
	}
	if second.Header().Get(replayHeader) != "true" {
		t.Fatal("replayed response missing replay marker header")
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body %q differs from original %q", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentPayload(t *testing.T) {
	wrap := Middleware(NewMemoryStore(), WithClock(testClock))
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, captureRequest(t, "cap-7", `{"providerOrderId":"pp-1"}`))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, captureRequest(t, "cap-7", `{"providerOrderId":"pp-OTHER"}`))

	if second.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", second.Code)
	}
	if code := decodeErrorCode(t, second.Body.Bytes()); code != "idempotency_key_conflict" {
		t.Fatalf("error code = %q", code)
	}
}

func TestMiddlewareReportsInFlightDuplicate(t *testing.T) {
	store := &scriptedStore{reservation: Reservation{State: ReservationStatePending}}
	wrap := Middleware(store, WithClock(testClock))
	handler := wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while the key is held by another request")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, captureRequest(t, "cap-busy", `{}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_in_progress" {
		t.Fatalf("error code = %q", code)
	}
}

func TestMiddlewareReleasesKeyWhenSaveFails(t *testing.T) {
	store := &scriptedStore{
		reservation: Reservation{State: ReservationStateNew},
		saveErr:     errors.New("firestore unavailable"),
	}
	wrap := Middleware(store, WithClock(testClock))
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, captureRequest(t, "cap-flaky", `{}`))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if !store.released {
		t.Fatal("reservation was not released after a failed save")
	}
}

func TestMiddlewareScopesKeysByCaller(t *testing.T) {
	wrap := Middleware(NewMemoryStore(), WithClock(testClock))
	captures := 0
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		captures++
		w.WriteHeader(http.StatusCreated)
	}))

	// Same key, same payload, but anonymous callers with no identity share the
	// "anonymous" scope, so the second call replays.
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, captureRequest(t, "shared", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, captureRequest(t, "shared", `{}`))

	if captures != 1 {
		t.Fatalf("handler ran %d times, want 1", captures)
	}
	if second.Header().Get(replayHeader) != "true" {
		t.Fatal("second anonymous call should replay")
	}
}

type scriptedStore struct {
	reservation Reservation
	reserveErr  error
	saveErr     error
	released    bool
}

func (s *scriptedStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return s.reservation, s.reserveErr
}

func (s *scriptedStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	return s.saveErr
}

func (s *scriptedStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *scriptedStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

package errors

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("test error")
	if err == nil {
		t.Fatal("New() returned nil")
	}

	if err.Error() != "test error" {
		t.Errorf("Expected 'test error', got: %s", err.Error())
	}

	if !strings.HasPrefix(err.Location(), "errors_test.go:") {
		t.Errorf("Location should point at the caller, got: %s", err.Location())
	}
}

func TestWrap(t *testing.T) {
	baseErr := errors.New("base error")
	err := Wrap(baseErr, "wrapped")

	if err.Error() != "wrapped: base error" {
		t.Errorf("unexpected message: %s", err.Error())
	}

	if errors.Unwrap(err) != baseErr {
		t.Errorf("Unwrap() returned wrong error: %v", errors.Unwrap(err))
	}

	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWithFieldCopies(t *testing.T) {
	base := New("test error").WithField("a", 1)
	derived := base.WithFields(map[string]interface{}{"b": 2}).WithCode("X")

	if len(base.GetFields()) != 1 {
		t.Fatalf("base error was mutated: %v", base.GetFields())
	}
	if len(derived.GetFields()) != 2 || derived.Code != "X" {
		t.Errorf("unexpected derived error: %v code=%s", derived.GetFields(), derived.Code)
	}
	if base.Code != "" {
		t.Error("WithCode mutated the receiver")
	}
}

func TestSessionNotFound(t *testing.T) {
	err := NewSessionNotFound("call-1")

	if !errors.Is(err, ErrSessionNotFound) {
		t.Error("expected ErrSessionNotFound in chain")
	}
	if GetErrorCode(err) != "SESSION_NOT_FOUND" {
		t.Errorf("unexpected code %q", GetErrorCode(err))
	}
	if GetErrorFields(err)["call_id"] != "call-1" {
		t.Errorf("missing call_id field: %v", GetErrorFields(err))
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NewSessionNotFound("x"), http.StatusNotFound},
		{NewInvalidMetadata("missing team_id"), http.StatusBadRequest},
		{Wrap(ErrStorageFailure, "put object"), http.StatusBadGateway},
		{Wrap(Wrap(ErrSessionEnded, "inner"), "outer"), http.StatusConflict},
		{errors.New("something else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatusFromError(tc.err); got != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NewInvalidMetadata("bad sample_rate"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "INVALID_METADATA") {
		t.Errorf("body missing code: %s", rec.Body.String())
	}
}

package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/call/diary.stats", nil)

	WriteJSON(w, r, http.StatusNotFound, RouteNotFound, "no route for endpoint")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Not Found" {
		t.Errorf("error = %q, want %q", resp.Error, "Not Found")
	}
	if resp.ErrorCode != "CALL_ROUTE_NOT_FOUND" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "CALL_ROUTE_NOT_FOUND")
	}
}

func TestWriteJSON_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/call/diary.stats", nil)
	r.Header.Set("X-Request-ID", "test-req-123")

	WriteJSON(w, r, http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "test-req-123" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "test-req-123")
	}
}

func TestWriteJSON_PreSerializedMatchesEncoded(t *testing.T) {
	fast := httptest.NewRecorder()
	WriteJSON(fast, nil, http.StatusServiceUnavailable, Exhausted, "remote call failed and no degraded value is available")

	var resp ErrorResponse
	if err := json.Unmarshal(fast.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrorCode != string(Exhausted) || resp.Error != "Service Unavailable" {
		t.Errorf("unexpected body: %+v", resp)
	}
}

func TestWriteError_StatusByKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"terminal", Terminal("diary.stats", errors.New("dial tcp: refused")), http.StatusServiceUnavailable, "CALL_EXHAUSTED"},
		{"route", Configuration("nope", RouteNotFound, "no route"), http.StatusNotFound, "CALL_ROUTE_NOT_FOUND"},
		{"catalogue", Configuration("x", InvalidCatalogue, "dup"), http.StatusInternalServerError, "CALL_INVALID_CATALOGUE"},
		{"validation", Application("createDiary", "invalid-argument", "title required"), http.StatusBadRequest, "invalid-argument"},
		{"not found", Application("getDiary", "NOT_FOUND", "missing"), http.StatusNotFound, "NOT_FOUND"},
		{"unknown app code", Application("op", "weird", "?"), http.StatusUnprocessableEntity, "weird"},
		{"wrapped", fmt.Errorf("outer: %w", Application("op", "PERMISSION_DENIED", "no")), http.StatusForbidden, "PERMISSION_DENIED"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "CALL_INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, nil, tt.err)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.ErrorCode != tt.code {
				t.Errorf("error_code = %q, want %q", resp.ErrorCode, tt.code)
			}
		})
	}
}

func TestKindHelpers(t *testing.T) {
	tr := Transient("diaryStats", Unavailable, "connection refused", errors.New("econnrefused"))
	if !IsTransient(tr) || IsApplication(tr) {
		t.Error("transient error misclassified")
	}
	wrapped := fmt.Errorf("attempt 3: %w", tr)
	if KindOf(wrapped) != KindTransient {
		t.Errorf("KindOf(wrapped) = %v", KindOf(wrapped))
	}
	if CodeOf(wrapped) != Unavailable {
		t.Errorf("CodeOf(wrapped) = %q", CodeOf(wrapped))
	}

	term := Terminal("diary.stats", tr)
	if !IsTerminal(term) {
		t.Error("expected terminal")
	}
	if !errors.Is(term, tr) {
		t.Error("terminal error should unwrap to the last failure")
	}
	if KindOf(errors.New("x")) != 0 {
		t.Error("plain errors have no kind")
	}
}

func TestKind_String(t *testing.T) {
	cases := map[Kind]string{
		KindTransient:     "transient",
		KindApplication:   "application",
		KindConfiguration: "configuration",
		KindTerminal:      "terminal",
		Kind(42):          "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

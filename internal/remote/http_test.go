package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskow/resilient-client/internal/apierror"
	"github.com/dskow/resilient-client/internal/config"
)

func newInvoker(t *testing.T, h http.HandlerFunc, mutate ...func(*config.BackendConfig)) *HTTPInvoker {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := config.BackendConfig{BaseURL: srv.URL + "/", MaxResponseBytes: 1 << 20, MaxIdleConns: 4, IdleTimeout: time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	inv, err := NewHTTP(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(inv.Close)
	return inv
}

func TestHTTPInvoker_Result(t *testing.T) {
	var gotPath string
	var gotBody map[string]json.RawMessage
	var gotHeaders http.Header
	inv := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"result":{"totalDiaries":12}}`)
	})

	ctx := context.Background()
	out, err := inv.Invoke(ctx, "diaryStats", json.RawMessage(`{"uid":"u1"}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"totalDiaries":12}`, string(out))
	assert.Equal(t, "/diaryStats", gotPath)
	assert.JSONEq(t, `{"uid":"u1"}`, string(gotBody["data"]))
	assert.NotEmpty(t, gotHeaders.Get("Idempotency-Key"))
	assert.Empty(t, gotHeaders.Get("Authorization"), "no service token without a secret")
}

func TestHTTPInvoker_NilPayloadSendsNull(t *testing.T) {
	var gotBody string
	inv := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, `{"result":null}`)
	})

	out, err := inv.Invoke(context.Background(), "diaryStats", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
	assert.JSONEq(t, `{"data":null}`, gotBody)
}

func TestHTTPInvoker_ServiceTokenAndRequestID(t *testing.T) {
	var auth, reqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		reqID = r.Header.Get("X-Request-ID")
		io.WriteString(w, `{"result":{}}`)
	}))
	defer srv.Close()

	type key struct{}
	inv, err := NewHTTP(config.BackendConfig{
		BaseURL:      srv.URL,
		ServiceToken: config.ServiceTokenConfig{Secret: "svc-secret", Issuer: "clientd", TTL: time.Minute},
	}, slog.Default(), WithRequestID(func(ctx context.Context) string {
		id, _ := ctx.Value(key{}).(string)
		return id
	}))
	require.NoError(t, err)
	defer inv.Close()

	_, err = inv.Invoke(context.WithValue(context.Background(), key{}, "req-42"), "diaryStats", nil)
	require.NoError(t, err)

	assert.Equal(t, "req-42", reqID)
	require.True(t, strings.HasPrefix(auth, "Bearer "))
	tok, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(*jwt.Token) (any, error) { return []byte("svc-secret"), nil })
	require.NoError(t, err)
	assert.True(t, tok.Valid)
}

func TestHTTPInvoker_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   apierror.Kind
		code   apierror.ErrorCode
	}{
		{"application error", 400, `{"error":{"status":"INVALID_ARGUMENT","message":"keyword required"}}`, apierror.KindApplication, "INVALID_ARGUMENT"},
		{"not found", 404, `{"error":{"status":"NOT_FOUND","message":"no diary"}}`, apierror.KindApplication, "NOT_FOUND"},
		{"unavailable status", 503, `{"error":{"status":"UNAVAILABLE","message":"try later"}}`, apierror.KindTransient, "UNAVAILABLE"},
		{"internal in 200", 200, `{"error":{"status":"INTERNAL","message":"oops"}}`, apierror.KindTransient, "INTERNAL"},
		{"bare 502", 502, `bad gateway`, apierror.KindTransient, apierror.Unavailable},
		{"too many requests", 429, ``, apierror.KindTransient, apierror.Unavailable},
		{"request timeout", 408, ``, apierror.KindTransient, apierror.Unavailable},
		{"bare 403", 403, ``, apierror.KindApplication, "PERMISSION_DENIED"},
		{"malformed 200", 200, `not json`, apierror.KindTransient, apierror.Unavailable},
		{"empty envelope", 200, `{}`, apierror.KindTransient, apierror.Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := inv.Invoke(context.Background(), "searchProducts", nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apierror.KindOf(err))
			assert.Equal(t, tt.code, apierror.CodeOf(err))
		})
	}
}

func TestHTTPInvoker_ResponseTooLarge(t *testing.T) {
	inv := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":"`+strings.Repeat("x", 64)+`"}`)
	}, func(c *config.BackendConfig) { c.MaxResponseBytes = 16 })

	_, err := inv.Invoke(context.Background(), "diaryList", nil)
	assert.True(t, apierror.IsTransient(err))
}

func TestHTTPInvoker_AttemptDeadline(t *testing.T) {
	release := make(chan struct{})
	inv := newInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := inv.Invoke(ctx, "diaryStats", nil)
	assert.True(t, apierror.IsTransient(err))
	assert.Equal(t, apierror.Timeout, apierror.CodeOf(err))
}

func TestHTTPInvoker_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	inv, err := NewHTTP(config.BackendConfig{BaseURL: url}, slog.Default())
	require.NoError(t, err)
	defer inv.Close()

	_, err = inv.Invoke(context.Background(), "diaryStats", nil)
	assert.True(t, apierror.IsTransient(err))
	assert.Equal(t, apierror.Unavailable, apierror.CodeOf(err))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("op", nil))

	app := apierror.Application("op", "NOT_FOUND", "missing")
	assert.Same(t, app, Classify("op", app))

	assert.Equal(t, apierror.Timeout, apierror.CodeOf(Classify("op", context.DeadlineExceeded)))
	assert.True(t, apierror.IsTransient(Classify("op", errors.New("connection reset"))))
}

func TestInvokerFunc(t *testing.T) {
	var inv Invoker = InvokerFunc(func(_ context.Context, op string, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"` + op + `"`), nil
	})
	out, err := inv.Invoke(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, `"echo"`, string(out))
}

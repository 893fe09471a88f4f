package debugserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "birthdaybot/pkg/logx"
)

type status struct {
	CacheEntries int `json:"cache_entries"`
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Token: "secret"}, func() any { return status{CacheEntries: 3} }, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is open", "/healthz", "", http.StatusOK},
		{"status without token", "/debug/status", "", http.StatusUnauthorized},
		{"status wrong query token", "/debug/status?token=nope", "", http.StatusUnauthorized},
		{"status query token", "/debug/status?token=secret", "", http.StatusOK},
		{"status bearer", "/debug/status", "Bearer secret", http.StatusOK},
		{"pprof without token", "/debug/pprof/", "", http.StatusUnauthorized},
		{"pprof bearer", "/debug/pprof/", "Bearer secret", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+tc.path, nil)
			require.NoError(t, err)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := ts.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestStatusBody(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, func() any { return status{CacheEntries: 7} }, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 7, got.CacheEntries)
}

func TestStartRefusesInsecurePublicBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	require.Error(t, s.Start(context.Background()))

	disabled := New(Config{Addr: "0.0.0.0:0"}, nil, logx.Nop())
	require.NoError(t, disabled.Start(context.Background()))
	assert.Empty(t, disabled.Addr())
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"paycall/internal/audit"
	"paycall/internal/auth"
	"paycall/internal/calls"
	"paycall/internal/config"
	"paycall/internal/connection"
	"paycall/internal/pricing"
	"paycall/internal/reporting"
	"paycall/internal/session"
	"paycall/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type api struct {
	router *gin.Engine
	auth   *auth.Manager
	wallet *wallet.MemoryStore
	hub    *connection.Hub
	audits *audit.MemoryRepo
	clock  *manualClock
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := wallet.NewMemoryStore()
	mem.SetBalance("caller", decimal.NewFromInt(200))
	mem.SetBalance("poor", decimal.NewFromInt(5))
	mem.SetBalance("empty", decimal.Zero)

	prices := pricing.NewMemoryRepo()
	prices.PutHost(pricing.HostRates{HostID: "host"})

	records := calls.NewMemoryStore()
	a := &api{
		wallet: mem,
		hub:    connection.NewHub(),
		audits: audit.NewMemoryRepo(),
		clock:  &manualClock{now: t0},
	}

	reg := session.NewRegistry(session.Options{
		Calls: calls.Dependencies{
			Wallet:  mem,
			Records: records,
			Pricing: pricing.NewService(prices, prices, pricing.PricingConfig{
				AudioCostPerMinute:         decimal.NewFromInt(10),
				VideoCostPerMinute:         decimal.NewFromInt(15),
				MinimumDurationSeconds:     60,
				WarningThresholdSeconds:    60,
				ReconnectionTimeoutSeconds: 45,
			}),
			Transactions: mem,
		},
		Reachability: a.hub,
		Audit:        audit.NewService(a.audits),
		Clock:        a.clock.Now,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)
	a.auth = am

	h := Handlers{
		Auth:      am,
		Calls:     reg,
		Reports:   reporting.NewService(records, reporting.TransactionsFunc(mem.Transactions)),
		Publisher: a.hub,
		Now:       a.clock.Now,
	}
	a.router = gin.New()
	h.Register(a.router, auth.RequireAccessToken(am), mem, true)
	return a
}

func (a *api) token(t *testing.T, userID, role string) string {
	t.Helper()
	pair, err := a.auth.IssuePair(time.Now(), userID, role)
	require.NoError(t, err)
	return pair.AccessToken
}

func (a *api) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestIssueToken(t *testing.T) {
	a := newAPI(t)
	a.clock.now = time.Now()

	code, out := a.do(t, http.MethodPost, "/v1/auth/token", "", gin.H{"user_id": "caller", "role": "caller"})
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, out["access_token"])

	code, out = a.do(t, http.MethodGet, "/v1/me", out["access_token"].(string), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "caller", out["user_id"])

	code, _ = a.do(t, http.MethodPost, "/v1/auth/token", "", gin.H{"user_id": "caller", "role": "root"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCallFlow_AudioThenVideo(t *testing.T) {
	a := newAPI(t)
	tok := a.token(t, "caller", "caller")

	code, out := a.do(t, http.MethodPost, "/v1/calls/validate", tok, gin.H{"host_id": "host"})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, true, out["valid"])
	assert.EqualValues(t, 1200, out["max_duration_seconds"])

	code, out = a.do(t, http.MethodPost, "/v1/calls/start", tok, gin.H{"host_id": "host", "stream_call_id": "s-1"})
	require.Equal(t, http.StatusOK, code, out)
	recordID := out["call_record_id"]
	require.NotEmpty(t, recordID)

	a.clock.Advance(90 * time.Second)
	code, out = a.do(t, http.MethodPost, "/v1/calls/switch", tok, gin.H{"is_video": true})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "video", out["type"])
	assert.Equal(t, "20", out["billing"].(map[string]any)["coins_deducted"])

	a.clock.Advance(120 * time.Second)
	code, out = a.do(t, http.MethodGet, "/v1/calls/billing", tok, nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, recordID, out["call_record_id"])
	assert.EqualValues(t, 45, out["billing"].(map[string]any)["coins_spent_rounded"])

	code, out = a.do(t, http.MethodPost, "/v1/calls/end", tok, nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.EqualValues(t, 45, out["coins_spent"])
	assert.EqualValues(t, 210, out["duration_seconds"])
	assert.Equal(t, "user_hangup", out["reason"])

	bal, err := a.wallet.GetBalance(context.Background(), "caller")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(155)), bal.String())

	code, _ = a.do(t, http.MethodGet, "/v1/calls/billing", tok, nil)
	assert.Equal(t, http.StatusNotFound, code)

	// The default window ends now, exclusive.
	a.clock.Advance(time.Second)
	code, out = a.do(t, http.MethodGet, "/v1/calls/summary", tok, nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.EqualValues(t, 1, out["calls"].(map[string]any)["total_calls"])
	assert.Equal(t, "45", out["spend"].(map[string]any)["call_spend"])
}

func TestValidate_InsufficientBalance(t *testing.T) {
	a := newAPI(t)

	code, out := a.do(t, http.MethodPost, "/v1/calls/validate", a.token(t, "poor", "caller"), gin.H{"host_id": "host"})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, false, out["valid"])
	assert.Contains(t, out["error"], "insufficient balance")

	// An empty wallet never reaches the call manager.
	code, out = a.do(t, http.MethodPost, "/v1/calls/validate", a.token(t, "empty", "caller"), gin.H{"host_id": "host"})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "insufficient balance", out["error"])
}

func TestCallRoutes_RejectBadRequests(t *testing.T) {
	a := newAPI(t)
	tok := a.token(t, "caller", "caller")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"no token", http.MethodPost, "/v1/calls/validate", "", gin.H{"host_id": "host"}, http.StatusUnauthorized},
		{"host role", http.MethodPost, "/v1/calls/validate", a.token(t, "h", "host"), gin.H{"host_id": "host"}, http.StatusForbidden},
		{"missing host", http.MethodPost, "/v1/calls/validate", tok, gin.H{}, http.StatusBadRequest},
		{"start unvalidated", http.MethodPost, "/v1/calls/start", tok, gin.H{"host_id": "host"}, http.StatusConflict},
		{"switch idle", http.MethodPost, "/v1/calls/switch", tok, gin.H{"is_video": true}, http.StatusNotFound},
		{"sync idle", http.MethodPost, "/v1/calls/sync", tok, nil, http.StatusNotFound},
		{"end idle", http.MethodPost, "/v1/calls/end", tok, nil, http.StatusNotFound},
		{"end bad reason", http.MethodPost, "/v1/calls/end", tok, gin.H{"reason": "bored"}, http.StatusBadRequest},
		{"end shutdown reason", http.MethodPost, "/v1/calls/end", tok, gin.H{"reason": "server_shutdown"}, http.StatusBadRequest},
		{"connectivity missing", http.MethodPost, "/v1/calls/connectivity", tok, gin.H{}, http.StatusBadRequest},
		{"summary bad range", http.MethodGet, "/v1/calls/summary?from=yesterday", tok, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := a.do(t, tc.method, tc.path, tc.token, tc.body)
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestConnectivity_Publishes(t *testing.T) {
	a := newAPI(t)
	tok := a.token(t, "caller", "caller")

	code, out := a.do(t, http.MethodPost, "/v1/calls/connectivity", tok, gin.H{"connected": false})
	require.Equal(t, http.StatusOK, code, out)

	connected, known := a.hub.Connected("caller")
	assert.True(t, known)
	assert.False(t, connected)
}

func TestPresence_SocketTracksConnectivity(t *testing.T) {
	a := newAPI(t)
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/calls/presence?access_token=" + a.token(t, "caller", "caller")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	connectedIs := func(want bool) func() bool {
		return func() bool {
			got, known := a.hub.Connected("caller")
			return known && got == want
		}
	}
	require.Eventually(t, connectedIs(true), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(gin.H{"connected": false}))
	require.Eventually(t, connectedIs(false), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(gin.H{"connected": true}))
	require.Eventually(t, connectedIs(true), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, connectedIs(false), 2*time.Second, 10*time.Millisecond)
}

func TestPresence_RequiresToken(t *testing.T) {
	a := newAPI(t)
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/calls/presence"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

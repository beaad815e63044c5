package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/spayyavula/campuspandit-sub002/internal/config"
	"github.com/spayyavula/campuspandit-sub002/internal/database"
	"github.com/spayyavula/campuspandit-sub002/internal/server"
	"github.com/spayyavula/campuspandit-sub002/internal/stats"
	"github.com/spayyavula/campuspandit-sub002/internal/testutil"
	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

var testSigningKey = []byte("test-signing-key")

const (
	alice = "0b1f5a8e-3c2d-4e6f-9a01-2b3c4d5e6f70"
	bob   = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
)

type nopTransport struct{}

func (nopTransport) WriteFrame(server.EncodedFrame, time.Time) error     { return nil }
func (nopTransport) WriteHeartbeat(server.EncodedFrame, time.Time) error { return nil }
func (nopTransport) Close() error                                        { return nil }

type testApp struct {
	*RealtimeApp
	hub *server.Hub
	db  *database.MockMembershipRepository
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SigningKey = testSigningKey
	return cfg
}

func newTestApp(t *testing.T, metrics http.Handler) *testApp {
	t.Helper()

	db := &database.MockMembershipRepository{}
	hub := server.NewHub(server.Options{
		OutboundBuffer:    16,
		IngressBuffer:     16,
		RegistryShards:    4,
		WriteTimeout:      time.Second,
		HeartbeatInterval: time.Hour,
		MissedHeartbeats:  3,
		LookupTimeout:     time.Second,
		PresenceGrace:     time.Second,
		TypingTTL:         6 * time.Second,
		MaxMessageSize:    4096,
		Clock:             testclock.NewClock(time.Now()),
	}, db, testutil.TestLogger(t), stats.NopStats{})

	app := NewRealtimeApp(http.NewServeMux(), testutil.TestLogger(t), hub, db, metrics, testConfig())
	return &testApp{RealtimeApp: app, hub: hub, db: db}
}

func (a *testApp) memberOf(userId string, channelIds ...string) {
	a.db.On("ChannelIdsForUser", mock.Anything, userId).Return(channelIds, nil)
	for _, id := range channelIds {
		a.db.On("IsChannelMember", mock.Anything, userId, id).Return(true, nil)
	}
}

func (a *testApp) connect(t *testing.T, userId string) *server.Conn {
	t.Helper()

	c, err := a.hub.Connect(t.Context(), types.User{Id: userId}, nopTransport{})
	require.NoError(t, err)
	return c
}

func token(t *testing.T, userId string) string {
	t.Helper()

	tok, err := IssueToken(testSigningKey, types.User{Id: userId}, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request through the full handler chain as userId. An empty
// userId sends no credentials.
func (a *testApp) do(t *testing.T, method, path, userId string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if userId != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userId))
	}

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeApiError(t *testing.T, rr *httptest.ResponseRecorder) ApiError {
	t.Helper()

	var apiErr ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
	require.Equal(t, apiErr.StatusCode, rr.Code)
	return apiErr
}

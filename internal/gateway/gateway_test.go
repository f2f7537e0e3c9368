package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/threatgraph/internal/admission"
	"github.com/sentinelops/threatgraph/internal/bus"
	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/kv"
)

func testGateway(t *testing.T) (*httptest.Server, *bus.Bus) {
	t.Helper()
	b := bus.New()
	g := New(DefaultConfig(), b, admission.New(admission.DefaultConfig(), kv.NewMemory()))
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return srv, b
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := testGateway(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testGateway(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamRequiresTopic(t *testing.T) {
	srv, _ := testGateway(t)

	resp, err := http.Get(srv.URL + "/v1/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamDeliversEvents(t *testing.T) {
	srv, b := testGateway(t)

	header := http.Header{}
	header.Set("X-Principal-ID", "u1")
	header.Set("X-Org-ID", "org-1")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/stream?topic=indicators"), header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	// Give the subscription time to register
	time.Sleep(20 * time.Millisecond)

	b.Publish("indicators", &domain.ChangeEvent{
		EntityType: domain.EntityIndicator,
		EntityID:   "ioc-1",
		Kind:       domain.ChangeUpdated,
		Severity:   domain.SeverityHigh,
		OrgID:      "org-1",
	})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var event domain.ChangeEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "ioc-1", event.EntityID)
	assert.Equal(t, "indicators", event.Topic)
	assert.NotEmpty(t, event.ID)
}

func TestStreamOrgScoping(t *testing.T) {
	srv, b := testGateway(t)

	header := http.Header{}
	header.Set("X-Principal-ID", "u1")
	header.Set("X-Org-ID", "org-1")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/stream?topic=alerts"), header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)

	// Another org's event must not cross over; an unscoped one must
	b.Publish("alerts", &domain.ChangeEvent{EntityID: "other-org", OrgID: "org-2"})
	b.Publish("alerts", &domain.ChangeEvent{EntityID: "broadcast"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var event domain.ChangeEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "broadcast", event.EntityID)
}

func TestStreamCloseTearsDownSubscriptions(t *testing.T) {
	srv, b := testGateway(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/stream?topic=indicators&topic=alerts"), nil)
	require.NoError(t, err)
	resp.Body.Close()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, b.SubscriptionCount())

	conn.Close()

	require.Eventually(t, func() bool {
		return b.SubscriptionCount() == 0
	}, time.Second, 10*time.Millisecond, "closing the socket must remove the connection's subscriptions")
}

func TestStreamRateLimited(t *testing.T) {
	b := bus.New()
	cfg := admission.DefaultConfig()
	cfg.RateLimiter.Classes = map[string]admission.ClassLimit{
		"subscription-open": {Points: 1, Window: time.Minute},
	}
	g := New(DefaultConfig(), b, admission.New(cfg, kv.NewMemory()))
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("X-Principal-ID", "u1")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/stream?topic=indicators"), header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "/v1/stream?topic=indicators"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

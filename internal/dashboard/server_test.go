package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"simflow/config"
	"simflow/internal/metrics"
	"simflow/logger"
)

func monitorConfig() config.MonitorConfig {
	return config.MonitorConfig{Enabled: true, Listen: ":8880", StreamBuffer: 8}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                             "0.0.0.0:8880",
		"  :9090  ":                    "0.0.0.0:9090",
		"localhost":                    "localhost:8880",
		"0.0.0.0:80":                   "0.0.0.0:80",
		"[::1]:443":                    "[::1]:443",
		"::1":                          "[::1]:8880",
		"*:8080":                       "0.0.0.0:8080",
		"http://13.200.112.203:8080":   "13.200.112.203:8080",
		"https://13.200.112.203":       "13.200.112.203:8880",
		"http://:7070":                 "0.0.0.0:7070",
		"tcp://localhost:5050":         "localhost:5050",
		"https://monitor.example.com/": "monitor.example.com:8880",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabledReturnsNil(t *testing.T) {
	srv, err := NewServer(config.MonitorConfig{}, logger.Logger(), nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server when the monitor is disabled")
	}
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("nil server Run returned error: %v", err)
	}
	if got := srv.Address(); got != "" {
		t.Fatalf("nil server address = %q, want empty", got)
	}
}

func TestNewServerNormalizesListenAddress(t *testing.T) {
	srv, err := NewServer(config.MonitorConfig{Enabled: true, Listen: ":9000"}, logger.Logger(), nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected monitor server, got nil")
	}
	t.Cleanup(srv.cleanup)

	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
	if srv.cfg.StreamBuffer != defaultStreamBuffer {
		t.Fatalf("stream buffer = %d, want default %d", srv.cfg.StreamBuffer, defaultStreamBuffer)
	}
}

func TestStatusEndpointServesRunSnapshot(t *testing.T) {
	now := time.Date(2020, 1, 2, 9, 30, 0, 0, time.UTC)
	status := Status{
		RunID:     "run-1",
		State:     "RUNNING",
		StartedAt: now,
		Components: []ComponentStatus{
			{Identity: "feed", State: "READY", Seq: 7, LastSeen: now},
		},
		Counters: CounterStatus{EventsEmitted: 12, EventsProcessed: 12},
		Mailboxes: []MailboxStatus{
			{Endpoint: "feed", Depth: 1, Capacity: 256, Sent: 12, Received: 11},
		},
	}

	srv, err := NewServer(monitorConfig(), logger.Logger(), func() Status { return status })
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", res.Code, http.StatusOK)
	}

	var got struct {
		RunID      string `json:"run_id"`
		State      string `json:"state"`
		Components []struct {
			Identity string `json:"identity"`
			Seq      int64  `json:"seq"`
		} `json:"components"`
		Counters struct {
			EventsEmitted int64 `json:"events_emitted"`
		} `json:"counters"`
		Mailboxes []struct {
			Endpoint string `json:"endpoint"`
			Capacity int    `json:"capacity"`
		} `json:"mailboxes"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode status payload: %v", err)
	}
	if got.RunID != "run-1" || got.State != "RUNNING" {
		t.Fatalf("unexpected run identity: %+v", got)
	}
	if len(got.Components) != 1 || got.Components[0].Identity != "feed" || got.Components[0].Seq != 7 {
		t.Fatalf("unexpected components: %+v", got.Components)
	}
	if got.Counters.EventsEmitted != 12 {
		t.Fatalf("events emitted = %d, want 12", got.Counters.EventsEmitted)
	}
	if len(got.Mailboxes) != 1 || got.Mailboxes[0].Capacity != 256 {
		t.Fatalf("unexpected mailboxes: %+v", got.Mailboxes)
	}
}

func TestStatusEndpointWithoutRunAnswers503(t *testing.T) {
	srv, err := NewServer(monitorConfig(), logger.Logger(), nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want %d", res.Code, http.StatusServiceUnavailable)
	}
}

func TestMetricsEndpointServesStoredMetrics(t *testing.T) {
	log := logger.Logger()
	srv, err := NewServer(monitorConfig(), log, nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	metrics.EmitMetric(log, "merge", "events_merged", 5, "counter", logger.Fields{"legs": 2})

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", res.Code, http.StatusOK)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatal("metric store empty after emit")
	}
}

func TestMetricStreamDeliversOverWebsocket(t *testing.T) {
	log := logger.Logger()
	srv, err := NewServer(monitorConfig(), log, nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter returned error: %v", err)
	}
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/metrics"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// The handshake completes before the server registers the reader, so
	// wait for registration before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for srv.stream.readers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket reader never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	metrics.EmitMetric(log, "feed", "events_emitted", 3, "counter", nil)

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var msg streamMetric
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read stream metric: %v", err)
	}
	if msg.Name != "events_emitted" || msg.Component != "feed" {
		t.Fatalf("unexpected stream payload: %+v", msg)
	}
}

func TestMetricStreamNeverBlocksEmitters(t *testing.T) {
	stream := newMetricStream(2, logger.Logger())
	ch := make(chan metrics.Metric, 2)
	stream.clients[&websocket.Conn{}] = ch

	for i := 0; i < 5; i++ {
		stream.broadcast(metrics.Metric{Name: "tick", Value: i})
	}

	if len(ch) != 2 {
		t.Fatalf("reader queue length = %d, want full buffer of 2", len(ch))
	}
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
	"github.com/singul4ri7y/murphys-kitchen/internal/config"
	"github.com/singul4ri7y/murphys-kitchen/internal/conversation"
	"github.com/singul4ri7y/murphys-kitchen/internal/metrics"
	"github.com/singul4ri7y/murphys-kitchen/internal/pipeline"
	"github.com/singul4ri7y/murphys-kitchen/internal/rtc"
	"github.com/singul4ri7y/murphys-kitchen/internal/transcription"
)

type stubPipeline struct{}

func (stubPipeline) GetStats() pipeline.Stats {
	return pipeline.Stats{SourceID: "call-1/track-1", State: "silent"}
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(ctx context.Context, blob audio.Blob) transcription.Result {
	return transcription.Result{}
}

func (stubTranscriber) GetStats() transcription.ClientStats {
	return transcription.ClientStats{Provider: "elevenlabs"}
}

func (stubTranscriber) Close() error { return nil }

type stubCalls struct {
	err error
}

func (s stubCalls) HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	if s.err != nil {
		return rtc.SessionDescription{}, s.err
	}
	return rtc.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (stubCalls) GetStats() rtc.HandlerStats {
	return rtc.HandlerStats{ActiveCalls: 1}
}

// echoResponder appends the user message and a fixed reply
type echoResponder struct {
	log *conversation.Log
}

func (r echoResponder) Send(ctx context.Context, content string) (conversation.Message, conversation.Message, error) {
	msg, err := r.log.Append(conversation.RoleUser, content)
	if err != nil {
		return conversation.Message{}, conversation.Message{}, err
	}
	reply, err := r.log.Append(conversation.RoleAssistant, "Yes, chef.")
	return msg, reply, err
}

type testRig struct {
	server  *HTTPServer
	log     *conversation.Log
	metrics *metrics.Metrics
}

func newTestRig(t *testing.T, mutate func(*Dependencies)) *testRig {
	t.Helper()

	cfg := config.Default()
	cfg.Transcription.APIKey = "secret-transcription-key"
	cfg.Assistant.APIKey = "secret-assistant-key"

	reg := prometheus.NewRegistry()
	log := conversation.NewLog()
	m := metrics.NewMetrics(reg)

	deps := Dependencies{
		Config:       &cfg,
		Conversation: log,
		Pipeline:     stubPipeline{},
		Transcriber:  stubTranscriber{},
		Calls:        stubCalls{},
		Metrics:      m,
		Gatherer:     reg,
	}
	if mutate != nil {
		mutate(&deps)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testRig{
		server:  NewHTTPServer(cfg.HTTP, logger, deps),
		log:     log,
		metrics: m,
	}
}

func (r *testRig) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rig := newTestRig(t, nil)

	rec := rig.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Status     string                            `json:"status"`
		Components map[string]map[string]interface{} `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("Expected healthy, got %q", body.Status)
	}
	if got := body.Components["pipeline"]["status"]; got != "listening" {
		t.Errorf("Expected pipeline listening, got %v", got)
	}
	if _, ok := body.Components["calls"]; !ok {
		t.Error("Expected calls component")
	}
}

func TestConfigHidesCredentials(t *testing.T) {
	rig := newTestRig(t, nil)

	rec := rig.do(t, http.MethodGet, "/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-") {
		t.Errorf("Config response leaks a credential: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"api_key_set":true`) {
		t.Errorf("Expected api_key_set flag, got %s", rec.Body.String())
	}
}

func TestMessagesLifecycle(t *testing.T) {
	rig := newTestRig(t, nil)

	rec := rig.do(t, http.MethodPost, "/api/messages", `{"content":"  two burgers  "}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created postMessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.Message.Role != conversation.RoleUser || created.Message.Content != "two burgers" {
		t.Errorf("Unexpected message: %+v", created.Message)
	}
	if created.Reply != nil {
		t.Errorf("Expected no reply without a responder, got %+v", created.Reply)
	}

	rec = rig.do(t, http.MethodGet, "/api/messages", "")
	var listed struct {
		Count    int                    `json:"count"`
		Messages []conversation.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if listed.Count != 1 || listed.Messages[0].ID != created.Message.ID {
		t.Errorf("Unexpected listing: %+v", listed)
	}

	rec = rig.do(t, http.MethodDelete, "/api/messages", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	if rig.log.Len() != 0 {
		t.Errorf("Expected empty log after clear, got %d", rig.log.Len())
	}
}

func TestPostMessageRejectsBadInput(t *testing.T) {
	rig := newTestRig(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "empty content", body: `{"content":""}`},
		{name: "whitespace content", body: `{"content":"   "}`},
		{name: "malformed json", body: `{"content":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := rig.do(t, http.MethodPost, "/api/messages", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}

	if rig.log.Len() != 0 {
		t.Errorf("Expected nothing appended, got %d", rig.log.Len())
	}
	if got := testutil.ToFloat64(rig.metrics.HTTPErrors.WithLabelValues("POST", "/api/messages", "client_error")); got != 3 {
		t.Errorf("Expected 3 client errors, got %v", got)
	}
}

func TestPostMessageWithResponder(t *testing.T) {
	rig := newTestRig(t, func(d *Dependencies) {
		d.Responder = echoResponder{log: d.Conversation}
	})

	rec := rig.do(t, http.MethodPost, "/api/messages", `{"content":"table four is ready"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}

	var created postMessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.Reply == nil || created.Reply.Content != "Yes, chef." {
		t.Errorf("Expected reply, got %+v", created.Reply)
	}
	if rig.log.Len() != 2 {
		t.Errorf("Expected 2 messages, got %d", rig.log.Len())
	}
}

func TestCall(t *testing.T) {
	tests := []struct {
		name     string
		calls    CallHandler
		body     string
		wantCode int
	}{
		{name: "answer", calls: stubCalls{}, body: `{"type":"offer","sdp":"v=0"}`, wantCode: http.StatusOK},
		{name: "invalid offer", calls: stubCalls{err: rtc.ErrInvalidOffer}, body: `{"type":"answer","sdp":""}`, wantCode: http.StatusBadRequest},
		{name: "negotiation failure", calls: stubCalls{err: io.ErrUnexpectedEOF}, body: `{"type":"offer","sdp":"v=0"}`, wantCode: http.StatusInternalServerError},
		{name: "calls disabled", calls: nil, body: `{"type":"offer","sdp":"v=0"}`, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, func(d *Dependencies) { d.Calls = tt.calls })

			rec := rig.do(t, http.MethodPost, "/api/call", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}

			var answer rtc.SessionDescription
			if err := json.Unmarshal(rec.Body.Bytes(), &answer); err != nil {
				t.Fatalf("Failed to decode answer: %v", err)
			}
			if answer.Type != "answer" {
				t.Errorf("Expected answer, got %+v", answer)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.do(t, http.MethodGet, "/health", "")

	rec := rig.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `murphy_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`) {
		t.Errorf("Expected health request to be counted, got:\n%s", rec.Body.String())
	}
}

func TestWebSocketStream(t *testing.T) {
	rig := newTestRig(t, nil)
	if _, err := rig.log.Append(conversation.RoleUser, "fire table two"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	ts := httptest.NewServer(rig.server.Handler())
	defer ts.Close()
	defer rig.server.Stop(context.Background())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	read := func() wsMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		return msg
	}

	snapshot := read()
	if snapshot.Type != "snapshot" || len(snapshot.Messages) != 1 {
		t.Fatalf("Unexpected snapshot: %+v", snapshot)
	}

	appended, err := rig.log.Append(conversation.RoleAssistant, "two minutes")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	ev := read()
	if ev.Type != string(conversation.EventAppend) || ev.Message == nil || ev.Message.ID != appended.ID {
		t.Errorf("Unexpected append event: %+v", ev)
	}

	rig.log.Clear()
	if ev := read(); ev.Type != string(conversation.EventClear) {
		t.Errorf("Expected clear event, got %+v", ev)
	}
}

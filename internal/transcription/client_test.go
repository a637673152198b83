package transcription

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) RecordTranscription(provider, outcome string, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, provider+":"+outcome)
}

func testBlob(t *testing.T) audio.Blob {
	t.Helper()
	u := &audio.Utterance{
		ID:         "utt-1",
		SampleRate: 16000,
		Segments:   [][]int16{{100, 200, 300}},
	}
	blob, err := u.Encode()
	if err != nil {
		t.Fatalf("Failed to encode test blob: %v", err)
	}
	return blob
}

func newTestClient(t *testing.T, endpoint, apiKey string, observer Observer) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Endpoint:      endpoint,
		APIKey:        apiKey,
		Model:         "scribe_v1",
		Language:      "en",
		Timeout:       2 * time.Second,
		MaxConcurrent: 2,
	}, quietLogger(), observer)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		expectErr bool
	}{
		{name: "valid", config: Config{Endpoint: "http://localhost", Model: "scribe_v1"}, expectErr: false},
		{name: "missing endpoint", config: Config{Model: "scribe_v1"}, expectErr: true},
		{name: "missing model", config: Config{Endpoint: "http://localhost"}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.config, quietLogger(), nil)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestClientTranscribeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("xi-api-key"); got != "secret" {
			t.Errorf("Expected xi-api-key header, got %q", got)
		}

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("Failed to parse multipart form: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if got := r.FormValue("model_id"); got != "scribe_v1" {
			t.Errorf("Expected model_id scribe_v1, got %q", got)
		}
		if got := r.FormValue("language_code"); got != "en" {
			t.Errorf("Expected language_code en, got %q", got)
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("Expected file part: %v", err)
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		if header.Filename != "utt-1.wav" {
			t.Errorf("Expected filename utt-1.wav, got %s", header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("Expected audio/wav part, got %s", ct)
		}
		data, _ := io.ReadAll(file)
		if _, _, err := audio.DecodeWAV(data); err != nil {
			t.Errorf("Uploaded audio is not valid WAV: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": "  Preheat the oven.  "})
	}))
	defer server.Close()

	observer := &recordingObserver{}
	client := newTestClient(t, server.URL, "secret", observer)
	defer client.Close()

	result := client.Transcribe(context.Background(), testBlob(t))
	if result.Text != "Preheat the oven." {
		t.Errorf("Expected trimmed text, got %q", result.Text)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if len(observer.outcomes) != 1 || observer.outcomes[0] != "elevenlabs:success" {
		t.Errorf("Unexpected observer outcomes %v", observer.outcomes)
	}
}

func TestClientFailuresReturnEmpty(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"detail":"invalid key"}`, http.StatusUnauthorized)
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{not json"))
			},
		},
		{
			name: "missing text field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"language_code":"en"}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := newTestClient(t, server.URL, "secret", nil)
			result := client.Transcribe(context.Background(), testBlob(t))
			if !result.Empty() {
				t.Errorf("Expected empty result, got %q", result.Text)
			}
		})
	}
}

func TestClientTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	observer := &recordingObserver{}
	client := newTestClient(t, endpoint, "secret", observer)

	result := client.Transcribe(context.Background(), testBlob(t))
	if result.Text != "" {
		t.Errorf("Expected empty text on transport failure, got %q", result.Text)
	}

	if stats := client.GetStats(); stats.FailedRequests != 1 {
		t.Errorf("Expected one failed request, got %d", stats.FailedRequests)
	}
	if len(observer.outcomes) != 1 || observer.outcomes[0] != "elevenlabs:failure" {
		t.Errorf("Unexpected observer outcomes %v", observer.outcomes)
	}
}

func TestClientNoRetry(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret", nil)
	client.Transcribe(context.Background(), testBlob(t))

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("Expected exactly one attempt, got %d", calls)
	}
}

func TestClientMissingAPIKey(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "", nil)
	if result := client.Transcribe(context.Background(), testBlob(t)); !result.Empty() {
		t.Errorf("Expected empty result without credentials, got %q", result.Text)
	}
	if called {
		t.Error("Expected no request without credentials")
	}
}

func TestClientCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"late"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if result := client.Transcribe(ctx, testBlob(t)); !result.Empty() {
		t.Errorf("Expected empty result for cancelled context, got %q", result.Text)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	tests := []struct {
		provider  string
		expectErr bool
	}{
		{provider: "elevenlabs"},
		{provider: "whisper"},
		{provider: "deepgram", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			tr, err := New(Config{
				Provider: tt.provider,
				Endpoint: "http://localhost",
				Model:    "model",
			}, quietLogger(), nil)
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got := tr.GetStats().Provider; got != tt.provider {
				t.Errorf("Expected provider %s, got %s", tt.provider, got)
			}
		})
	}
}

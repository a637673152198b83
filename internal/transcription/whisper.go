package transcription

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
)

// WhisperClient transcribes through an OpenAI-compatible audio endpoint
type WhisperClient struct {
	config Config
	client *openai.Client
	gate   *gate
}

// NewWhisperClient creates a transcriber backed by go-openai
func NewWhisperClient(config Config, logger *slog.Logger, observer Observer) (*WhisperClient, error) {
	if config.Model == "" {
		config.Model = openai.Whisper1
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.Endpoint != "" {
		clientConfig.BaseURL = config.Endpoint
	}
	clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}

	return &WhisperClient{
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
		gate:   newGate(ProviderWhisper, config.MaxConcurrent, logger, observer),
	}, nil
}

// Transcribe uploads the blob once and returns the recognized text
func (w *WhisperClient) Transcribe(ctx context.Context, blob audio.Blob) Result {
	return w.gate.run(ctx, blob, func(ctx context.Context) (string, error) {
		if w.config.APIKey == "" {
			return "", errMissingAPIKey
		}

		resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    w.config.Model,
			Reader:   bytes.NewReader(blob.Data),
			FilePath: blob.Filename,
			Language: w.config.Language,
			Format:   openai.AudioResponseFormatJSON,
		})
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	})
}

// GetStats returns current client statistics
func (w *WhisperClient) GetStats() ClientStats {
	return w.gate.stats()
}

// Close waits for in-flight requests
func (w *WhisperClient) Close() error {
	w.gate.drain()
	return nil
}

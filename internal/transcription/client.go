package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
)

// Provider names
const (
	ProviderElevenLabs = "elevenlabs"
	ProviderWhisper    = "whisper"
)

// errMissingAPIKey is reported when a request is attempted without credentials
var errMissingAPIKey = errors.New("api key not configured")

// maxResponseBytes caps how much of a provider response is read
const maxResponseBytes = 1 << 20

// Client sends utterances to the ElevenLabs speech-to-text endpoint
type Client struct {
	config     Config
	httpClient *http.Client
	gate       *gate
}

// speechToTextResponse is the subset of the provider reply that is used
type speechToTextResponse struct {
	Text         string  `json:"text"`
	LanguageCode string  `json:"language_code,omitempty"`
	Probability  float64 `json:"language_probability,omitempty"`
}

// NewClient creates a new ElevenLabs transcription client
func NewClient(config Config, logger *slog.Logger, observer Observer) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		gate:       newGate(ProviderElevenLabs, config.MaxConcurrent, logger, observer),
	}, nil
}

// Transcribe uploads the blob once and returns the recognized text
func (c *Client) Transcribe(ctx context.Context, blob audio.Blob) Result {
	return c.gate.run(ctx, blob, func(ctx context.Context) (string, error) {
		return c.doRequest(ctx, blob)
	})
}

// doRequest performs a single HTTP request to the speech-to-text API
func (c *Client) doRequest(ctx context.Context, blob audio.Blob) (string, error) {
	if c.config.APIKey == "" {
		return "", errMissingAPIKey
	}

	body, contentType, err := c.createMultipartRequest(blob)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("xi-api-key", c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed speechToTextResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return parsed.Text, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(blob audio.Blob) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, blob.Filename))
	header.Set("Content-Type", blob.MimeType)

	fileWriter, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(blob.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"model_id": c.config.Model,
	}
	if c.config.Language != "" {
		fields["language_code"] = c.config.Language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	return c.gate.stats()
}

// Close waits for in-flight requests and releases idle connections
func (c *Client) Close() error {
	c.gate.drain()
	c.httpClient.CloseIdleConnections()
	return nil
}

package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
)

// Result is the text recognized in one utterance. Empty text means there
// is nothing to publish, whether the audio held no words or the request failed.
type Result struct {
	Text string `json:"text"`
}

// Empty reports whether the result carries no text
func (r Result) Empty() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Transcriber converts an encoded utterance to text. Implementations never
// return an error: every failure is logged and collapses to an empty Result.
type Transcriber interface {
	Transcribe(ctx context.Context, blob audio.Blob) Result
	GetStats() ClientStats
	Close() error
}

// Observer receives one call per finished request
type Observer interface {
	RecordTranscription(provider, outcome string, duration time.Duration)
}

// Request outcomes reported to the Observer
const (
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty"
	OutcomeFailure = "failure"
)

// Config contains transcription client configuration
type Config struct {
	Provider      string // "elevenlabs" or "whisper"
	Endpoint      string
	APIKey        string
	Model         string
	Language      string
	Timeout       time.Duration
	MaxConcurrent int
}

// ClientStats represents client statistics
type ClientStats struct {
	Provider        string        `json:"provider"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	EmptyResults    uint64        `json:"empty_results"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// New builds the transcriber selected by config.Provider
func New(config Config, logger *slog.Logger, observer Observer) (Transcriber, error) {
	switch config.Provider {
	case "", ProviderElevenLabs:
		return NewClient(config, logger, observer)
	case ProviderWhisper:
		return NewWhisperClient(config, logger, observer)
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", config.Provider)
	}
}

// gate bounds concurrent requests and keeps request statistics shared by
// every provider
type gate struct {
	provider  string
	semaphore chan struct{}
	logger    *slog.Logger
	observer  Observer

	totalRequests   uint64
	successRequests uint64
	emptyResults    uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

func newGate(provider string, maxConcurrent int, logger *slog.Logger, observer Observer) *gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &gate{
		provider:  provider,
		semaphore: make(chan struct{}, maxConcurrent),
		logger:    logger,
		observer:  observer,
	}
}

// run executes one request under the concurrency limit and converts any
// failure into an empty result
func (g *gate) run(ctx context.Context, blob audio.Blob, do func(context.Context) (string, error)) Result {
	select {
	case g.semaphore <- struct{}{}:
		defer func() { <-g.semaphore }()
	case <-ctx.Done():
		g.finish(OutcomeFailure, 0)
		g.logger.Warn("Transcription abandoned before sending",
			slog.String("provider", g.provider),
			slog.String("file", blob.Filename),
			slog.String("error", ctx.Err().Error()),
		)
		return Result{}
	}

	startTime := time.Now()
	text, err := do(ctx)
	duration := time.Since(startTime)

	if err != nil {
		g.finish(OutcomeFailure, duration)
		g.logger.Warn("Transcription failed",
			slog.String("provider", g.provider),
			slog.String("file", blob.Filename),
			slog.Int("audio_bytes", len(blob.Data)),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return Result{}
	}

	result := Result{Text: strings.TrimSpace(text)}
	if result.Empty() {
		g.finish(OutcomeEmpty, duration)
		g.logger.Debug("Transcription returned no text",
			slog.String("provider", g.provider),
			slog.String("file", blob.Filename),
		)
		return result
	}

	g.finish(OutcomeSuccess, duration)
	g.logger.Info("Transcription completed",
		slog.String("provider", g.provider),
		slog.String("file", blob.Filename),
		slog.Duration("duration", duration),
		slog.Int("text_length", len(result.Text)),
	)
	return result
}

func (g *gate) finish(outcome string, duration time.Duration) {
	g.mu.Lock()
	g.totalRequests++
	switch outcome {
	case OutcomeSuccess:
		g.successRequests++
	case OutcomeEmpty:
		g.emptyResults++
	default:
		g.failedRequests++
	}
	if duration > 0 {
		// Simple moving average
		if g.avgResponseTime == 0 {
			g.avgResponseTime = duration
		} else {
			g.avgResponseTime = (g.avgResponseTime + duration) / 2
		}
	}
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.RecordTranscription(g.provider, outcome, duration)
	}
}

func (g *gate) stats() ClientStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	successRate := float64(0)
	if g.totalRequests > 0 {
		successRate = float64(g.successRequests+g.emptyResults) / float64(g.totalRequests) * 100
	}

	return ClientStats{
		Provider:        g.provider,
		TotalRequests:   g.totalRequests,
		SuccessRequests: g.successRequests,
		EmptyResults:    g.emptyResults,
		FailedRequests:  g.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: g.avgResponseTime,
		ActiveRequests:  len(g.semaphore),
	}
}

// drain waits for all in-flight requests to release the semaphore
func (g *gate) drain() {
	for i := 0; i < cap(g.semaphore); i++ {
		g.semaphore <- struct{}{}
	}
	for i := 0; i < cap(g.semaphore); i++ {
		<-g.semaphore
	}
}

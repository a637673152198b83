package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/singul4ri7y/murphys-kitchen/internal/config"
	"github.com/singul4ri7y/murphys-kitchen/internal/conversation"
	"github.com/singul4ri7y/murphys-kitchen/internal/metrics"
	"github.com/singul4ri7y/murphys-kitchen/internal/pipeline"
	"github.com/singul4ri7y/murphys-kitchen/internal/rtc"
	"github.com/singul4ri7y/murphys-kitchen/internal/transcription"
)

// Pipeline exposes the audio pipeline's statistics
type Pipeline interface {
	GetStats() pipeline.Stats
}

// CallHandler negotiates WebRTC calls
type CallHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
	GetStats() rtc.HandlerStats
}

// Responder answers typed user messages
type Responder interface {
	Send(ctx context.Context, content string) (conversation.Message, conversation.Message, error)
}

// IngestServer reports on the UDP microphone ingest
type IngestServer interface {
	GetStatistics() UDPStatistics
}

// Dependencies are the components the API reports on and drives. Calls,
// Responder, Ingest and MicPipeline are optional.
type Dependencies struct {
	Config       *config.Config
	Conversation *conversation.Log
	Pipeline     Pipeline
	Transcriber  transcription.Transcriber
	Calls        CallHandler
	Responder    Responder
	Ingest       IngestServer
	MicPipeline  Pipeline // transcribes the ingest streams
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
}

// HTTPServer provides the conversation API and monitoring endpoints
type HTTPServer struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
	deps   Dependencies

	upgrader websocket.Upgrader
	shutdown chan struct{}
	stopOnce sync.Once

	// Server state
	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, deps Dependencies) *HTTPServer {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		echo:   echo.New(),
		addr:   fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		logger: logger,
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}

	h.echo.HideBanner = true
	h.echo.HidePort = true
	h.echo.Server.ReadTimeout = 10 * time.Second
	h.echo.Server.IdleTimeout = 60 * time.Second

	h.echo.Use(middleware.Recover())
	h.echo.Use(h.requestLogger())
	h.echo.Use(h.withMetrics)

	h.setupRoutes()

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() {
	e := h.echo

	// Monitoring endpoints
	e.GET("/", h.handleRoot)
	e.GET("/health", h.handleHealth)
	e.GET("/stats", h.handleStats)
	e.GET("/config", h.handleConfig)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{})))

	// Conversation endpoints
	api := e.Group("/api")
	api.GET("/messages", h.handleListMessages)
	api.POST("/messages", h.handlePostMessage)
	api.DELETE("/messages", h.handleClearMessages)
	api.GET("/ws", h.handleWebSocket)
	api.POST("/call", h.handleCall)
}

// Handler returns the router, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.echo
}

func (h *HTTPServer) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				h.logger.Warn("HTTP request failed", attrs...)
				return nil
			}
			h.logger.Debug("HTTP request", attrs...)
			return nil
		},
	})
}

// withMetrics records request count and latency per route
func (h *HTTPServer) withMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.deps.Metrics == nil || c.Path() == "/metrics" {
			return next(c)
		}

		startTime := time.Now()
		err := next(c)
		duration := time.Since(startTime).Seconds()

		status := c.Response().Status
		if err != nil {
			status = http.StatusInternalServerError
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
		}

		endpoint := c.Path()
		method := c.Request().Method
		h.deps.Metrics.RecordHTTPRequest(method, endpoint, strconv.Itoa(status), duration)

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(method, endpoint, errorType)
		}

		return err
	}
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.addr),
	)

	go func() {
		if err := h.echo.Start(h.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server and closes open WebSocket streams
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	h.stopOnce.Do(func() { close(h.shutdown) })
	return h.echo.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(c echo.Context) error {
	pipelineStats := h.deps.Pipeline.GetStats()
	transcriptionStats := h.deps.Transcriber.GetStats()
	conversationStats := h.deps.Conversation.GetStats()

	pipelineStatus := "idle"
	switch {
	case pipelineStats.Closed:
		pipelineStatus = "closed"
	case pipelineStats.SourceID != "":
		pipelineStatus = "listening"
	}

	components := map[string]interface{}{
		"pipeline": map[string]interface{}{
			"status":       pipelineStatus,
			"speech_state": pipelineStats.State,
			"in_flight":    pipelineStats.InFlight,
		},
		"transcription": map[string]interface{}{
			"status":          "running",
			"provider":        transcriptionStats.Provider,
			"total_requests":  transcriptionStats.TotalRequests,
			"success_rate":    transcriptionStats.SuccessRate,
			"active_requests": transcriptionStats.ActiveRequests,
		},
		"conversation": map[string]interface{}{
			"status":      "running",
			"messages":    conversationStats.Messages,
			"subscribers": conversationStats.Subscribers,
		},
	}
	if h.deps.Calls != nil {
		components["calls"] = map[string]interface{}{
			"status":       "running",
			"active_calls": h.deps.Calls.GetStats().ActiveCalls,
		}
	}
	if h.deps.Ingest != nil {
		ingestStats := h.deps.Ingest.GetStatistics()
		ingest := map[string]interface{}{
			"status":         "running",
			"active_streams": ingestStats.ActiveStreams,
			"parse_errors":   ingestStats.ParseErrors,
		}
		if h.deps.MicPipeline != nil {
			ingest["speech_state"] = h.deps.MicPipeline.GetStats().State
		}
		components["ingest"] = ingest
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "murphys-kitchen",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(c echo.Context) error {
	stats := map[string]interface{}{
		"uptime":        time.Since(h.startTime).String(),
		"timestamp":     time.Now().UTC(),
		"pipeline":      h.deps.Pipeline.GetStats(),
		"transcription": h.deps.Transcriber.GetStats(),
		"conversation":  h.deps.Conversation.GetStats(),
	}
	if h.deps.Calls != nil {
		stats["calls"] = h.deps.Calls.GetStats()
	}
	if h.deps.Ingest != nil {
		stats["ingest"] = h.deps.Ingest.GetStatistics()
	}
	if h.deps.MicPipeline != nil {
		stats["mic_pipeline"] = h.deps.MicPipeline.GetStats()
	}

	return c.JSON(http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(c echo.Context) error {
	cfg := h.deps.Config
	if cfg == nil {
		return echo.NewHTTPError(http.StatusNotFound, "configuration not available")
	}

	// Credentials are reported only as present or absent
	return c.JSON(http.StatusOK, map[string]interface{}{
		"http": map[string]interface{}{
			"address": cfg.HTTP.Address,
			"port":    cfg.HTTP.Port,
		},
		"analyzer": map[string]interface{}{
			"fft_size":     cfg.Analyzer.FFTSize,
			"frame_rate":   cfg.Analyzer.FrameRate,
			"smoothing":    cfg.Analyzer.Smoothing,
			"min_decibels": cfg.Analyzer.MinDecibels,
			"max_decibels": cfg.Analyzer.MaxDecibels,
		},
		"vad": map[string]interface{}{
			"silence_threshold": cfg.VAD.SilenceThreshold,
			"silence_duration":  cfg.VAD.SilenceDuration,
		},
		"recorder": map[string]interface{}{
			"enabled":      cfg.Recorder.Enabled,
			"max_duration": cfg.Recorder.MaxDuration,
		},
		"transcription": map[string]interface{}{
			"provider":       cfg.Transcription.Provider,
			"endpoint":       cfg.Transcription.Endpoint,
			"model":          cfg.Transcription.Model,
			"language":       cfg.Transcription.Language,
			"timeout":        cfg.Transcription.Timeout,
			"max_concurrent": cfg.Transcription.MaxConcurrent,
			"api_key_set":    cfg.Transcription.APIKey != "",
		},
		"assistant": map[string]interface{}{
			"enabled":     cfg.Assistant.Enabled,
			"base_url":    cfg.Assistant.BaseURL,
			"model":       cfg.Assistant.Model,
			"max_tokens":  cfg.Assistant.MaxTokens,
			"temperature": cfg.Assistant.Temperature,
			"api_key_set": cfg.Assistant.APIKey != "",
		},
		"conversation": map[string]interface{}{
			"transcript_role": cfg.Conversation.TranscriptRole,
		},
		"rtc": map[string]interface{}{
			"ice_servers": cfg.RTC.ICEServers,
			"sample_rate": cfg.RTC.SampleRate,
		},
		"ingest": map[string]interface{}{
			"enabled":         cfg.Ingest.Enabled,
			"address":         cfg.Ingest.Address,
			"port":            cfg.Ingest.Port,
			"buffer_size":     cfg.Ingest.BufferSize,
			"queue_size":      cfg.Ingest.QueueSize,
			"idle_timeout":    cfg.Ingest.IdleTimeout,
			"transcript_role": cfg.Ingest.TranscriptRole,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"service": "Murphy's Kitchen voice monitor",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                "API documentation",
			"GET /health":          "Service health check",
			"GET /stats":           "Pipeline, transcription and conversation statistics",
			"GET /config":          "Service configuration without credentials",
			"GET /metrics":         "Prometheus metrics",
			"GET /api/messages":    "Conversation messages in order",
			"POST /api/messages":   "Send a typed message",
			"DELETE /api/messages": "Clear the conversation",
			"GET /api/ws":          "WebSocket stream of conversation events",
			"POST /api/call":       "WebRTC offer, returns the answer",
		},
		"timestamp": time.Now().UTC(),
	})
}

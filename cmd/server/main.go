package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"github.com/singul4ri7y/murphys-kitchen/internal/assistant"
	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
	"github.com/singul4ri7y/murphys-kitchen/internal/config"
	"github.com/singul4ri7y/murphys-kitchen/internal/conversation"
	"github.com/singul4ri7y/murphys-kitchen/internal/metrics"
	"github.com/singul4ri7y/murphys-kitchen/internal/pipeline"
	"github.com/singul4ri7y/murphys-kitchen/internal/rtc"
	"github.com/singul4ri7y/murphys-kitchen/internal/server"
	"github.com/singul4ri7y/murphys-kitchen/internal/transcription"
	"github.com/singul4ri7y/murphys-kitchen/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "murphys-kitchen"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.StringP("config", "c", defaultConfigPath, "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Path to dotenv file with API keys")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Parse()

	if err := config.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("fft_size", cfg.Analyzer.FFTSize),
		slog.Int("frame_rate", cfg.Analyzer.FrameRate),
		slog.Float64("silence_threshold", cfg.VAD.SilenceThreshold),
		slog.Int("silence_duration", cfg.VAD.SilenceDuration),
		slog.Bool("recorder_enabled", cfg.Recorder.Enabled),
		slog.String("transcription_provider", cfg.Transcription.Provider),
		slog.Bool("transcription_key_set", cfg.Transcription.APIKey != ""),
		slog.Bool("assistant_enabled", cfg.Assistant.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Conversation log shared by the pipeline, the assistant and the API
	conversationLog := conversation.NewLog()
	events, unsubscribe := conversationLog.Subscribe()
	go countMessages(events, appMetrics)

	transcriber, err := transcription.New(transcription.Config{
		Provider:      cfg.Transcription.Provider,
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create transcriber", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.Transcription.APIKey == "" {
		logger.Warn("Transcription API key is not set, every utterance will transcribe to empty text")
	}

	// The remote participant's call audio
	audioPipeline, err := newPipeline(cfg, conversation.Role(cfg.Conversation.TranscriptRole),
		transcriber, conversationLog, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}
	audioPipeline.OnFrame(func(frame audio.Frame) {
		appMetrics.ObserveFrame(frame.Loudness)
	})
	logger.Info("Audio pipeline initialized",
		slog.Duration("tick_interval", cfg.Analyzer.GetTickInterval()),
		slog.String("transcript_role", cfg.Conversation.TranscriptRole),
	)

	callHandler := rtc.NewHandler(rtc.Config{
		ICEServers: cfg.RTC.ICEServers,
		SampleRate: cfg.RTC.SampleRate,
	}, audioPipeline, nil, logger)

	deps := server.Dependencies{
		Config:       cfg,
		Conversation: conversationLog,
		Pipeline:     audioPipeline,
		Transcriber:  transcriber,
		Calls:        callHandler,
		Metrics:      appMetrics,
		Gatherer:     registry,
	}

	if cfg.Assistant.Enabled {
		responder, err := assistant.NewResponder(assistant.Config{
			BaseURL:      cfg.Assistant.BaseURL,
			APIKey:       cfg.Assistant.APIKey,
			Model:        cfg.Assistant.Model,
			SystemPrompt: cfg.Assistant.SystemPrompt,
			MaxTokens:    cfg.Assistant.MaxTokens,
			Temperature:  cfg.Assistant.Temperature,
			Timeout:      cfg.Assistant.GetTimeoutDuration(),
		}, conversationLog, logger)
		if err != nil {
			logger.Error("Failed to create assistant", slog.String("error", err.Error()))
			os.Exit(1)
		}
		deps.Responder = responder
		logger.Info("Assistant initialized", slog.String("model", cfg.Assistant.Model))
	}

	// Initialize UDP microphone ingest (if enabled). Microphone streams get
	// their own pipeline so they never displace the call audio.
	var udpServer *server.UDPServer
	var micPipeline *pipeline.Pipeline
	if cfg.Ingest.Enabled {
		micPipeline, err = newPipeline(cfg, conversation.Role(cfg.Ingest.TranscriptRole),
			transcriber, conversationLog, appMetrics, logger.With(slog.String("pipeline", "mic")))
		if err != nil {
			logger.Error("Failed to create microphone pipeline", slog.String("error", err.Error()))
			os.Exit(1)
		}

		udpServer = server.NewUDPServer(cfg.Ingest, logger, micPipeline)
		if err := udpServer.Start(); err != nil {
			logger.Error("Failed to start UDP ingest server", slog.String("error", err.Error()))
			os.Exit(1)
		}
		deps.Ingest = udpServer
		deps.MicPipeline = micPipeline
		logger.Info("Microphone pipeline initialized",
			slog.String("transcript_role", cfg.Ingest.TranscriptRole),
		)
	}

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, deps)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Start the analysis loops
	var pipelines sync.WaitGroup
	pipelines.Add(1)
	go func() {
		defer pipelines.Done()
		audioPipeline.Run(ctx, pipeline.NewFrameTicker(cfg.Analyzer.GetTickInterval()))
	}()
	if micPipeline != nil {
		pipelines.Add(1)
		go func() {
			defer pipelines.Done()
			micPipeline.Run(ctx, pipeline.NewFrameTicker(cfg.Analyzer.GetTickInterval()))
		}()
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests and calls)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop UDP ingest (stop accepting new audio)
	if udpServer != nil {
		if err := udpServer.Stop(); err != nil {
			logger.Error("Error stopping UDP ingest server", slog.String("error", err.Error()))
		}
	}

	// Hang up calls, then tear the pipelines down
	if err := callHandler.Close(); err != nil {
		logger.Error("Error closing calls", slog.String("error", err.Error()))
	}
	cancel()
	pipelines.Wait()

	// Results still in flight are discarded by the closed pipelines
	audioPipeline.Wait()
	if micPipeline != nil {
		micPipeline.Wait()
	}
	if err := transcriber.Close(); err != nil {
		logger.Error("Error closing transcriber", slog.String("error", err.Error()))
	}
	unsubscribe()

	// Get final statistics
	stats := audioPipeline.GetStats()
	transcriptionStats := transcriber.GetStats()
	logger.Info("Final pipeline statistics",
		slog.Uint64("frames_analyzed", stats.FramesAnalyzed),
		slog.Uint64("utterances_dispatched", stats.UtterancesDispatched),
		slog.Uint64("transcripts_published", stats.TranscriptsPublished),
		slog.Uint64("transcripts_discarded", stats.TranscriptsDiscarded),
		slog.Uint64("transcription_requests", transcriptionStats.TotalRequests),
		slog.Int("messages", conversationLog.Len()),
	)

	logger.Info("Service stopped")
}

// newPipeline builds an analysis pipeline with its own analyzer, detector
// and recorder, publishing transcripts under role
func newPipeline(cfg *config.Config, role conversation.Role, transcriber transcription.Transcriber,
	sink pipeline.Sink, observer pipeline.Observer, logger *slog.Logger) (*pipeline.Pipeline, error) {
	analyzer, err := audio.NewAnalyzer(audio.AnalyzerConfig{
		FFTSize:     cfg.Analyzer.FFTSize,
		Smoothing:   cfg.Analyzer.Smoothing,
		MinDecibels: cfg.Analyzer.MinDecibels,
		MaxDecibels: cfg.Analyzer.MaxDecibels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	detector, err := vad.NewDetector(cfg.VAD.SilenceThreshold, cfg.VAD.SilenceDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech detector: %w", err)
	}

	var recorder audio.Recorder = audio.NopRecorder{}
	if cfg.Recorder.Enabled {
		recorder = audio.NewPCMRecorder(cfg.Recorder.GetMaxDuration())
	}

	return pipeline.New(pipeline.Components{
		Analyzer:    analyzer,
		Detector:    detector,
		Recorder:    recorder,
		Transcriber: transcriber,
		Sink:        sink,
		Observer:    observer,
	}, pipeline.Config{
		TranscriptRole:       role,
		TranscriptionTimeout: cfg.Transcription.GetTimeoutDuration(),
	}, logger)
}

// loadConfig reads the configuration file, falling back to defaults when it
// does not exist
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	defaults := config.Default()
	defaults.ApplyEnv()
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &defaults, nil
}

// countMessages feeds appended messages into the message counter until the
// subscription is cancelled
func countMessages(events <-chan conversation.Event, m *metrics.Metrics) {
	for ev := range events {
		if ev.Type == conversation.EventAppend && ev.Message != nil {
			m.RecordMessage(string(ev.Message.Role))
		}
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}

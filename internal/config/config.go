package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Analyzer      AnalyzerConfig      `yaml:"analyzer"`
	VAD           VADConfig           `yaml:"vad"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Assistant     AssistantConfig     `yaml:"assistant"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	RTC           RTCConfig           `yaml:"rtc"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AnalyzerConfig contains spectrum analysis parameters
type AnalyzerConfig struct {
	FFTSize     int     `yaml:"fft_size"`
	FrameRate   int     `yaml:"frame_rate"` // ticks per second
	Smoothing   float64 `yaml:"smoothing"`
	MinDecibels float64 `yaml:"min_decibels"`
	MaxDecibels float64 `yaml:"max_decibels"`
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	SilenceThreshold float64 `yaml:"silence_threshold"` // normalized loudness
	SilenceDuration  int     `yaml:"silence_duration"`  // ticks
}

// RecorderConfig contains utterance recording configuration
type RecorderConfig struct {
	Enabled     bool    `yaml:"enabled"`
	MaxDuration float64 `yaml:"max_duration"` // seconds, 0 means unbounded
}

// TranscriptionConfig contains speech-to-text provider configuration
type TranscriptionConfig struct {
	Provider      string `yaml:"provider"` // "elevenlabs" or "whisper"
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// AssistantConfig contains chat completion configuration
type AssistantConfig struct {
	Enabled      bool    `yaml:"enabled"`
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float32 `yaml:"temperature"`
	Timeout      int     `yaml:"timeout"` // seconds
}

// ConversationConfig controls how transcripts enter the conversation log
type ConversationConfig struct {
	TranscriptRole string `yaml:"transcript_role"`
}

// RTCConfig contains WebRTC peer configuration
type RTCConfig struct {
	ICEServers []string `yaml:"ice_servers"`
	SampleRate int      `yaml:"sample_rate"`
}

// IngestConfig contains the UDP microphone ingest configuration
type IngestConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	BufferSize     int    `yaml:"buffer_size"`
	QueueSize      int    `yaml:"queue_size"`
	IdleTimeout    int    `yaml:"idle_timeout"`    // seconds
	TranscriptRole string `yaml:"transcript_role"` // role of microphone transcripts
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for any key the file leaves out
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Analyzer: AnalyzerConfig{
			FFTSize:     256,
			FrameRate:   60,
			Smoothing:   0.8,
			MinDecibels: -100,
			MaxDecibels: -30,
		},
		VAD: VADConfig{
			SilenceThreshold: 0.01,
			SilenceDuration:  30,
		},
		Recorder: RecorderConfig{
			Enabled:     true,
			MaxDuration: 0,
		},
		Transcription: TranscriptionConfig{
			Provider:      "elevenlabs",
			Endpoint:      "https://api.elevenlabs.io/v1/speech-to-text",
			Model:         "scribe_v1",
			Timeout:       30,
			MaxConcurrent: 4,
		},
		Assistant: AssistantConfig{
			Enabled:      true,
			Model:        "gpt-4o",
			SystemPrompt: DefaultSystemPrompt,
			MaxTokens:    500,
			Temperature:  0.7,
			Timeout:      30,
		},
		Conversation: ConversationConfig{
			TranscriptRole: "assistant",
		},
		RTC: RTCConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
			SampleRate: 48000,
		},
		Ingest: IngestConfig{
			Enabled:        false,
			Address:        "127.0.0.1",
			Port:           9090,
			BufferSize:     65536,
			QueueSize:      1000,
			IdleTimeout:    5,
			TranscriptRole: "user",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// DefaultSystemPrompt is the persona handed to the chat completion model
const DefaultSystemPrompt = "You are Murphy, an AI cooking assistant in Murphy's Kitchen. " +
	"You help users with cooking questions, recipes, techniques, and culinary advice. " +
	"Be friendly, knowledgeable, and encouraging. Keep responses concise but helpful."

// Load reads and parses the configuration file, then applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadEnvFiles loads KEY=VALUE pairs from dotenv files into the process
// environment. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides secrets and addresses from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" && c.Transcription.Provider == "elevenlabs" {
		c.Transcription.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if c.Transcription.Provider == "whisper" {
			c.Transcription.APIKey = v
		}
		c.Assistant.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Assistant.BaseURL = v
	}
	if v := os.Getenv("HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("INGEST_ADDRESS"); v != "" {
		c.Ingest.Address = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Analyzer.Validate(); err != nil {
		return fmt.Errorf("analyzer config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Recorder.Validate(); err != nil {
		return fmt.Errorf("recorder config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Assistant.Validate(); err != nil {
		return fmt.Errorf("assistant config: %w", err)
	}

	if err := c.Conversation.Validate(); err != nil {
		return fmt.Errorf("conversation config: %w", err)
	}

	if err := c.RTC.Validate(); err != nil {
		return fmt.Errorf("rtc config: %w", err)
	}

	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates analyzer configuration
func (a *AnalyzerConfig) Validate() error {
	if a.FFTSize < 32 || a.FFTSize > 32768 || a.FFTSize&(a.FFTSize-1) != 0 {
		return fmt.Errorf("fft_size must be a power of two between 32 and 32768, got %d", a.FFTSize)
	}

	if a.FrameRate < 1 || a.FrameRate > 240 {
		return fmt.Errorf("frame_rate must be between 1 and 240, got %d", a.FrameRate)
	}

	if a.Smoothing < 0 || a.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %f", a.Smoothing)
	}

	if a.MaxDecibels <= a.MinDecibels {
		return fmt.Errorf("max_decibels (%f) must be greater than min_decibels (%f)",
			a.MaxDecibels, a.MinDecibels)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.SilenceThreshold < 0 || v.SilenceThreshold > 1 {
		return fmt.Errorf("silence_threshold must be between 0 and 1, got %f", v.SilenceThreshold)
	}

	if v.SilenceDuration < 1 {
		return fmt.Errorf("silence_duration must be at least 1 tick, got %d", v.SilenceDuration)
	}

	return nil
}

// Validate validates recorder configuration
func (r *RecorderConfig) Validate() error {
	if r.MaxDuration < 0 {
		return fmt.Errorf("max_duration cannot be negative, got %f", r.MaxDuration)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "elevenlabs":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the elevenlabs provider")
		}
	case "whisper":
	default:
		return fmt.Errorf("provider must be 'elevenlabs' or 'whisper', got '%s'", t.Provider)
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates assistant configuration
func (a *AssistantConfig) Validate() error {
	if !a.Enabled {
		return nil
	}

	if a.Model == "" {
		return fmt.Errorf("model cannot be empty when the assistant is enabled")
	}

	if a.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", a.MaxTokens)
	}

	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", a.Temperature)
	}

	if a.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", a.Timeout)
	}

	return nil
}

// Validate validates conversation configuration
func (c *ConversationConfig) Validate() error {
	if c.TranscriptRole != "user" && c.TranscriptRole != "assistant" {
		return fmt.Errorf("transcript_role must be 'user' or 'assistant', got '%s'", c.TranscriptRole)
	}

	return nil
}

// Validate validates WebRTC configuration
func (r *RTCConfig) Validate() error {
	switch r.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("sample_rate must be an Opus rate (8000, 12000, 16000, 24000, 48000), got %d", r.SampleRate)
	}

	for _, url := range r.ICEServers {
		if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "turn:") && !strings.HasPrefix(url, "turns:") {
			return fmt.Errorf("ice server %q must use a stun:, turn: or turns: scheme", url)
		}
	}

	return nil
}

// Validate validates UDP ingest configuration
func (i *IngestConfig) Validate() error {
	if !i.Enabled {
		return nil
	}

	if i.Port < 1 || i.Port > 65535 {
		return fmt.Errorf("ingest port must be between 1 and 65535, got %d", i.Port)
	}

	if i.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", i.BufferSize)
	}

	if i.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", i.QueueSize)
	}

	if i.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", i.IdleTimeout)
	}

	if i.TranscriptRole != "user" && i.TranscriptRole != "assistant" {
		return fmt.Errorf("transcript_role must be 'user' or 'assistant', got '%s'", i.TranscriptRole)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTickInterval returns the analysis tick period
func (a *AnalyzerConfig) GetTickInterval() time.Duration {
	return time.Second / time.Duration(a.FrameRate)
}

// GetMaxDuration returns the recorder cap as a time.Duration
func (r *RecorderConfig) GetMaxDuration() time.Duration {
	return time.Duration(r.MaxDuration * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetIdleTimeoutDuration returns how long an ingest stream may stay silent
// on the wire before it is ended
func (i *IngestConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(i.IdleTimeout) * time.Second
}

// GetTimeoutDuration returns the assistant timeout as a time.Duration
func (a *AssistantConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

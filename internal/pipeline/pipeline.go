package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
	"github.com/singul4ri7y/murphys-kitchen/internal/conversation"
	"github.com/singul4ri7y/murphys-kitchen/internal/transcription"
	"github.com/singul4ri7y/murphys-kitchen/internal/vad"
)

// ErrClosed is returned by Attach after Close
var ErrClosed = errors.New("pipeline is closed")

// Analyzer is the spectral front end driven once per tick
type Analyzer interface {
	Attach(source audio.Source) error
	Write(pcm []int16)
	Frame(now time.Time) (audio.Frame, bool)
	Release()
}

// Sink receives published transcripts
type Sink interface {
	Generation() uint64
	AppendIn(generation uint64, role conversation.Role, content string) (conversation.Message, error)
}

// Observer receives pipeline events for metrics. All methods may be called
// from the tick goroutine or from transcription goroutines.
type Observer interface {
	RecordSpeechEvent(event string)
	RecordUtterance(duration time.Duration)
	RecordTranscript(outcome string)
}

// Transcript outcomes reported to the Observer
const (
	TranscriptPublished = "published"
	TranscriptEmpty     = "empty"
	TranscriptDiscarded = "discarded"
)

// Components are the collaborators a pipeline drives
type Components struct {
	Analyzer    Analyzer
	Detector    *vad.Detector
	Recorder    audio.Recorder
	Transcriber transcription.Transcriber
	Sink        Sink
	Observer    Observer // optional
}

// Config contains pipeline configuration
type Config struct {
	TranscriptRole       conversation.Role
	TranscriptionTimeout time.Duration
}

// Pipeline runs analysis and speech detection on every tick and turns each
// detected utterance into a conversation message.
type Pipeline struct {
	analyzer    Analyzer
	detector    *vad.Detector
	recorder    audio.Recorder
	transcriber transcription.Transcriber
	sink        Sink
	observer    Observer

	config Config
	logger *slog.Logger

	source  audio.Source
	closed  bool
	onFrame func(audio.Frame)

	analysisOnly sync.Once
	inflight     sync.WaitGroup

	// Statistics
	ticks                 uint64
	framesAnalyzed        uint64
	utterancesDispatched  uint64
	transcriptsPublished  uint64
	transcriptsEmpty      uint64
	transcriptsDiscarded  uint64
	inflightTranscription int

	mu sync.Mutex
}

// Stats represents pipeline statistics
type Stats struct {
	SourceID             string `json:"source_id,omitempty"`
	State                string `json:"state"`
	Closed               bool   `json:"closed"`
	Ticks                uint64 `json:"ticks"`
	FramesAnalyzed       uint64 `json:"frames_analyzed"`
	UtterancesDispatched uint64 `json:"utterances_dispatched"`
	TranscriptsPublished uint64 `json:"transcripts_published"`
	TranscriptsEmpty     uint64 `json:"transcripts_empty"`
	TranscriptsDiscarded uint64 `json:"transcripts_discarded"`
	InFlight             int    `json:"in_flight"`
}

// New creates an idle pipeline with no source attached
func New(components Components, config Config, logger *slog.Logger) (*Pipeline, error) {
	if components.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if components.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if components.Transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}
	if components.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if components.Recorder == nil {
		components.Recorder = audio.NopRecorder{}
	}
	if config.TranscriptRole == "" {
		config.TranscriptRole = conversation.RoleAssistant
	}
	if !config.TranscriptRole.Valid() {
		return nil, fmt.Errorf("%w: %q", conversation.ErrInvalidRole, config.TranscriptRole)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		analyzer:    components.Analyzer,
		detector:    components.Detector,
		recorder:    components.Recorder,
		transcriber: components.Transcriber,
		sink:        components.Sink,
		observer:    components.Observer,
		config:      config,
		logger:      logger,
	}, nil
}

// OnFrame registers a callback invoked with every analyzed frame, outside
// the pipeline lock
func (p *Pipeline) OnFrame(fn func(audio.Frame)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFrame = fn
}

// Attach makes source the analyzed input. Attaching the current source is a
// no-op; attaching a different one ends the previous source first.
func (p *Pipeline) Attach(source audio.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	if p.source != nil {
		if p.source.ID() == source.ID() {
			return nil
		}
		p.logger.Info("Audio source changed",
			slog.String("previous", p.source.ID()),
			slog.String("source", source.ID()),
		)
		p.endSourceLocked(time.Now())
	}

	if err := p.analyzer.Attach(source); err != nil {
		p.logger.Warn("Failed to attach audio source, staying idle",
			slog.String("source", source.ID()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to attach source %s: %w", source.ID(), err)
	}

	p.source = source
	p.logger.Info("Audio source attached",
		slog.String("source", source.ID()),
		slog.Int("sample_rate", source.SampleRate()),
	)

	return nil
}

// Detach ends the source with the given id. It reports whether that source
// was attached.
func (p *Pipeline) Detach(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil || p.source.ID() != id {
		return false
	}

	p.logger.Info("Audio source detached", slog.String("source", id))
	p.endSourceLocked(time.Now())
	return true
}

// endSourceLocked treats the loss of the source as an implicit speech end
func (p *Pipeline) endSourceLocked(now time.Time) {
	if p.detector.Flush() == vad.EventSpeechEnd {
		p.recordSpeechEvent(vad.EventSpeechEnd)
		p.sealLocked(now)
	}

	p.analyzer.Release()
	p.source = nil
}

// Tick runs one analysis step. It is a no-op while idle or closed.
func (p *Pipeline) Tick(now time.Time) {
	frame, fn, ok := p.tick(now)
	if ok && fn != nil {
		fn(frame)
	}
}

func (p *Pipeline) tick(now time.Time) (audio.Frame, func(audio.Frame), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ticks++
	if p.closed || p.source == nil {
		return audio.Frame{}, nil, false
	}

	pcm, err := p.source.ReadPCM()
	if err != nil {
		if errors.Is(err, audio.ErrDetached) {
			p.logger.Info("Audio source ended", slog.String("source", p.source.ID()))
			p.endSourceLocked(now)
			return audio.Frame{}, nil, false
		}
		p.logger.Warn("Failed to read audio source",
			slog.String("source", p.source.ID()),
			slog.String("error", err.Error()),
		)
		pcm = nil
	}

	p.analyzer.Write(pcm)
	frame, ok := p.analyzer.Frame(now)
	if !ok {
		return audio.Frame{}, nil, false
	}
	p.framesAnalyzed++

	result := p.detector.Process(frame.Loudness)

	if result.Event == vad.EventSpeechStart {
		p.recordSpeechEvent(result.Event)
		p.startRecordingLocked(now)
	}

	p.recorder.Write(pcm, result.Voiced)

	if result.Event == vad.EventSpeechEnd {
		p.recordSpeechEvent(result.Event)
		p.sealLocked(now)
	}

	return frame, p.onFrame, true
}

func (p *Pipeline) startRecordingLocked(now time.Time) {
	if !p.recorder.CanRecord() {
		p.analysisOnly.Do(func() {
			p.logger.Warn("Recording unavailable, running analysis only")
		})
		return
	}

	p.recorder.Start(now, p.source.SampleRate())
	p.logger.Debug("Speech started", slog.String("source", p.source.ID()))
}

// sealLocked stops the recorder and hands the utterance off for transcription
func (p *Pipeline) sealLocked(now time.Time) {
	utterance := p.recorder.Stop(now)
	if utterance == nil {
		return
	}

	if p.observer != nil {
		p.observer.RecordUtterance(utterance.Duration())
	}

	blob, err := utterance.Encode()
	if err != nil {
		p.logger.Warn("Failed to encode utterance",
			slog.String("utterance_id", utterance.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.utterancesDispatched++
	p.inflightTranscription++
	p.logger.Info("Utterance recorded",
		slog.String("utterance_id", utterance.ID),
		slog.Float64("duration", utterance.Duration().Seconds()),
		slog.Int("segments", len(utterance.Segments)),
		slog.Int("samples", utterance.SampleCount()),
		slog.Bool("truncated", utterance.Truncated),
	)

	generation := p.sink.Generation()
	p.inflight.Add(1)
	go p.transcribe(utterance.ID, blob, generation)
}

// transcribe runs off the tick goroutine. Results are published in the
// order their requests complete.
func (p *Pipeline) transcribe(utteranceID string, blob audio.Blob, generation uint64) {
	defer p.inflight.Done()

	ctx := context.Background()
	if p.config.TranscriptionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TranscriptionTimeout)
		defer cancel()
	}

	result := p.transcriber.Transcribe(ctx, blob)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.inflightTranscription--

	if result.Empty() {
		p.transcriptsEmpty++
		p.recordTranscript(TranscriptEmpty)
		return
	}

	if p.closed {
		p.transcriptsDiscarded++
		p.recordTranscript(TranscriptDiscarded)
		p.logger.Debug("Discarding transcript after teardown", slog.String("utterance_id", utteranceID))
		return
	}

	msg, err := p.sink.AppendIn(generation, p.config.TranscriptRole, result.Text)
	if err != nil {
		p.transcriptsDiscarded++
		p.recordTranscript(TranscriptDiscarded)
		p.logger.Info("Transcript not published",
			slog.String("utterance_id", utteranceID),
			slog.String("reason", err.Error()),
		)
		return
	}

	p.transcriptsPublished++
	p.recordTranscript(TranscriptPublished)
	p.logger.Info("Transcript published",
		slog.String("utterance_id", utteranceID),
		slog.String("message_id", msg.ID),
		slog.Int("text_length", len(msg.Content)),
	)
}

// Run drives Tick from ticker until ctx is done or the ticker channel
// closes, then tears the pipeline down
func (p *Pipeline) Run(ctx context.Context, ticker Ticker) {
	defer p.Close()
	defer ticker.Stop()

	p.logger.Info("Pipeline started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Pipeline stopping")
			return
		case now, ok := <-ticker.C():
			if !ok {
				return
			}
			p.Tick(now)
		}
	}
}

// Close tears the pipeline down: any open utterance is dropped, the analyzer
// is released and results of in-flight transcriptions are discarded. It is
// safe to call more than once.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	p.detector.Flush()
	if dropped := p.recorder.Stop(time.Now()); dropped != nil {
		p.logger.Info("Dropped open utterance on teardown",
			slog.String("utterance_id", dropped.ID),
			slog.Float64("duration", dropped.Duration().Seconds()),
		)
	}

	p.analyzer.Release()
	p.source = nil

	p.logger.Info("Pipeline closed",
		slog.Uint64("ticks", p.ticks),
		slog.Uint64("utterances", p.utterancesDispatched),
		slog.Uint64("transcripts_published", p.transcriptsPublished),
		slog.Int("in_flight", p.inflightTranscription),
	)
}

// Wait blocks until every dispatched transcription has finished
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

// State returns the detector's speech state
func (p *Pipeline) State() vad.State {
	return p.detector.State()
}

// GetStats returns current pipeline statistics
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	sourceID := ""
	if p.source != nil {
		sourceID = p.source.ID()
	}

	return Stats{
		SourceID:             sourceID,
		State:                p.detector.State().String(),
		Closed:               p.closed,
		Ticks:                p.ticks,
		FramesAnalyzed:       p.framesAnalyzed,
		UtterancesDispatched: p.utterancesDispatched,
		TranscriptsPublished: p.transcriptsPublished,
		TranscriptsEmpty:     p.transcriptsEmpty,
		TranscriptsDiscarded: p.transcriptsDiscarded,
		InFlight:             p.inflightTranscription,
	}
}

func (p *Pipeline) recordSpeechEvent(event vad.Event) {
	if p.observer != nil {
		p.observer.RecordSpeechEvent(event.String())
	}
}

func (p *Pipeline) recordTranscript(outcome string) {
	if p.observer != nil {
		p.observer.RecordTranscript(outcome)
	}
}

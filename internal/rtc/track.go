package rtc

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
)

// PacketReader yields RTP packets from a remote track
type PacketReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Decoder turns one encoded payload into mono PCM
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// maxFrameDurationMs is the longest Opus frame
const maxFrameDurationMs = 120

// lateWindow is how far behind the expected sequence a packet is treated as
// late rather than as a wrap-around jump
const lateWindow = 0x8000

// TrackSource decodes a remote audio track in the background and serves the
// decoded samples to the pipeline as an audio.Source
type TrackSource struct {
	id         string
	sampleRate int
	reader     PacketReader
	decoder    Decoder
	logger     *slog.Logger

	pending    []int16
	maxPending int

	// Sequence tracking
	started     bool
	expectedSeq uint16

	// Statistics
	packetsReceived uint64
	packetsLost     uint64
	packetsLate     uint64
	decodeErrors    uint64
	samplesDropped  uint64

	ended bool
	once  sync.Once
	done  chan struct{}

	mu sync.Mutex
}

// TrackStats represents track statistics
type TrackStats struct {
	ID              string `json:"id"`
	SampleRate      int    `json:"sample_rate"`
	PacketsReceived uint64 `json:"packets_received"`
	PacketsLost     uint64 `json:"packets_lost"`
	PacketsLate     uint64 `json:"packets_late"`
	DecodeErrors    uint64 `json:"decode_errors"`
	SamplesDropped  uint64 `json:"samples_dropped"`
	PendingSamples  int    `json:"pending_samples"`
	Ended           bool   `json:"ended"`
}

// NewTrackSource creates a source reading from reader. Call Start to begin
// decoding.
func NewTrackSource(id string, sampleRate int, reader PacketReader, decoder Decoder, logger *slog.Logger) *TrackSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &TrackSource{
		id:         id,
		sampleRate: sampleRate,
		reader:     reader,
		decoder:    decoder,
		logger:     logger,
		maxPending: sampleRate, // one second
		done:       make(chan struct{}),
	}
}

// ID returns the track identifier
func (s *TrackSource) ID() string {
	return s.id
}

// SampleRate returns the decoded sample rate
func (s *TrackSource) SampleRate() int {
	return s.sampleRate
}

// Start launches the read loop. Subsequent calls do nothing.
func (s *TrackSource) Start() {
	s.once.Do(func() {
		go s.readLoop()
	})
}

// Done is closed once the track stops delivering packets
func (s *TrackSource) Done() <-chan struct{} {
	return s.done
}

// ReadPCM drains the samples decoded since the last call
func (s *TrackSource) ReadPCM() ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		out := s.pending
		s.pending = nil
		return out, nil
	}

	if s.ended {
		return nil, audio.ErrDetached
	}

	return nil, nil
}

func (s *TrackSource) readLoop() {
	defer close(s.done)

	pcm := make([]int16, s.sampleRate*maxFrameDurationMs/1000)

	for {
		packet, _, err := s.reader.ReadRTP()
		if err != nil {
			s.finish(err)
			return
		}
		s.handlePacket(packet, pcm)
	}
}

func (s *TrackSource) handlePacket(packet *rtp.Packet, pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packetsReceived++

	seq := packet.SequenceNumber
	if s.started {
		gap := seq - s.expectedSeq
		if gap >= lateWindow {
			s.packetsLate++
			return
		}
		s.packetsLost += uint64(gap)
	}
	s.started = true
	s.expectedSeq = seq + 1

	if len(packet.Payload) == 0 {
		return
	}

	n, err := s.decoder.Decode(packet.Payload, pcm)
	if err != nil {
		s.decodeErrors++
		s.logger.Debug("Failed to decode audio packet",
			slog.String("track", s.id),
			slog.Int("sequence", int(seq)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.pending = append(s.pending, pcm[:n]...)
	if over := len(s.pending) - s.maxPending; over > 0 {
		// Keep the newest audio when nobody is draining
		s.pending = append(s.pending[:0], s.pending[over:]...)
		s.samplesDropped += uint64(over)
	}
}

func (s *TrackSource) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ended = true

	if errors.Is(err, io.EOF) {
		s.logger.Info("Remote audio track ended",
			slog.String("track", s.id),
			slog.Uint64("packets", s.packetsReceived),
			slog.Uint64("lost", s.packetsLost),
		)
		return
	}

	s.logger.Warn("Remote audio track read failed",
		slog.String("track", s.id),
		slog.Uint64("packets", s.packetsReceived),
		slog.String("error", err.Error()),
	)
}

// GetStats returns current track statistics
func (s *TrackSource) GetStats() TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return TrackStats{
		ID:              s.id,
		SampleRate:      s.sampleRate,
		PacketsReceived: s.packetsReceived,
		PacketsLost:     s.packetsLost,
		PacketsLate:     s.packetsLate,
		DecodeErrors:    s.decodeErrors,
		SamplesDropped:  s.samplesDropped,
		PendingSamples:  len(s.pending),
		Ended:           s.ended,
	}
}

package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Utterance is the audio captured between one speech start and speech end.
// Once returned by Recorder.Stop it belongs to the caller and is not modified.
type Utterance struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	SampleRate int       `json:"sample_rate"`
	Segments   [][]int16 `json:"-"`
	Truncated  bool      `json:"truncated"` // recording hit the duration cap
}

// SampleCount returns the total number of samples across all segments
func (u *Utterance) SampleCount() int {
	n := 0
	for _, seg := range u.Segments {
		n += len(seg)
	}
	return n
}

// Samples concatenates all segments
func (u *Utterance) Samples() []int16 {
	out := make([]int16, 0, u.SampleCount())
	for _, seg := range u.Segments {
		out = append(out, seg...)
	}
	return out
}

// Duration returns the playback length of the recorded audio
func (u *Utterance) Duration() time.Duration {
	return samplesDuration(u.SampleCount(), u.SampleRate)
}

// Blob is an encoded utterance ready for upload
type Blob struct {
	Data     []byte
	MimeType string
	Filename string
}

// Encode seals the utterance into a WAV blob
func (u *Utterance) Encode() (Blob, error) {
	data, err := EncodeWAV(u.Samples(), u.SampleRate)
	if err != nil {
		return Blob{}, fmt.Errorf("failed to encode utterance %s: %w", u.ID, err)
	}

	return Blob{
		Data:     data,
		MimeType: WAVMimeType,
		Filename: u.ID + ".wav",
	}, nil
}

// Recorder captures the audio of one speech run at a time
type Recorder interface {
	// CanRecord reports whether recording is supported at all
	CanRecord() bool

	// Start begins a new utterance; a no-op while already recording
	Start(at time.Time, sampleRate int)

	// Write appends a chunk to the open utterance; a no-op while idle
	Write(chunk []int16, voiced bool)

	// Stop seals the open utterance. It returns nil when idle or when no
	// voiced audio was captured.
	Stop(at time.Time) *Utterance

	// Recording reports whether an utterance is open
	Recording() bool
}

// RecorderStats represents recorder statistics
type RecorderStats struct {
	State              string        `json:"state"`
	UtterancesRecorded uint64        `json:"utterances_recorded"`
	UtterancesDropped  uint64        `json:"utterances_dropped"`
	TotalDuration      time.Duration `json:"total_duration"`
	CurrentSamples     int           `json:"current_samples"`
	AvgDuration        float64       `json:"avg_duration_sec"`
}

// PCMRecorder buffers PCM segments in memory
type PCMRecorder struct {
	maxDuration time.Duration

	current    *Utterance
	lastVoiced int // index of the last voiced segment, -1 if none
	samples    int
	maxSamples int

	// Statistics
	recorded      uint64
	dropped       uint64
	totalDuration time.Duration

	mu sync.RWMutex
}

// NewPCMRecorder creates an idle recorder. A zero maxDuration means no cap.
func NewPCMRecorder(maxDuration time.Duration) *PCMRecorder {
	return &PCMRecorder{
		maxDuration: maxDuration,
		lastVoiced:  -1,
	}
}

// CanRecord always reports true for the in-memory recorder
func (r *PCMRecorder) CanRecord() bool {
	return true
}

// Start opens a new utterance unless one is already open
func (r *PCMRecorder) Start(at time.Time, sampleRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return
	}

	r.current = &Utterance{
		ID:         uuid.NewString(),
		StartedAt:  at,
		SampleRate: sampleRate,
	}
	r.lastVoiced = -1
	r.samples = 0
	r.maxSamples = 0
	if r.maxDuration > 0 && sampleRate > 0 {
		r.maxSamples = int(r.maxDuration.Seconds() * float64(sampleRate))
	}
}

// Write appends a copy of chunk to the open utterance
func (r *PCMRecorder) Write(chunk []int16, voiced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil || len(chunk) == 0 {
		return
	}

	if r.maxSamples > 0 && r.samples+len(chunk) > r.maxSamples {
		r.current.Truncated = true
		return
	}

	seg := make([]int16, len(chunk))
	copy(seg, chunk)
	r.current.Segments = append(r.current.Segments, seg)
	r.samples += len(seg)

	if voiced {
		r.lastVoiced = len(r.current.Segments) - 1
	}
}

// Stop seals the open utterance, dropping the trailing silence run
func (r *PCMRecorder) Stop(at time.Time) *Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil
	}

	utterance := r.current
	utterance.Segments = utterance.Segments[:r.lastVoiced+1]
	utterance.EndedAt = at

	r.current = nil
	r.lastVoiced = -1
	r.samples = 0

	if len(utterance.Segments) == 0 {
		r.dropped++
		return nil
	}

	r.recorded++
	r.totalDuration += utterance.Duration()

	return utterance
}

// Recording reports whether an utterance is open
func (r *PCMRecorder) Recording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current != nil
}

// GetStats returns current recorder statistics
func (r *PCMRecorder) GetStats() RecorderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := "idle"
	if r.current != nil {
		state = "recording"
	}

	avgDuration := float64(0)
	if r.recorded > 0 {
		avgDuration = r.totalDuration.Seconds() / float64(r.recorded)
	}

	return RecorderStats{
		State:              state,
		UtterancesRecorded: r.recorded,
		UtterancesDropped:  r.dropped,
		TotalDuration:      r.totalDuration,
		CurrentSamples:     r.samples,
		AvgDuration:        avgDuration,
	}
}

// NopRecorder stands in when recording is unavailable
type NopRecorder struct{}

func (NopRecorder) CanRecord() bool { return false }

func (NopRecorder) Start(time.Time, int) {}

func (NopRecorder) Write([]int16, bool) {}

func (NopRecorder) Stop(time.Time) *Utterance { return nil }

func (NopRecorder) Recording() bool { return false }

package audio

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Frame is one tick of spectral analysis
type Frame struct {
	Timestamp  time.Time `json:"timestamp"`
	Magnitudes []float32 `json:"magnitudes"` // dB per bin
	Bytes      []uint8   `json:"bytes"`      // magnitudes mapped onto 0..255
	Loudness   float64   `json:"loudness"`   // RMS of Bytes divided by 255
}

// AnalyzerConfig contains spectrum analysis parameters
type AnalyzerConfig struct {
	FFTSize     int
	Smoothing   float64
	MinDecibels float64
	MaxDecibels float64
}

// DefaultAnalyzerConfig mirrors a browser analyser node with a 256-point FFT
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		FFTSize:     256,
		Smoothing:   0.8,
		MinDecibels: -100,
		MaxDecibels: -30,
	}
}

// minMagnitude floors silent bins at -240 dB so frames stay finite
const minMagnitude = 1e-12

// bindings tracks which source IDs currently have an analysis context
var bindings = struct {
	mu  sync.Mutex
	ids map[string]struct{}
}{ids: make(map[string]struct{})}

func bindSource(id string) error {
	bindings.mu.Lock()
	defer bindings.mu.Unlock()

	if _, taken := bindings.ids[id]; taken {
		return fmt.Errorf("%w: %s", ErrSourceBound, id)
	}
	bindings.ids[id] = struct{}{}
	return nil
}

func unbindSource(id string) {
	bindings.mu.Lock()
	defer bindings.mu.Unlock()
	delete(bindings.ids, id)
}

// Analyzer turns PCM into per-tick frequency frames and a scalar loudness.
// It does no work until attached to a source.
type Analyzer struct {
	config AnalyzerConfig

	// Analysis context, allocated on Attach and freed on Release
	sourceID   string
	sampleRate int
	attached   bool
	fft        *fourier.FFT
	window     []float64
	history    []float64 // last FFTSize samples in [-1, 1)
	scratch    []float64
	coeffs     []complex128
	smoothed   []float64

	// Samples written since the previous frame
	fresh     int
	lastFrame time.Time

	// Statistics
	framesProduced uint64
	samplesWritten uint64
	silenceFilled  uint64

	mu sync.Mutex
}

// AnalyzerStats represents analyzer statistics
type AnalyzerStats struct {
	SourceID       string `json:"source_id,omitempty"`
	Attached       bool   `json:"attached"`
	FFTSize        int    `json:"fft_size"`
	Bins           int    `json:"bins"`
	FramesProduced uint64 `json:"frames_produced"`
	SamplesWritten uint64 `json:"samples_written"`
	SilenceFilled  uint64 `json:"silence_filled"`
}

// NewAnalyzer creates an idle analyzer
func NewAnalyzer(config AnalyzerConfig) (*Analyzer, error) {
	if config.FFTSize < 32 || config.FFTSize&(config.FFTSize-1) != 0 {
		return nil, fmt.Errorf("fft size must be a power of two of at least 32, got %d", config.FFTSize)
	}

	if config.Smoothing < 0 || config.Smoothing >= 1 {
		return nil, fmt.Errorf("smoothing must be in [0, 1), got %f", config.Smoothing)
	}

	if config.MaxDecibels <= config.MinDecibels {
		return nil, fmt.Errorf("max decibels (%f) must be greater than min decibels (%f)",
			config.MaxDecibels, config.MinDecibels)
	}

	return &Analyzer{config: config}, nil
}

// Bins returns the number of frequency bins per frame
func (a *Analyzer) Bins() int {
	return a.config.FFTSize / 2
}

// Attach binds the analyzer to a source, releasing any previous binding first
func (a *Analyzer) Attach(source Source) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.attached {
		if a.sourceID == source.ID() {
			return nil
		}
		a.releaseLocked()
	}

	if err := bindSource(source.ID()); err != nil {
		return err
	}

	n := a.config.FFTSize
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}

	a.sourceID = source.ID()
	a.sampleRate = source.SampleRate()
	a.attached = true
	a.fft = fourier.NewFFT(n)
	a.window = window.Blackman(ones)
	a.history = make([]float64, n)
	a.scratch = make([]float64, n)
	a.coeffs = make([]complex128, n/2+1)
	a.smoothed = make([]float64, n/2)
	a.fresh = 0
	a.lastFrame = time.Time{}

	return nil
}

// Release frees the analysis context. It is safe to call more than once.
func (a *Analyzer) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

func (a *Analyzer) releaseLocked() {
	if !a.attached {
		return
	}

	unbindSource(a.sourceID)
	a.attached = false
	a.sourceID = ""
	a.sampleRate = 0
	a.fft = nil
	a.window = nil
	a.history = nil
	a.scratch = nil
	a.coeffs = nil
	a.smoothed = nil
}

// Attached reports whether an analysis context is held
func (a *Analyzer) Attached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached
}

// Write pushes decoded samples into the analysis window
func (a *Analyzer) Write(pcm []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.attached || len(pcm) == 0 {
		return
	}

	n := len(a.history)
	a.samplesWritten += uint64(len(pcm))
	a.fresh += len(pcm)
	if len(pcm) > n {
		pcm = pcm[len(pcm)-n:]
	}

	// Shift the history left and append the newest samples
	copy(a.history, a.history[len(pcm):])
	tail := a.history[n-len(pcm):]
	for i, s := range pcm {
		tail[i] = float64(s) / 32768.0
	}
}

// fillSilenceLocked advances the window by the time elapsed since the last
// frame when no audio arrived in between, the way a live input reads silence
func (a *Analyzer) fillSilenceLocked(now time.Time) {
	if a.fresh > 0 || a.lastFrame.IsZero() {
		return
	}

	n := len(a.history)
	gap := int(now.Sub(a.lastFrame).Seconds() * float64(a.sampleRate))
	if gap <= 0 || gap > n {
		gap = n
	}

	copy(a.history, a.history[gap:])
	for i := n - gap; i < n; i++ {
		a.history[i] = 0
	}
	a.silenceFilled += uint64(gap)
}

// Frame computes the spectrum of the current window. A frame with no audio
// written since the previous one sees silence for the elapsed time, or a
// full window of it when no time has passed. It returns false when no source
// is attached.
func (a *Analyzer) Frame(now time.Time) (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.attached {
		return Frame{}, false
	}

	a.fillSilenceLocked(now)
	a.fresh = 0
	a.lastFrame = now

	n := a.config.FFTSize
	for i, s := range a.history {
		a.scratch[i] = s * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	bins := n / 2
	frame := Frame{
		Timestamp:  now,
		Magnitudes: make([]float32, bins),
		Bytes:      make([]uint8, bins),
	}

	tau := a.config.Smoothing
	rangeDB := a.config.MaxDecibels - a.config.MinDecibels
	for k := 0; k < bins; k++ {
		magnitude := cmplx.Abs(a.coeffs[k]) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*magnitude

		db := 20 * math.Log10(math.Max(a.smoothed[k], minMagnitude))
		frame.Magnitudes[k] = float32(db)
		frame.Bytes[k] = scaleToByte((db - a.config.MinDecibels) * 255 / rangeDB)
	}

	frame.Loudness = Loudness(frame.Bytes)
	a.framesProduced++

	return frame, true
}

// GetStats returns current analyzer statistics
func (a *Analyzer) GetStats() AnalyzerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AnalyzerStats{
		SourceID:       a.sourceID,
		Attached:       a.attached,
		FFTSize:        a.config.FFTSize,
		Bins:           a.config.FFTSize / 2,
		FramesProduced: a.framesProduced,
		SamplesWritten: a.samplesWritten,
		SilenceFilled:  a.silenceFilled,
	}
}

// Loudness is the root mean square of byte magnitudes, normalized to [0, 1]
func Loudness(bins []uint8) float64 {
	if len(bins) == 0 {
		return 0
	}

	var sum float64
	for _, b := range bins {
		v := float64(b)
		sum += v * v
	}

	return math.Sqrt(sum/float64(len(bins))) / 255
}

func scaleToByte(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}

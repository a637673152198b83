package vad

import (
	"fmt"
	"sync"
	"time"
)

// State is the speech state of a detector
type State int

const (
	StateSilent State = iota
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateSpeaking:
		return "speaking"
	default:
		return "silent"
	}
}

// Event is a transition reported by the detector
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Result represents the outcome of one tick of voice activity detection
type Result struct {
	Event    Event   `json:"event"`
	State    State   `json:"state"`
	Voiced   bool    `json:"voiced"`   // loudness exceeded the threshold on this tick
	Loudness float64 `json:"loudness"`
}

// Detector is a two-state speech detector with silence hysteresis.
// Speech starts on the first tick above the threshold and ends only after
// silenceDuration consecutive ticks at or below it.
type Detector struct {
	threshold       float64
	silenceDuration int

	state      State
	silenceRun int

	// Statistics
	totalTicks   uint64
	voicedTicks  uint64
	speechStarts uint64
	speechEnds   uint64
	lastChange   time.Time

	mu sync.RWMutex
}

// Stats represents detector statistics
type Stats struct {
	State           string    `json:"state"`
	Threshold       float64   `json:"threshold"`
	SilenceDuration int       `json:"silence_duration"`
	SilenceRun      int       `json:"silence_run"`
	TotalTicks      uint64    `json:"total_ticks"`
	VoicedTicks     uint64    `json:"voiced_ticks"`
	VoicePercentage float64   `json:"voice_percentage"`
	SpeechStarts    uint64    `json:"speech_starts"`
	SpeechEnds      uint64    `json:"speech_ends"`
	LastChange      time.Time `json:"last_change"`
}

// NewDetector creates a detector in the silent state
func NewDetector(threshold float64, silenceDuration int) (*Detector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if silenceDuration < 1 {
		return nil, fmt.Errorf("silence duration must be at least 1 tick, got %d", silenceDuration)
	}

	return &Detector{
		threshold:       threshold,
		silenceDuration: silenceDuration,
		state:           StateSilent,
	}, nil
}

// Process advances the state machine by one tick
func (d *Detector) Process(loudness float64) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	voiced := loudness > d.threshold
	event := EventNone

	d.totalTicks++
	if voiced {
		d.voicedTicks++
	}

	switch d.state {
	case StateSilent:
		if voiced {
			d.state = StateSpeaking
			d.silenceRun = 0
			d.speechStarts++
			d.lastChange = time.Now()
			event = EventSpeechStart
		}

	case StateSpeaking:
		if voiced {
			// A dip that recovers before the hold expires does not end speech
			d.silenceRun = 0
			break
		}

		d.silenceRun++
		if d.silenceRun >= d.silenceDuration {
			d.endSpeech()
			event = EventSpeechEnd
		}
	}

	return Result{
		Event:    event,
		State:    d.state,
		Voiced:   voiced,
		Loudness: loudness,
	}
}

// Flush ends an open speech run immediately, as when the audio source goes away.
// It returns EventSpeechEnd only if the detector was speaking.
func (d *Detector) Flush() Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateSpeaking {
		return EventNone
	}

	d.endSpeech()
	return EventSpeechEnd
}

func (d *Detector) endSpeech() {
	d.state = StateSilent
	d.silenceRun = 0
	d.speechEnds++
	d.lastChange = time.Now()
}

// State returns the current speech state
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Threshold returns the current loudness threshold
func (d *Detector) Threshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// UpdateThreshold updates the loudness threshold
func (d *Detector) UpdateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.threshold = threshold
	return nil
}

// Reset returns the detector to the silent state and clears statistics
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = StateSilent
	d.silenceRun = 0
	d.totalTicks = 0
	d.voicedTicks = 0
	d.speechStarts = 0
	d.speechEnds = 0
	d.lastChange = time.Time{}
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	voicePercentage := float64(0)
	if d.totalTicks > 0 {
		voicePercentage = float64(d.voicedTicks) / float64(d.totalTicks) * 100
	}

	return Stats{
		State:           d.state.String(),
		Threshold:       d.threshold,
		SilenceDuration: d.silenceDuration,
		SilenceRun:      d.silenceRun,
		TotalTicks:      d.totalTicks,
		VoicedTicks:     d.voicedTicks,
		VoicePercentage: voicePercentage,
		SpeechStarts:    d.speechStarts,
		SpeechEnds:      d.speechEnds,
		LastChange:      d.lastChange,
	}
}

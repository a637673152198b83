package audio

import (
	"bytes"
	"math"
	"testing"
	"time"
)

func sineWave(sampleRate int, duration time.Duration, frequency, amplitude float64) []int16 {
	n := int(float64(sampleRate) * duration.Seconds())
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}

func TestEncodeWAV(t *testing.T) {
	sampleRate := 48000
	samples := sineWave(sampleRate, 100*time.Millisecond, 440, 16383)

	wavData, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	expectedSize := 44 + len(samples)*2
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if string(wavData[0:4]) != "RIFF" || string(wavData[8:12]) != "WAVE" {
		t.Errorf("Missing RIFF/WAVE markers")
	}

	duration, err := WAVDuration(wavData)
	if err != nil {
		t.Fatalf("WAVDuration failed: %v", err)
	}
	if duration != 100*time.Millisecond {
		t.Errorf("Expected duration 100ms, got %v", duration)
	}
}

func TestDecodeWAV(t *testing.T) {
	originalSamples := []int16{100, -200, 300, -400, 500}
	sampleRate := 16000

	wavData, err := EncodeWAV(originalSamples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decodedSamples, decodedSampleRate, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if decodedSampleRate != sampleRate {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, decodedSampleRate)
	}

	if len(decodedSamples) != len(originalSamples) {
		t.Fatalf("Expected %d samples, got %d", len(originalSamples), len(decodedSamples))
	}

	for i, original := range originalSamples {
		if decodedSamples[i] != original {
			t.Errorf("Sample %d: expected %d, got %d", i, original, decodedSamples[i])
		}
	}
}

func TestWriteWAVStreams(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, []int16{1, 2, 3}, 8000); err != nil {
		t.Fatalf("WriteWAV failed: %v", err)
	}
	if buf.Len() != 44+6 {
		t.Errorf("Expected 50 bytes, got %d", buf.Len())
	}
}

func TestEncodeWAVInvalidInput(t *testing.T) {
	if _, err := EncodeWAV([]int16{}, 8000); err == nil {
		t.Error("Expected error for empty samples")
	}

	samples := []int16{100, 200, 300}
	if _, err := EncodeWAV(samples, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := EncodeWAV(samples, -1000); err == nil {
		t.Error("Expected error for negative sample rate")
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for too short WAV data")
	}

	invalid := make([]byte, 50)
	copy(invalid[0:4], []byte("FAKE"))
	if _, _, err := DecodeWAV(invalid); err == nil {
		t.Error("Expected error for invalid RIFF header")
	}
}

package rtc

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedReader replays packets and then returns err
type scriptedReader struct {
	packets chan *rtp.Packet
	err     error
}

func newScriptedReader(err error, packets ...*rtp.Packet) *scriptedReader {
	ch := make(chan *rtp.Packet, len(packets))
	for _, p := range packets {
		ch <- p
	}
	close(ch)
	return &scriptedReader{packets: ch, err: err}
}

func (r *scriptedReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-r.packets
	if !ok {
		return nil, nil, r.err
	}
	return p, nil, nil
}

// echoDecoder emits one sample per payload byte, valued by the byte
type echoDecoder struct {
	failOn byte
}

func (d *echoDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if d.failOn != 0 && data[0] == d.failOn {
		return 0, errors.New("corrupt frame")
	}
	n := copy(pcm, make([]int16, len(data)))
	for i := 0; i < n; i++ {
		pcm[i] = int16(data[i])
	}
	return n, nil
}

func packet(seq uint16, payload ...byte) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: payload}
}

func waitDone(t *testing.T, s *TrackSource) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Track read loop did not finish")
	}
}

func TestTrackSourceDecodesAndDrains(t *testing.T) {
	reader := newScriptedReader(io.EOF, packet(10, 1, 2), packet(11, 3))
	s := NewTrackSource("call/track", 48000, reader, &echoDecoder{}, quietLogger())

	if pcm, err := s.ReadPCM(); err != nil || len(pcm) != 0 {
		t.Fatalf("Expected nothing before start, got %v %v", pcm, err)
	}

	s.Start()
	s.Start()
	waitDone(t, s)

	pcm, err := s.ReadPCM()
	if err != nil {
		t.Fatalf("Expected pending samples before detach, got %v", err)
	}
	if len(pcm) != 3 || pcm[0] != 1 || pcm[2] != 3 {
		t.Errorf("Unexpected samples %v", pcm)
	}

	if _, err := s.ReadPCM(); !errors.Is(err, audio.ErrDetached) {
		t.Errorf("Expected ErrDetached after drain, got %v", err)
	}

	if s.ID() != "call/track" || s.SampleRate() != 48000 {
		t.Errorf("Unexpected identity %s %d", s.ID(), s.SampleRate())
	}
}

func TestTrackSourceSequenceTracking(t *testing.T) {
	tests := []struct {
		name     string
		packets  []*rtp.Packet
		wantLost uint64
		wantLate uint64
		wantPCM  int
	}{
		{
			name:    "in order",
			packets: []*rtp.Packet{packet(1, 1), packet(2, 1), packet(3, 1)},
			wantPCM: 3,
		},
		{
			name:     "gap",
			packets:  []*rtp.Packet{packet(1, 1), packet(5, 1)},
			wantLost: 3,
			wantPCM:  2,
		},
		{
			name:     "late and duplicate",
			packets:  []*rtp.Packet{packet(5, 1), packet(6, 1), packet(4, 1), packet(6, 1)},
			wantLate: 2,
			wantPCM:  2,
		},
		{
			name:    "wrap around",
			packets: []*rtp.Packet{packet(65534, 1), packet(65535, 1), packet(0, 1), packet(1, 1)},
			wantPCM: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewTrackSource("t", 48000, newScriptedReader(io.EOF, tt.packets...), &echoDecoder{}, quietLogger())
			s.Start()
			waitDone(t, s)

			stats := s.GetStats()
			if stats.PacketsLost != tt.wantLost {
				t.Errorf("Expected %d lost, got %d", tt.wantLost, stats.PacketsLost)
			}
			if stats.PacketsLate != tt.wantLate {
				t.Errorf("Expected %d late, got %d", tt.wantLate, stats.PacketsLate)
			}
			if stats.PendingSamples != tt.wantPCM {
				t.Errorf("Expected %d pending samples, got %d", tt.wantPCM, stats.PendingSamples)
			}
			if !stats.Ended {
				t.Error("Expected track to be ended")
			}
		})
	}
}

func TestTrackSourceDecodeErrorsAndEmptyPayloads(t *testing.T) {
	reader := newScriptedReader(errors.New("connection reset"), packet(1, 9), packet(2), packet(3, 7))
	s := NewTrackSource("t", 48000, reader, &echoDecoder{failOn: 9}, quietLogger())
	s.Start()
	waitDone(t, s)

	stats := s.GetStats()
	if stats.DecodeErrors != 1 {
		t.Errorf("Expected one decode error, got %d", stats.DecodeErrors)
	}
	if stats.PacketsReceived != 3 || stats.PendingSamples != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestTrackSourceCapsPendingAudio(t *testing.T) {
	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	// A 100 Hz source keeps at most 100 samples
	packets := make([]*rtp.Packet, 0, 12)
	for seq := uint16(1); seq <= 12; seq++ {
		packets = append(packets, packet(seq, payload...))
	}
	s := NewTrackSource("t", 100, newScriptedReader(io.EOF, packets...), &echoDecoder{}, quietLogger())
	s.Start()
	waitDone(t, s)

	pcm, _ := s.ReadPCM()
	if len(pcm) != 100 {
		t.Fatalf("Expected 100 samples, got %d", len(pcm))
	}
	if pcm[len(pcm)-1] != 10 {
		t.Errorf("Expected newest samples kept, last sample %d", pcm[len(pcm)-1])
	}
	if stats := s.GetStats(); stats.SamplesDropped != 20 {
		t.Errorf("Expected 20 dropped samples, got %d", stats.SamplesDropped)
	}
}

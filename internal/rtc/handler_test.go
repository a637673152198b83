package rtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
)

type recordingSink struct {
	mu       sync.Mutex
	attached []string
	detached []string
}

func (s *recordingSink) Attach(source audio.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, source.ID())
	return nil
}

func (s *recordingSink) Detach(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, id)
	return true
}

func TestHandleOfferRejectsInvalid(t *testing.T) {
	h := NewHandler(Config{SampleRate: 48000}, &recordingSink{}, nil, quietLogger())

	tests := []struct {
		name  string
		offer SessionDescription
	}{
		{name: "wrong type", offer: SessionDescription{Type: "answer", SDP: "v=0"}},
		{name: "empty sdp", offer: SessionDescription{Type: "offer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.HandleOffer(context.Background(), tt.offer)
			if !errors.Is(err, ErrInvalidOffer) {
				t.Errorf("Expected ErrInvalidOffer, got %v", err)
			}
		})
	}
}

func TestHandleOfferMalformedSDP(t *testing.T) {
	h := NewHandler(Config{SampleRate: 48000}, &recordingSink{}, nil, quietLogger())

	_, err := h.HandleOffer(context.Background(), SessionDescription{Type: "offer", SDP: "not an sdp"})
	if err == nil {
		t.Fatal("Expected error for malformed SDP")
	}
	if stats := h.GetStats(); stats.ActiveCalls != 0 {
		t.Errorf("Expected no active calls, got %d", stats.ActiveCalls)
	}
}

func TestHandleOfferAnswersAudioOffer(t *testing.T) {
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create offerer: %v", err)
	}
	defer offerer.Close()

	if _, err := offerer.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("Failed to add transceiver: %v", err)
	}

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("Failed to create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("Failed to set local description: %v", err)
	}
	<-gathered

	sink := &recordingSink{}
	h := NewHandler(Config{SampleRate: 48000}, sink, func(int) (Decoder, error) { return &echoDecoder{}, nil }, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	answer, err := h.HandleOffer(ctx, SessionDescription{Type: "offer", SDP: offerer.LocalDescription().SDP})
	if err != nil {
		t.Fatalf("HandleOffer failed: %v", err)
	}

	if answer.Type != "answer" || !strings.Contains(answer.SDP, "m=audio") {
		t.Errorf("Unexpected answer %+v", answer)
	}

	if stats := h.GetStats(); stats.ActiveCalls != 1 || stats.TotalCalls != 1 {
		t.Errorf("Expected one active call, got %+v", stats)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if stats := h.GetStats(); stats.ActiveCalls != 0 {
		t.Errorf("Expected no active calls after close, got %d", stats.ActiveCalls)
	}

	if _, err := h.HandleOffer(ctx, SessionDescription{Type: "offer", SDP: offerer.LocalDescription().SDP}); err == nil {
		t.Error("Expected error after close")
	}
}

func TestCloseDuringNegotiationEndsCall(t *testing.T) {
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create offerer: %v", err)
	}
	defer offerer.Close()

	if _, err := offerer.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("Failed to add transceiver: %v", err)
	}
	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("Failed to create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("Failed to set local description: %v", err)
	}
	<-gathered

	h := NewHandler(Config{SampleRate: 48000}, &recordingSink{}, func(int) (Decoder, error) { return &echoDecoder{}, nil }, quietLogger())

	var peer *webrtc.PeerConnection
	h.negotiating = func(callID string) {
		h.mu.Lock()
		c, ok := h.calls[callID]
		h.mu.Unlock()
		if !ok {
			t.Error("Expected the call to be registered while negotiating")
			return
		}
		peer = c.peer

		if err := h.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.HandleOffer(ctx, SessionDescription{Type: "offer", SDP: offerer.LocalDescription().SDP}); err == nil {
		t.Fatal("Expected an error for a call closed during negotiation")
	}

	stats := h.GetStats()
	if stats.ActiveCalls != 0 || stats.TotalCalls != 0 {
		t.Errorf("Expected no accepted calls, got %+v", stats)
	}
	if peer == nil {
		t.Fatal("Expected the negotiating peer to be captured")
	}
	if state := peer.SignalingState(); state != webrtc.SignalingStateClosed {
		t.Errorf("Expected the peer connection closed, got %s", state)
	}
}

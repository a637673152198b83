package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"gopkg.in/hraban/opus.v2"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
)

// ErrInvalidOffer is returned for a malformed session description
var ErrInvalidOffer = errors.New("invalid offer")

// SessionDescription keeps webrtc types out of the HTTP layer
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Sink receives the remote audio tracks
type Sink interface {
	Attach(source audio.Source) error
	Detach(id string) bool
}

// Config contains WebRTC configuration
type Config struct {
	ICEServers []string
	SampleRate int
}

// DecoderFactory creates a mono decoder for the given rate
type DecoderFactory func(sampleRate int) (Decoder, error)

// OpusDecoder is the production DecoderFactory
func OpusDecoder(sampleRate int) (Decoder, error) {
	decoder, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return decoder, nil
}

type call struct {
	id      string
	peer    *webrtc.PeerConnection
	sources []*TrackSource
	ended   chan struct{}
}

// Handler accepts browser offers and feeds the remote audio into the sink
type Handler struct {
	config     Config
	sink       Sink
	newDecoder DecoderFactory
	logger     *slog.Logger

	calls  map[string]*call
	closed bool

	// negotiating runs once the answer is set, before ICE gathering ends
	negotiating func(callID string)

	// Statistics
	totalCalls  uint64
	totalTracks uint64

	mu sync.Mutex
}

// HandlerStats represents handler statistics
type HandlerStats struct {
	ActiveCalls int          `json:"active_calls"`
	TotalCalls  uint64       `json:"total_calls"`
	TotalTracks uint64       `json:"total_tracks"`
	Tracks      []TrackStats `json:"tracks"`
}

// NewHandler creates a handler; a nil factory selects the Opus decoder
func NewHandler(config Config, sink Sink, newDecoder DecoderFactory, logger *slog.Logger) *Handler {
	if newDecoder == nil {
		newDecoder = OpusDecoder
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		config:     config,
		sink:       sink,
		newDecoder: newDecoder,
		logger:     logger,
		calls:      make(map[string]*call),
	}
}

// HandleOffer accepts an SDP offer and returns the answer once ICE
// gathering completes
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, ErrInvalidOffer
	}

	peer, err := h.newPeerConnection()
	if err != nil {
		return SessionDescription{}, err
	}

	c := &call{id: uuid.NewString(), peer: peer, ended: make(chan struct{})}

	// Registered before negotiation so state changes and Close can end it
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = peer.Close()
		return SessionDescription{}, errors.New("handler is closed")
	}
	h.calls[c.id] = c
	h.mu.Unlock()

	peer.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		h.onTrack(c, remote)
	})

	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.logger.Info("Peer connection state changed",
			slog.String("call_id", c.id),
			slog.String("state", state.String()),
		)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			h.endCall(c.id)
		}
	})

	if err := peer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		h.endCall(c.id)
		return SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peer.CreateAnswer(nil)
	if err != nil {
		h.endCall(c.id)
		return SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peer)
	if err := peer.SetLocalDescription(answer); err != nil {
		h.endCall(c.id)
		return SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	if h.negotiating != nil {
		h.negotiating(c.id)
	}

	select {
	case <-gatherComplete:
	case <-c.ended:
		return SessionDescription{}, errors.New("call ended during negotiation")
	case <-ctx.Done():
		h.endCall(c.id)
		return SessionDescription{}, fmt.Errorf("ice gathering interrupted: %w", ctx.Err())
	}

	local := peer.LocalDescription()
	if local == nil {
		h.endCall(c.id)
		return SessionDescription{}, errors.New("no local description")
	}

	h.mu.Lock()
	_, live := h.calls[c.id]
	if live {
		h.totalCalls++
	}
	h.mu.Unlock()
	if !live {
		return SessionDescription{}, errors.New("call ended during negotiation")
	}

	h.logger.Info("Call accepted", slog.String("call_id", c.id))

	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func (h *Handler) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))

	var iceServers []webrtc.ICEServer
	if len(h.config.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: h.config.ICEServers}}
	}

	peer, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return peer, nil
}

func (h *Handler) onTrack(c *call, remote *webrtc.TrackRemote) {
	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}

	if !strings.EqualFold(remote.Codec().MimeType, webrtc.MimeTypeOpus) {
		h.logger.Warn("Ignoring audio track with unsupported codec",
			slog.String("call_id", c.id),
			slog.String("codec", remote.Codec().MimeType),
		)
		return
	}

	decoder, err := h.newDecoder(h.config.SampleRate)
	if err != nil {
		h.logger.Error("Failed to create audio decoder",
			slog.String("call_id", c.id),
			slog.String("error", err.Error()),
		)
		return
	}

	id := fmt.Sprintf("%s/%s", c.id, remote.ID())
	source := NewTrackSource(id, h.config.SampleRate, remote, decoder, h.logger)

	h.mu.Lock()
	if _, live := h.calls[c.id]; !live {
		h.mu.Unlock()
		return
	}
	c.sources = append(c.sources, source)
	h.totalTracks++
	h.mu.Unlock()

	h.logger.Info("Remote audio track received",
		slog.String("call_id", c.id),
		slog.String("track", id),
		slog.String("codec", remote.Codec().MimeType),
	)

	source.Start()
	if err := h.sink.Attach(source); err != nil {
		h.logger.Warn("Remote audio track not analyzed",
			slog.String("track", id),
			slog.String("error", err.Error()),
		)
	}
}

// endCall closes the peer connection and detaches its tracks
func (h *Handler) endCall(id string) {
	h.mu.Lock()
	c, ok := h.calls[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.calls, id)
	close(c.ended)
	sources := append([]*TrackSource(nil), c.sources...)
	h.mu.Unlock()

	for _, source := range sources {
		h.sink.Detach(source.ID())
	}

	if err := c.peer.Close(); err != nil {
		h.logger.Warn("Failed to close peer connection",
			slog.String("call_id", id),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("Call ended", slog.String("call_id", id))
}

// Close ends every active call
func (h *Handler) Close() error {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.calls))
	for id := range h.calls {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.endCall(id)
	}

	return nil
}

// GetStats returns current handler statistics
func (h *Handler) GetStats() HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := HandlerStats{
		ActiveCalls: len(h.calls),
		TotalCalls:  h.totalCalls,
		TotalTracks: h.totalTracks,
		Tracks:      make([]TrackStats, 0),
	}
	for _, c := range h.calls {
		for _, source := range c.sources {
			stats.Tracks = append(stats.Tracks, source.GetStats())
		}
	}

	return stats
}

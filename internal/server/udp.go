package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
	"github.com/singul4ri7y/murphys-kitchen/internal/config"
	"github.com/singul4ri7y/murphys-kitchen/internal/protocol"
)

// Sample rates a capture device may announce
const (
	minIngestSampleRate = 8000
	maxIngestSampleRate = 48000
)

// AudioSink receives the sources opened by capture devices. A source ends
// by returning audio.ErrDetached once drained.
type AudioSink interface {
	Attach(source audio.Source) error
}

// UDPServer receives microphone audio from local capture devices and hands
// each capture stream to the pipeline
type UDPServer struct {
	conn   *net.UDPConn
	config config.IngestConfig
	logger *slog.Logger
	sink   AudioSink

	// Concurrency management
	ctx       context.Context
	cancel    context.CancelFunc
	recvWG    sync.WaitGroup
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	// Packets of one stream must be handled in arrival order, so a single
	// processor drains the queue
	packetChan chan *incomingPacket

	streams map[uint32]*ingestStream

	// Statistics
	packetsReceived      uint64
	packetsProcessed     uint64
	parseErrors          uint64
	packetsDropped       uint64
	unknownStreamPackets uint64
	totalStreams         uint64

	mu sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// UDPStatistics represents ingest server statistics
type UDPStatistics struct {
	PacketsReceived      uint64              `json:"packets_received"`
	PacketsProcessed     uint64              `json:"packets_processed"`
	ParseErrors          uint64              `json:"parse_errors"`
	PacketsDropped       uint64              `json:"packets_dropped"`
	UnknownStreamPackets uint64              `json:"unknown_stream_packets"`
	TotalStreams         uint64              `json:"total_streams"`
	ActiveStreams        int                 `json:"active_streams"`
	QueueSize            int                 `json:"queue_size"`
	QueueCapacity        int                 `json:"queue_capacity"`
	Streams              []IngestStreamStats `json:"streams"`
}

// NewUDPServer creates a new UDP ingest server
func NewUDPServer(cfg config.IngestConfig, logger *slog.Logger, sink AudioSink) *UDPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	if cfg.BufferSize < protocol.HeaderSize {
		cfg.BufferSize = protocol.MaxPacketSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &UDPServer{
		config:     cfg,
		logger:     logger,
		sink:       sink,
		ctx:        ctx,
		cancel:     cancel,
		packetChan: make(chan *incomingPacket, cfg.QueueSize),
		streams:    make(map[uint32]*ingestStream),
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.Address, s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP ingest server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Duration("idle_timeout", s.config.GetIdleTimeoutDuration()),
	)

	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.packetProcessor()
		go s.idleLoop()

		s.recvWG.Add(1)
		go s.receiveLoop()
	})

	return nil
}

// Addr returns the bound address, nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket, drains queued packets and ends every open stream
func (s *UDPServer) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping UDP ingest server...")

		s.cancel()

		// Close UDP connection to unblock the receive loop
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
			}
		}

		// The receive loop is the only sender
		s.recvWG.Wait()
		close(s.packetChan)
		s.wg.Wait()

		s.mu.Lock()
		for streamID, stream := range s.streams {
			stream.end()
			delete(s.streams, streamID)
		}
		s.mu.Unlock()

		stats := s.GetStatistics()
		s.logger.Info("UDP ingest server stopped",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("parse_errors", stats.ParseErrors),
			slog.Uint64("packets_dropped", stats.PacketsDropped),
		)
	})

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.recvWG.Done()

	buffer := make([]byte, s.config.BufferSize)

	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()

		// Copy, the buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.packetChan <- packet:
		default:
			s.mu.Lock()
			s.packetsDropped++
			s.mu.Unlock()

			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// packetProcessor handles queued packets in arrival order
func (s *UDPServer) packetProcessor() {
	defer s.wg.Done()

	for packet := range s.packetChan {
		s.handlePacket(packet)
	}
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()

		s.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()

	switch parsed.Header.PacketType {
	case protocol.PacketTypeStart:
		s.processStart(parsed.Header, parsed.Start, packet.timestamp)
	case protocol.PacketTypeAudio:
		s.processAudio(parsed.Header, parsed.Audio, packet.timestamp)
	case protocol.PacketTypeStop:
		s.processStop(parsed.Header)
	}
}

// processStart opens a stream and attaches it to the sink. A repeated start
// for a live stream with the same rate is ignored.
func (s *UDPServer) processStart(header *protocol.Header, payload *protocol.StartPayload, at time.Time) {
	rate := int(payload.SampleRate)
	if rate < minIngestSampleRate || rate > maxIngestSampleRate {
		s.logger.Warn("Rejected capture stream with unsupported sample rate",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Int("sample_rate", rate),
		)
		return
	}

	deviceID := payload.GetDeviceID()
	if deviceID == "" {
		deviceID = "device"
	}

	s.mu.Lock()
	if existing, ok := s.streams[header.StreamID]; ok {
		if existing.SampleRate() == rate {
			existing.touch(at)
			s.mu.Unlock()
			return
		}
		existing.end()
		delete(s.streams, header.StreamID)
	}

	stream := newIngestStream(fmt.Sprintf("udp/%s/%d", deviceID, header.StreamID), rate, at)
	s.streams[header.StreamID] = stream
	s.totalStreams++
	s.mu.Unlock()

	if err := s.sink.Attach(stream); err != nil {
		s.logger.Error("Failed to attach capture stream",
			slog.String("source", stream.ID()),
			slog.String("error", err.Error()),
		)
		s.removeStream(header.StreamID, stream)
		return
	}

	s.logger.Info("Capture stream started",
		slog.String("source", stream.ID()),
		slog.Int("sample_rate", rate),
	)
}

// processAudio routes an audio packet to its stream
func (s *UDPServer) processAudio(header *protocol.Header, payload *protocol.AudioPayload, at time.Time) {
	s.mu.Lock()
	stream, ok := s.streams[header.StreamID]
	if !ok {
		s.unknownStreamPackets++
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Received audio packet for unknown stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
		return
	}

	stream.push(payload.Sequence, payload.Samples(), at)
}

// processStop ends a stream; samples already received are still delivered
func (s *UDPServer) processStop(header *protocol.Header) {
	s.mu.Lock()
	stream, ok := s.streams[header.StreamID]
	if ok {
		delete(s.streams, header.StreamID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	stream.end()
	s.logger.Info("Capture stream stopped", slog.String("source", stream.ID()))
}

func (s *UDPServer) removeStream(streamID uint32, stream *ingestStream) {
	s.mu.Lock()
	if s.streams[streamID] == stream {
		delete(s.streams, streamID)
	}
	s.mu.Unlock()
	stream.end()
}

// idleLoop ends streams whose device went quiet without a stop packet
func (s *UDPServer) idleLoop() {
	defer s.wg.Done()

	timeout := s.config.GetIdleTimeoutDuration()
	if timeout <= 0 {
		return
	}

	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.endIdleStreams(now, timeout)
		}
	}
}

func (s *UDPServer) endIdleStreams(now time.Time, timeout time.Duration) {
	s.mu.Lock()
	var idle []*ingestStream
	for streamID, stream := range s.streams {
		if now.Sub(stream.lastSeen()) > timeout {
			idle = append(idle, stream)
			delete(s.streams, streamID)
		}
	}
	s.mu.Unlock()

	for _, stream := range idle {
		stream.end()
		s.logger.Info("Capture stream timed out",
			slog.String("source", stream.ID()),
			slog.Duration("timeout", timeout),
		)
	}
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() UDPStatistics {
	s.mu.RLock()
	streams := make([]*ingestStream, 0, len(s.streams))
	for _, stream := range s.streams {
		streams = append(streams, stream)
	}
	stats := UDPStatistics{
		PacketsReceived:      s.packetsReceived,
		PacketsProcessed:     s.packetsProcessed,
		ParseErrors:          s.parseErrors,
		PacketsDropped:       s.packetsDropped,
		UnknownStreamPackets: s.unknownStreamPackets,
		TotalStreams:         s.totalStreams,
		ActiveStreams:        len(s.streams),
		QueueSize:            len(s.packetChan),
		QueueCapacity:        cap(s.packetChan),
	}
	s.mu.RUnlock()

	stats.Streams = make([]IngestStreamStats, 0, len(streams))
	for _, stream := range streams {
		stats.Streams = append(stats.Streams, stream.GetStats())
	}
	sort.Slice(stats.Streams, func(i, j int) bool { return stats.Streams[i].ID < stats.Streams[j].ID })

	return stats
}

// ingestStream buffers one capture stream's samples for the pipeline
type ingestStream struct {
	id         string
	sampleRate int

	pending    []int16
	maxPending int

	started     bool
	expectedSeq uint32
	seen        time.Time
	ended       bool

	// Statistics
	packetsReceived uint64
	packetsLost     uint64
	packetsLate     uint64
	samplesDropped  uint64

	mu sync.Mutex
}

// IngestStreamStats represents capture stream statistics
type IngestStreamStats struct {
	ID              string `json:"id"`
	SampleRate      int    `json:"sample_rate"`
	PacketsReceived uint64 `json:"packets_received"`
	PacketsLost     uint64 `json:"packets_lost"`
	PacketsLate     uint64 `json:"packets_late"`
	SamplesDropped  uint64 `json:"samples_dropped"`
	PendingSamples  int    `json:"pending_samples"`
}

func newIngestStream(id string, sampleRate int, at time.Time) *ingestStream {
	return &ingestStream{
		id:         id,
		sampleRate: sampleRate,
		maxPending: sampleRate, // one second
		seen:       at,
	}
}

func (st *ingestStream) ID() string {
	return st.id
}

func (st *ingestStream) SampleRate() int {
	return st.sampleRate
}

// ReadPCM drains the samples received since the last call
func (st *ingestStream) ReadPCM() ([]int16, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.pending) > 0 {
		out := st.pending
		st.pending = nil
		return out, nil
	}

	if st.ended {
		return nil, audio.ErrDetached
	}

	return nil, nil
}

// push appends a packet's samples. Packets behind the expected sequence are
// dropped as late; a jump ahead counts the skipped packets as lost.
func (st *ingestStream) push(seq uint32, samples []int16, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ended {
		return
	}

	st.packetsReceived++
	st.seen = at

	if st.started {
		if seq < st.expectedSeq {
			st.packetsLate++
			return
		}
		st.packetsLost += uint64(seq - st.expectedSeq)
	}
	st.started = true
	st.expectedSeq = seq + 1

	st.pending = append(st.pending, samples...)
	if over := len(st.pending) - st.maxPending; over > 0 {
		st.pending = append(st.pending[:0], st.pending[over:]...)
		st.samplesDropped += uint64(over)
	}
}

func (st *ingestStream) touch(at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seen = at
}

func (st *ingestStream) lastSeen() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seen
}

func (st *ingestStream) end() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ended = true
}

func (st *ingestStream) GetStats() IngestStreamStats {
	st.mu.Lock()
	defer st.mu.Unlock()

	return IngestStreamStats{
		ID:              st.id,
		SampleRate:      st.sampleRate,
		PacketsReceived: st.packetsReceived,
		PacketsLost:     st.packetsLost,
		PacketsLate:     st.packetsLate,
		SamplesDropped:  st.samplesDropped,
		PendingSamples:  len(st.pending),
	}
}

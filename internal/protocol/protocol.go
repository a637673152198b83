package protocol

import (
	"encoding/binary"
	"fmt"
)

// Wire format constants
const (
	// Version is the only protocol version accepted
	Version = 0x01

	// Packet types
	PacketTypeStart = 0x01 // capture started, announces the device and rate
	PacketTypeAudio = 0x02 // PCM chunk
	PacketTypeStop  = 0x03 // capture stopped

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	StartPayloadSize       = 72 // 64 + 4 + 4 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)

	// Field sizes in the start payload
	DeviceIDSize   = 64
	SampleRateSize = 4
	TimestampSize  = 4

	// MaxPacketSize is the largest packet the length field can describe
	MaxPacketSize = 0xFFFF
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Version:1]
type Header struct {
	PacketType uint8  // 0x01=Start, 0x02=Audio, 0x03=Stop
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Capture session chosen by the device
	Version    uint8
}

// StartPayload represents the 72-byte start packet payload
// Layout: [DeviceID:64][SampleRate:4][Timestamp:4]
type StartPayload struct {
	DeviceID   [DeviceIDSize]byte // Null-terminated string
	SampleRate uint32
	Timestamp  uint32 // Unix timestamp
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][PCM:N], PCM is signed 16-bit little-endian mono
type AudioPayload struct {
	Sequence uint32
	PCM      []byte
}

// Packet represents a fully parsed packet
type Packet struct {
	Header *Header
	Start  *StartPayload // Only set for start packets
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Version:    data[7],
	}, nil
}

// ParseStartPayload parses the 72-byte start packet payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) < StartPayloadSize {
		return nil, fmt.Errorf("start payload too short: expected %d bytes, got %d",
			StartPayloadSize, len(data))
	}

	payload := &StartPayload{}
	copy(payload.DeviceID[:], data[:DeviceIDSize])
	payload.SampleRate = binary.BigEndian.Uint32(data[DeviceIDSize : DeviceIDSize+SampleRateSize])
	payload.Timestamp = binary.BigEndian.Uint32(data[DeviceIDSize+SampleRateSize : StartPayloadSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + PCM)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}
	if (len(data)-AudioPayloadHeaderSize)%2 != 0 {
		return nil, fmt.Errorf("audio payload has an odd number of PCM bytes: %d",
			len(data)-AudioPayloadHeaderSize)
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[:AudioPayloadHeaderSize]),
	}
	if len(data) > AudioPayloadHeaderSize {
		payload.PCM = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.PCM, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*Packet, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &Packet{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeStart:
		payload, err := ParseStartPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start payload: %w", err)
		}
		packet.Start = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeStop:
		// No payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if header.Version != Version {
		return fmt.Errorf("unsupported version: 0x%02x", header.Version)
	}

	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeStart:
		if payloadSize != StartPayloadSize {
			return fmt.Errorf("start packet payload size mismatch: expected %d, got %d",
				StartPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeStop:
		if payloadSize != 0 {
			return fmt.Errorf("stop packet carries %d unexpected payload bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeStart || ptype == PacketTypeAudio || ptype == PacketTypeStop
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetDeviceID extracts the device ID as a string
func (s *StartPayload) GetDeviceID() string {
	return ExtractString(s.DeviceID[:])
}

// Samples decodes the PCM bytes
func (a *AudioPayload) Samples() []int16 {
	samples := make([]int16, len(a.PCM)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(a.PCM[2*i:]))
	}
	return samples
}

// EncodeStart builds a start packet. Device IDs longer than the field are
// truncated.
func EncodeStart(streamID uint32, deviceID string, sampleRate, timestamp uint32) []byte {
	buf := make([]byte, HeaderSize+StartPayloadSize)
	putHeader(buf, PacketTypeStart, streamID)

	payload := buf[HeaderSize:]
	copy(payload[:DeviceIDSize-1], deviceID)
	binary.BigEndian.PutUint32(payload[DeviceIDSize:], sampleRate)
	binary.BigEndian.PutUint32(payload[DeviceIDSize+SampleRateSize:], timestamp)

	return buf
}

// EncodeAudio builds an audio packet. It fails when the samples do not fit
// in one packet.
func EncodeAudio(streamID, sequence uint32, samples []int16) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + 2*len(samples)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, streamID)

	payload := buf[HeaderSize:]
	binary.BigEndian.PutUint32(payload, sequence)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(payload[AudioPayloadHeaderSize+2*i:], uint16(s))
	}

	return buf, nil
}

// EncodeStop builds a stop packet
func EncodeStop(streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeStop, streamID)
	return buf
}

func putHeader(buf []byte, ptype uint8, streamID uint32) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = Version
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string
	switch h.PacketType {
	case PacketTypeStart:
		packetType = "Start"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeStop:
		packetType = "Stop"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Version:%d}",
		packetType, h.PacketLen, h.StreamID, h.Version)
}

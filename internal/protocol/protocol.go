package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants
const (
	// Packet types
	PacketTypeOpen  = 0x01
	PacketTypeAudio = 0x02
	PacketTypeClose = 0x03

	// Sample formats carried in the header
	FormatS16LE = 0x01
	FormatF32LE = 0x02

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	OpenPayloadSize        = 36 // 16 + 16 + 4 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)

	// Field sizes in the open payload
	LanguageSize   = 16
	TaskSize       = 16
	SampleRateSize = 4

	// MaxPacketSize is the largest length the header can describe
	MaxPacketSize = 0xFFFF
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Format:1]
type Header struct {
	PacketType uint8  // 0x01=Open, 0x02=Audio, 0x03=Close
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Sender-chosen stream identifier
	Format     uint8  // 0x01=s16le, 0x02=f32le
}

// OpenPayload starts a transcription stream
// Layout: [Language:16][Task:16][SampleRate:4]
type OpenPayload struct {
	Language   [LanguageSize]byte // Null-terminated; empty lets the engine detect
	Task       [TaskSize]byte     // Null-terminated "transcribe" or "translate"
	SampleRate uint32             // Hz of the audio that follows
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number
	AudioData []byte // PCM audio in the header's format
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header *Header
	Open   *OpenPayload  // Only set for open packets
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Format:     data[7],
	}

	return header, nil
}

// ParseOpenPayload parses the 36-byte open packet payload
func ParseOpenPayload(data []byte) (*OpenPayload, error) {
	if len(data) < OpenPayloadSize {
		return nil, fmt.Errorf("open payload too short: expected %d bytes, got %d",
			OpenPayloadSize, len(data))
	}

	payload := &OpenPayload{}
	copy(payload.Language[:], data[0:LanguageSize])
	copy(payload.Task[:], data[LanguageSize:LanguageSize+TaskSize])
	payload.SampleRate = binary.BigEndian.Uint32(data[LanguageSize+TaskSize : OpenPayloadSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Validate packet length matches actual data
	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeOpen:
		payload, err := ParseOpenPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse open payload: %w", err)
		}
		packet.Open = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeClose:
		// No payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if !IsValidFormat(header.Format) {
		return fmt.Errorf("invalid format: 0x%02x", header.Format)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	// Validate expected payload sizes
	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeOpen:
		if payloadSize != OpenPayloadSize {
			return fmt.Errorf("open packet payload size mismatch: expected %d, got %d",
				OpenPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
		if sampleSize := FormatSampleSize(header.Format); (payloadSize-AudioPayloadHeaderSize)%sampleSize != 0 {
			return fmt.Errorf("audio data length %d is not a multiple of the %d-byte sample size",
				payloadSize-AudioPayloadHeaderSize, sampleSize)
		}
	case PacketTypeClose:
		if payloadSize != 0 {
			return fmt.Errorf("close packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeOpen || ptype == PacketTypeAudio || ptype == PacketTypeClose
}

// IsValidFormat checks if the sample format is valid
func IsValidFormat(format uint8) bool {
	return format == FormatS16LE || format == FormatF32LE
}

// FormatSampleSize returns bytes per sample, or 1 for unknown formats
func FormatSampleSize(format uint8) int {
	switch format {
	case FormatS16LE:
		return 2
	case FormatF32LE:
		return 4
	default:
		return 1
	}
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// GetLanguage extracts the language as a string
func (o *OpenPayload) GetLanguage() string {
	return ExtractString(o.Language[:])
}

// GetTask extracts the task as a string
func (o *OpenPayload) GetTask() string {
	return ExtractString(o.Task[:])
}

// BuildOpenPacket encodes an open packet
func BuildOpenPacket(streamID uint32, format uint8, language, task string, sampleRate uint32) ([]byte, error) {
	if len(language) >= LanguageSize {
		return nil, fmt.Errorf("language too long: %d bytes (maximum %d)", len(language), LanguageSize-1)
	}
	if len(task) >= TaskSize {
		return nil, fmt.Errorf("task too long: %d bytes (maximum %d)", len(task), TaskSize-1)
	}

	packet := make([]byte, HeaderSize+OpenPayloadSize)
	putHeader(packet, PacketTypeOpen, streamID, format)
	payload := packet[HeaderSize:]
	copy(payload[0:LanguageSize], language)
	copy(payload[LanguageSize:LanguageSize+TaskSize], task)
	binary.BigEndian.PutUint32(payload[LanguageSize+TaskSize:], sampleRate)

	return packet, nil
}

// BuildAudioPacket encodes an audio packet
func BuildAudioPacket(streamID uint32, format uint8, sequence uint32, audioData []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(audioData)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	packet := make([]byte, size)
	putHeader(packet, PacketTypeAudio, streamID, format)
	binary.BigEndian.PutUint32(packet[HeaderSize:], sequence)
	copy(packet[HeaderSize+AudioPayloadHeaderSize:], audioData)

	return packet, nil
}

// BuildClosePacket encodes a close packet
func BuildClosePacket(streamID uint32, format uint8) []byte {
	packet := make([]byte, HeaderSize)
	putHeader(packet, PacketTypeClose, streamID, format)
	return packet
}

func putHeader(packet []byte, packetType uint8, streamID uint32, format uint8) {
	packet[0] = packetType
	binary.BigEndian.PutUint16(packet[1:3], uint16(len(packet)))
	binary.BigEndian.PutUint32(packet[3:7], streamID)
	packet[7] = format
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType, format string

	switch h.PacketType {
	case PacketTypeOpen:
		packetType = "Open"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeClose:
		packetType = "Close"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	switch h.Format {
	case FormatS16LE:
		format = "s16le"
	case FormatF32LE:
		format = "f32le"
	default:
		format = fmt.Sprintf("Unknown(0x%02x)", h.Format)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Format:%s}",
		packetType, h.PacketLen, h.StreamID, format)
}

// String returns a human-readable representation of the open payload
func (o *OpenPayload) String() string {
	return fmt.Sprintf("OpenPayload{Language:%q, Task:%q, SampleRate:%d}",
		o.GetLanguage(), o.GetTask(), o.SampleRate)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}

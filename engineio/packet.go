package engineio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// PacketType represents Engine.IO packet types
type PacketType byte

const (
	PacketTypeOpen PacketType = iota
	PacketTypeClose
	PacketTypePing
	PacketTypePong
	PacketTypeMessage
	PacketTypeUpgrade
	PacketTypeNoop
)

// payloadSeparator delimits packets in a long-polling payload.
const payloadSeparator = 0x1e

var ErrEmptyPacket = errors.New("empty packet")

// Packet represents an Engine.IO packet
type Packet struct {
	Type PacketType
	Data []byte
}

// Encode encodes the packet to bytes
func (p *Packet) Encode() []byte {
	result := make([]byte, 0, len(p.Data)+1)
	result = append(result, byte('0'+p.Type))
	result = append(result, p.Data...)
	return result
}

// DecodePacket decodes bytes into a packet
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}

	typeChar := data[0]
	if typeChar == 'b' {
		return nil, fmt.Errorf("binary packets are not supported")
	}
	if typeChar < '0' || typeChar > '6' {
		return nil, fmt.Errorf("invalid packet type: %c", typeChar)
	}

	packet := &Packet{
		Type: PacketType(typeChar - '0'),
	}

	if len(data) > 1 {
		packet.Data = append([]byte(nil), data[1:]...)
	}

	return packet, nil
}

// EncodePayload joins packets for a single polling response or request body.
func EncodePayload(packets []*Packet) []byte {
	var buf bytes.Buffer
	for i, p := range packets {
		if i > 0 {
			buf.WriteByte(payloadSeparator)
		}
		buf.Write(p.Encode())
	}
	return buf.Bytes()
}

// DecodePayload splits a polling payload into packets.
func DecodePayload(data []byte) ([]*Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}

	parts := bytes.Split(data, []byte{payloadSeparator})
	packets := make([]*Packet, 0, len(parts))
	for _, part := range parts {
		p, err := DecodePacket(part)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// HandshakeData represents the Engine.IO handshake response
type HandshakeData struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// PingIntervalDuration returns the advertised ping interval.
func (h HandshakeData) PingIntervalDuration() time.Duration {
	return time.Duration(h.PingInterval) * time.Millisecond
}

// PingTimeoutDuration returns the advertised ping timeout.
func (h HandshakeData) PingTimeoutDuration() time.Duration {
	return time.Duration(h.PingTimeout) * time.Millisecond
}

// EncodeHandshake creates an open packet with handshake data
func EncodeHandshake(sid string, config *Config) (*Packet, error) {
	data := HandshakeData{
		SID:          sid,
		Upgrades:     []string{}, // sessions keep the transport they opened with
		PingInterval: int(config.PingInterval / time.Millisecond),
		PingTimeout:  int(config.PingTimeout / time.Millisecond),
		MaxPayload:   config.MaxPayload,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Packet{
		Type: PacketTypeOpen,
		Data: jsonData,
	}, nil
}

// DecodeHandshake parses the data of an open packet.
func DecodeHandshake(packet *Packet) (*HandshakeData, error) {
	if packet.Type != PacketTypeOpen {
		return nil, fmt.Errorf("expected open packet, got %s", packet.Type)
	}
	var data HandshakeData
	if err := json.Unmarshal(packet.Data, &data); err != nil {
		return nil, fmt.Errorf("invalid handshake: %w", err)
	}
	if data.SID == "" {
		return nil, fmt.Errorf("invalid handshake: missing sid")
	}
	return &data, nil
}

// String returns the packet type as a string
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeOpen:
		return "open"
	case PacketTypeClose:
		return "close"
	case PacketTypePing:
		return "ping"
	case PacketTypePong:
		return "pong"
	case PacketTypeMessage:
		return "message"
	case PacketTypeUpgrade:
		return "upgrade"
	case PacketTypeNoop:
		return "noop"
	default:
		return "unknown(" + strconv.Itoa(int(pt)) + ")"
	}
}

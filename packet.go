package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PacketType is the leading digit of a Socket.IO packet.
type PacketType int

const (
	PacketTypeConnect PacketType = iota
	PacketTypeDisconnect
	PacketTypeEvent
	PacketTypeAck
	PacketTypeConnectError
	PacketTypeBinaryEvent
	PacketTypeBinaryAck
)

var packetTypeNames = [...]string{
	PacketTypeConnect:      "connect",
	PacketTypeDisconnect:   "disconnect",
	PacketTypeEvent:        "event",
	PacketTypeAck:          "ack",
	PacketTypeConnectError: "connect_error",
	PacketTypeBinaryEvent:  "binary_event",
	PacketTypeBinaryAck:    "binary_ack",
}

func (pt PacketType) String() string {
	if pt < 0 || int(pt) >= len(packetTypeNames) {
		return "unknown"
	}
	return packetTypeNames[pt]
}

var (
	ErrEmptyPacket       = errors.New("empty packet")
	ErrBinaryUnsupported = errors.New("binary packets are not supported")
)

// Packet is a decoded Socket.IO packet. Namespace "/" is the default one.
type Packet struct {
	Type      PacketType
	Namespace string
	ID        *int
	Data      interface{}
}

// NewEventPacket builds an EVENT packet whose data is [event, data...].
func NewEventPacket(event string, data ...interface{}) *Packet {
	return &Packet{
		Type:      PacketTypeEvent,
		Namespace: "/",
		Data:      append([]interface{}{event}, data...),
	}
}

// Encode renders <type>[<namespace>,][<ack id>][<json data>].
func (p *Packet) Encode() (string, error) {
	buf := strconv.AppendInt(nil, int64(p.Type), 10)
	if p.Namespace != "" && p.Namespace != "/" {
		buf = append(buf, p.Namespace...)
		buf = append(buf, ',')
	}
	if p.ID != nil {
		buf = strconv.AppendInt(buf, int64(*p.ID), 10)
	}
	if p.Data != nil {
		data, err := json.Marshal(p.Data)
		if err != nil {
			return "", fmt.Errorf("encode %s packet: %w", p.Type, err)
		}
		buf = append(buf, data...)
	}
	return string(buf), nil
}

// Event returns the name and arguments of an EVENT packet.
func (p *Packet) Event() (name string, args []interface{}, ok bool) {
	if p.Type != PacketTypeEvent {
		return "", nil, false
	}
	list, _ := p.Data.([]interface{})
	if len(list) == 0 {
		return "", nil, false
	}
	name, ok = list[0].(string)
	if !ok {
		return "", nil, false
	}
	return name, list[1:], true
}

// DecodePacket parses a text packet. Binary packets are rejected.
func DecodePacket(s string) (*Packet, error) {
	if s == "" {
		return nil, ErrEmptyPacket
	}
	if s[0] < '0' || s[0] > '6' {
		return nil, fmt.Errorf("invalid packet type %q", s[0])
	}

	p := &Packet{Type: PacketType(s[0] - '0'), Namespace: "/"}
	if p.Type == PacketTypeBinaryEvent || p.Type == PacketTypeBinaryAck {
		return nil, ErrBinaryUnsupported
	}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		ns, after, found := strings.Cut(rest, ",")
		p.Namespace = ns
		if !found {
			return p, nil
		}
		rest = after
	}

	digits := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if digits == -1 {
		digits = len(rest)
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return nil, fmt.Errorf("invalid ack id: %w", err)
		}
		p.ID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &p.Data); err != nil {
			return nil, fmt.Errorf("decode %s packet: %w", p.Type, err)
		}
	}
	return p, nil
}

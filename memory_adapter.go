package fanout

import (
	"sync"

	"github.com/genzplug/fanout/engineio"
)

type set map[string]struct{}

func (s set) list() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// MemoryAdapter keeps room membership in process memory.
type MemoryAdapter struct {
	mu      sync.RWMutex
	members map[string]set // room -> socket ids
	joined  map[string]set // socket id -> rooms
	ns      *Namespace
}

var _ Adapter = (*MemoryAdapter)(nil)

func NewMemoryAdapter(ns *Namespace) *MemoryAdapter {
	return &MemoryAdapter{
		members: make(map[string]set),
		joined:  make(map[string]set),
		ns:      ns,
	}
}

// AddAll joins the socket to each room; joining twice is a no-op.
func (a *MemoryAdapter) AddAll(socketID string, rooms ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, room := range rooms {
		if a.members[room] == nil {
			a.members[room] = make(set)
		}
		a.members[room][socketID] = struct{}{}

		if a.joined[socketID] == nil {
			a.joined[socketID] = make(set)
		}
		a.joined[socketID][room] = struct{}{}
	}
}

func (a *MemoryAdapter) Del(socketID, room string) {
	a.mu.Lock()
	a.del(socketID, room)
	a.mu.Unlock()
}

func (a *MemoryAdapter) DelAll(socketID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	rooms := a.joined[socketID].list()
	for _, room := range rooms {
		a.del(socketID, room)
	}
	return rooms
}

// del drops empty rooms so that membership maps do not grow without bound.
func (a *MemoryAdapter) del(socketID, room string) {
	if m, ok := a.members[room]; ok {
		delete(m, socketID)
		if len(m) == 0 {
			delete(a.members, room)
		}
	}
	if r, ok := a.joined[socketID]; ok {
		delete(r, room)
		if len(r) == 0 {
			delete(a.joined, socketID)
		}
	}
}

func (a *MemoryAdapter) Members(room string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.members[room].list()
}

func (a *MemoryAdapter) Rooms(socketID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.joined[socketID].list()
}

// Broadcast encodes the packet once and queues it on each target session.
// A session with a full buffer misses the packet; every other one receives
// broadcasts in the order Broadcast was called.
func (a *MemoryAdapter) Broadcast(packet *Packet, opts BroadcastOptions) error {
	encoded, err := packet.Encode()
	if err != nil {
		return err
	}
	frame := &engineio.Packet{Type: engineio.PacketTypeMessage, Data: []byte(encoded)}

	skip := make(set, len(opts.Except))
	for _, id := range opts.Except {
		skip[id] = struct{}{}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	a.ns.mu.RLock()
	defer a.ns.mu.RUnlock()

	send := func(id string) {
		if _, ok := skip[id]; ok {
			return
		}
		skip[id] = struct{}{}
		socket, ok := a.ns.sockets[id]
		if !ok {
			return
		}
		if err := socket.session.Send(frame); err != nil {
			socket.logger.Warn().Err(err).Msg("dropped broadcast packet")
		}
	}

	if len(opts.Rooms) == 0 {
		for id := range a.ns.sockets {
			send(id)
		}
		return nil
	}
	for _, room := range opts.Rooms {
		for id := range a.members[room] {
			send(id)
		}
	}
	return nil
}

func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	a.members = make(map[string]set)
	a.joined = make(map[string]set)
	a.mu.Unlock()
	return nil
}

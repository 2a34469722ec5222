package fanout

// BroadcastOptions selects the recipients of a broadcast.
type BroadcastOptions struct {
	// Rooms to deliver to; empty means every socket of the namespace.
	Rooms []string
	// Except lists socket ids that never receive the packet.
	Except []string
}

// Adapter tracks room membership for one namespace and delivers packets to
// room members.
type Adapter interface {
	AddAll(socketID string, rooms ...string)
	Del(socketID, room string)
	// DelAll removes the socket from every room and returns the rooms it
	// was in.
	DelAll(socketID string) []string

	Members(room string) []string
	Rooms(socketID string) []string

	// Broadcast hands the packet to every selected socket before returning
	// and never waits on a slow one.
	Broadcast(packet *Packet, opts BroadcastOptions) error

	Close() error
}

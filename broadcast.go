package fanout

// BroadcastOperator describes the recipients of a broadcast. To and Except
// return a new operator, so a partially built one can be reused.
type BroadcastOperator struct {
	ns   *Namespace
	opts BroadcastOptions
}

func (b *BroadcastOperator) To(rooms ...string) *BroadcastOperator {
	next := b.clone()
	next.opts.Rooms = append(next.opts.Rooms, rooms...)
	return next
}

// Except drops the given socket ids from the recipients.
func (b *BroadcastOperator) Except(socketIDs ...string) *BroadcastOperator {
	next := b.clone()
	next.opts.Except = append(next.opts.Except, socketIDs...)
	return next
}

// Emit sends the event to every recipient without waiting on any of them.
func (b *BroadcastOperator) Emit(event string, data ...interface{}) error {
	packet := NewEventPacket(event, data...)
	packet.Namespace = b.ns.name
	return b.ns.adapter.Broadcast(packet, b.opts)
}

func (b *BroadcastOperator) clone() *BroadcastOperator {
	return &BroadcastOperator{
		ns: b.ns,
		opts: BroadcastOptions{
			Rooms:  append([]string(nil), b.opts.Rooms...),
			Except: append([]string(nil), b.opts.Except...),
		},
	}
}

// Package fanout is a Socket.IO v4 server used to fan realtime events out to
// clients grouped in rooms.
//
// Clients connect over a websocket or, when that cannot be established, over
// HTTP long-polling (Engine.IO v4). Every connection gets an opaque id and a
// private room named after it.
//
//	logger := zerolog.New(os.Stdout)
//	server := fanout.NewServer(&fanout.Config{
//	    PingInterval:   25 * time.Second,
//	    PingTimeout:    20 * time.Second,
//	    AllowedOrigins: []string{"http://localhost:3000"},
//	    Logger:         &logger,
//	})
//
//	server.OnConnect(func(socket *fanout.Socket) {
//	    socket.OnAny(func(event string, args []interface{}) {
//	        socket.Join("lobby")
//	        server.BroadcastTo("lobby", "echo", args...)
//	    })
//	    socket.OnDisconnect(func(reason string) {})
//	})
//
//	http.Handle(fanout.DefaultPath, server)
//
// # Ordering
//
// Events of one connection are handed to OnAny handlers one at a time in the
// order they arrived. Broadcasts enqueue onto each recipient's outbound buffer
// before returning and never block; a recipient whose buffer is full misses
// the packet. Two broadcasts issued one after the other therefore reach every
// common recipient in that order.
//
// # Disconnect
//
// When a session closes the socket first leaves all rooms, then its
// OnDisconnect handlers run synchronously.
package fanout

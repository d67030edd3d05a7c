package console

import (
	"bufio"
	"net"
	"sync/atomic"

	"github.com/behrlich/vmmd/internal/wire"
)

// subscriberConn wraps an accepted connection with a bounded outbound frame
// queue and a dedicated sender goroutine, so a request reply and an
// asynchronously pushed Data frame (from a ring's reader task) never race
// each other writing to the same net.Conn.
type subscriberConn struct {
	id     string
	conn   net.Conn
	out    chan wire.Frame
	failed atomic.Bool
}

func newSubscriberConn(id string, conn net.Conn, queueDepth int) *subscriberConn {
	sc := &subscriberConn{
		id:   id,
		conn: conn,
		out:  make(chan wire.Frame, queueDepth),
	}
	go sc.senderLoop()
	return sc
}

// send enqueues f for delivery. It returns false if the connection has
// already failed or its queue is full — both cases are treated the same way
// by callers: the subscription is torn down.
func (sc *subscriberConn) send(f wire.Frame) bool {
	if sc.failed.Load() {
		return false
	}
	select {
	case sc.out <- f:
		return true
	default:
		return false
	}
}

func (sc *subscriberConn) senderLoop() {
	w := bufio.NewWriter(sc.conn)
	for f := range sc.out {
		if err := wire.WriteFrame(w, f); err != nil {
			sc.failed.Store(true)
			sc.conn.Close()
			sc.drain()
			return
		}
	}
}

// drain discards anything already queued after a write failure. send()
// never blocks (it uses a non-blocking select), so this only needs to empty
// what is already buffered, not wait for a close.
func (sc *subscriberConn) drain() {
	for {
		select {
		case <-sc.out:
		default:
			return
		}
	}
}

func (sc *subscriberConn) close() {
	sc.conn.Close()
}

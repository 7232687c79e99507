// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package replica

import (
	"net"
	"sync"
	"sync/atomic"
)

// Peer is one connected replica. It is owned by the channel and destroyed
// on disconnect. It never owns data, the outbox only holds encoded frames
// waiting for the writer goroutine.
type Peer struct {
	// Remote address of the connection.
	Addr string

	// Origin identifier announced by the peer in its hello.
	Origin string

	conn   net.Conn
	outbox chan outgoing

	// Highest sequence number of this node's own mutations written to the
	// connection.
	lastAcked atomic.Uint64

	dropOnce sync.Once
	dropped  chan struct{}
}

// PeerInfo is a read only view of a peer.
type PeerInfo struct {
	Addr      string
	Origin    string
	LastAcked uint64
}

type outgoing struct {
	frame []byte

	// Sequence number of a local mutation carried by the frame, zero
	// otherwise.
	seq uint64
}

func newPeer(conn net.Conn, addr string, outbox int) *Peer {
	return &Peer{
		Addr:    addr,
		conn:    conn,
		outbox:  make(chan outgoing, outbox),
		dropped: make(chan struct{}),
	}
}

// Enqueues frame without blocking. Reports false when the outbox is full.
func (p *Peer) enqueue(o outgoing) bool {
	select {
	case p.outbox <- o:
		return true
	default:
		return false
	}
}

// Disconnects the peer. The session goroutines notice and finish. Safe to
// call multiple times.
func (p *Peer) drop() {
	p.dropOnce.Do(func() {
		close(p.dropped)
		p.conn.Close()
	})
}

func (p *Peer) info() PeerInfo {
	return PeerInfo{Addr: p.Addr, Origin: p.Origin, LastAcked: p.lastAcked.Load()}
}

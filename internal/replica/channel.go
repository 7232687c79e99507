// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package replica implements the replication channel. One replica binds a
// listening endpoint and acts as the rendezvous, the others connect to it
// as clients. Every connection starts with a hello in both directions and a
// full snapshot in both directions (reconciliation), then live mutations
// flow. Received changes are forwarded to every other peer (flood), which
// is fine for the small number of replicas this is meant for.
//
// The channel never owns data. It transports records to and from a
// Handler, which is the synchronized mapping.
package replica

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/asch/syncobj/internal/errs"
	"github.com/asch/syncobj/internal/metrics"
	"github.com/asch/syncobj/internal/record"
)

const (
	DefaultOutbox      = 1024
	DefaultMaxFrame    = 64 << 20
	DefaultDialTimeout = 5 * time.Second

	// Reconnect backoff of a client.
	redialBase = 100 * time.Millisecond
	redialCap  = 5 * time.Second
)

var errOutboxFull = errors.New("outbox full")

// Handler receives everything coming from peers. The channel calls it from
// the per-peer reader goroutines.
type Handler[K comparable, V any] interface {
	// Calls fn with the current state while no mutation can be applied.
	// Whatever fn enqueues is therefore ordered before any later mutation.
	Attach(fn func(record.Snapshot[K, V]))

	// Applies a mutation received from peer.
	Apply(from *Peer, m record.Mutation[K, V])

	// Merges a snapshot received from peer.
	Merge(from *Peer, s record.Snapshot[K, V])
}

// Role the channel ended up in after Join().
type Role int

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// Options to use in New().
type Options struct {
	// Identifier of this replica. Generated when empty.
	Origin string

	// Frames buffered per peer. A peer with full outbox is dropped
	// instead of stalling local mutations.
	Outbox int

	// Biggest accepted frame in bytes.
	MaxFrame uint32

	// Timeout for connecting and for the hello exchange.
	DialTimeout time.Duration
}

type Channel[K comparable, V any] struct {
	handler Handler[K, V]
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex    sync.Mutex
	peers    map[*Peer]struct{}
	listener net.Listener
	closed   bool

	closeOnce sync.Once
}

// Returns channel delivering peer traffic to handler. It does nothing until
// Listen(), Dial() or Join() is called.
func New[K comparable, V any](handler Handler[K, V], o Options) *Channel[K, V] {
	if o.Origin == "" {
		o.Origin = uuid.NewString()
	}

	if o.Outbox <= 0 {
		o.Outbox = DefaultOutbox
	}

	if o.MaxFrame == 0 {
		o.MaxFrame = DefaultMaxFrame
	}

	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel[K, V]{
		handler: handler,
		opts:    o,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[*Peer]struct{}),
	}
}

// Origin identifier of this replica.
func (c *Channel[K, V]) Origin() string {
	return c.opts.Origin
}

// Binds the rendezvous endpoint and accepts peers in the background.
func (c *Channel[K, V]) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		ln.Close()
		return errs.ErrClosed
	}
	c.listener = ln
	c.mutex.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Str("origin", c.opts.Origin).Msg("Replication listening.")

	c.wg.Add(1)
	go c.acceptLoop(ln)

	return nil
}

// Address of the listener, nil when not listening.
func (c *Channel[K, V]) Addr() net.Addr {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.listener == nil {
		return nil
	}

	return c.listener.Addr()
}

func (c *Channel[K, V]) acceptLoop(ln net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			log.Warn().Err(err).Msg("Accept failed.")
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()

			err := c.session(conn, conn.RemoteAddr().String())
			log.Info().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("Peer disconnected.")
		}()
	}
}

// Connects to the rendezvous at addr. The first attempt is synchronous and
// its failure is returned. Afterwards the connection is kept alive in the
// background and every reconnect runs reconciliation again.
func (c *Channel[K, V]) Dial(ctx context.Context, addr string) error {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return errs.Replication(err, addr)
	}

	c.wg.Add(1)
	go c.keepConnected(addr, conn)

	return nil
}

// Join connects to addr as a client and falls back to serving on addr when
// nobody listens there.
func (c *Channel[K, V]) Join(ctx context.Context, addr string) (Role, error) {
	err := c.Dial(ctx, addr)
	if err == nil {
		return RoleClient, nil
	}

	log.Info().Err(err).Str("addr", addr).Msg("No rendezvous found, serving.")

	if err := c.Listen(addr); err != nil {
		return RoleNone, err
	}

	return RoleServer, nil
}

func (c *Channel[K, V]) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.opts.DialTimeout}

	return d.DialContext(ctx, "tcp", addr)
}

func (c *Channel[K, V]) keepConnected(addr string, conn net.Conn) {
	defer c.wg.Done()

	for {
		err := c.session(conn, addr)
		if c.ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Str("peer", addr).Msg("Lost rendezvous, reconnecting.")

		b := retry.WithCappedDuration(redialCap, retry.NewFibonacci(redialBase))
		err = retry.Do(c.ctx, b, func(ctx context.Context) error {
			var err error
			conn, err = c.dial(ctx, addr)
			if err != nil {
				return retry.RetryableError(err)
			}

			return nil
		})

		if err != nil {
			return
		}

		log.Info().Str("peer", addr).Msg("Reconnected.")
	}
}

// Runs one connection from hello until it breaks.
func (c *Channel[K, V]) session(conn net.Conn, addr string) error {
	peer := newPeer(conn, addr, c.opts.Outbox)
	defer peer.drop()

	r := bufio.NewReader(conn)
	if err := c.handshake(peer, r); err != nil {
		return errs.Replication(err, addr)
	}

	var (
		added     bool
		encodeErr error
	)

	c.handler.Attach(func(snap record.Snapshot[K, V]) {
		frame, err := encodeFrame(&Message[K, V]{Kind: KindSnapshot, Snapshot: &snap})
		if err != nil {
			encodeErr = err
			return
		}

		peer.enqueue(outgoing{frame: frame})
		added = c.addPeer(peer)
	})

	if encodeErr != nil {
		return errs.Replication(encodeErr, addr)
	}

	if !added {
		return errs.ErrClosed
	}

	defer c.removePeer(peer)

	log.Info().Str("peer", addr).Str("origin", peer.Origin).Msg("Peer connected.")

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.readLoop(peer, r) })
	g.Go(func() error { return c.writeLoop(gctx, peer) })
	g.Go(func() error {
		<-gctx.Done()
		peer.drop()
		return nil
	})

	return errs.Replication(g.Wait(), addr)
}

func (c *Channel[K, V]) handshake(peer *Peer, r *bufio.Reader) error {
	deadline := time.Now().Add(c.opts.DialTimeout)
	peer.conn.SetDeadline(deadline)
	defer peer.conn.SetDeadline(time.Time{})

	frame, err := encodeFrame(&Message[K, V]{Kind: KindHello, Hello: &Hello{Origin: c.opts.Origin}})
	if err != nil {
		return err
	}

	if _, err := peer.conn.Write(frame); err != nil {
		return errors.Wrap(err, "send hello")
	}

	m, err := readMessage[K, V](r, c.opts.MaxFrame)
	if err != nil {
		return errors.Wrap(err, "receive hello")
	}

	if m.Kind != KindHello || m.Hello == nil {
		return errors.Newf("expected hello, got message kind %d", m.Kind)
	}

	if m.Hello.Origin == c.opts.Origin {
		return errors.New("connected to itself")
	}

	peer.Origin = m.Hello.Origin

	return nil
}

func (c *Channel[K, V]) readLoop(peer *Peer, r *bufio.Reader) error {
	for {
		m, err := readMessage[K, V](r, c.opts.MaxFrame)
		if err != nil {
			return err
		}

		switch {
		case m.Kind == KindMutation && m.Mutation != nil:
			c.handler.Apply(peer, *m.Mutation)
		case m.Kind == KindSnapshot && m.Snapshot != nil:
			c.handler.Merge(peer, *m.Snapshot)
		default:
			return errors.Newf("unexpected message kind %d", m.Kind)
		}
	}
}

func (c *Channel[K, V]) writeLoop(ctx context.Context, peer *Peer) error {
	for {
		select {
		case o := <-peer.outbox:
			if _, err := peer.conn.Write(o.frame); err != nil {
				return err
			}

			if o.seq > peer.lastAcked.Load() {
				peer.lastAcked.Store(o.seq)
			}

		case <-peer.dropped:
			return errOutboxFull

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel[K, V]) addPeer(p *Peer) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return false
	}

	c.peers[p] = struct{}{}
	metrics.Peers.Inc()

	return true
}

func (c *Channel[K, V]) removePeer(p *Peer) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.peers[p]; ok {
		delete(c.peers, p)
		metrics.Peers.Dec()
	}
}

// Enqueues frame on all peers for which skip is false. Peers with full
// outbox are dropped and reported.
func (c *Channel[K, V]) broadcast(o outgoing, skip func(*Peer) bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var failed []error
	for p := range c.peers {
		if skip(p) {
			continue
		}

		if !p.enqueue(o) {
			log.Warn().Str("peer", p.Addr).Msg("Peer outbox full, dropping peer.")
			metrics.DroppedPeers.Inc()
			p.drop()
			failed = append(failed, errs.Replication(errOutboxFull, p.Addr))
		}
	}

	return errors.Join(failed...)
}

// BroadcastMutation sends m to all peers except from and except the peer
// the mutation originates at. from is nil for local mutations.
func (c *Channel[K, V]) BroadcastMutation(m record.Mutation[K, V], from *Peer) error {
	frame, err := encodeFrame(&Message[K, V]{Kind: KindMutation, Mutation: &m})
	if err != nil {
		return errs.Replication(err, "all")
	}

	o := outgoing{frame: frame}
	if m.Origin == c.opts.Origin {
		o.seq = m.Seq
	}

	return c.broadcast(o, func(p *Peer) bool {
		return p == from || p.Origin == m.Origin
	})
}

// BroadcastSnapshot sends s to all peers except from.
func (c *Channel[K, V]) BroadcastSnapshot(s record.Snapshot[K, V], from *Peer) error {
	frame, err := encodeFrame(&Message[K, V]{Kind: KindSnapshot, Snapshot: &s})
	if err != nil {
		return errs.Replication(err, "all")
	}

	return c.broadcast(outgoing{frame: frame}, func(p *Peer) bool {
		return p == from
	})
}

// Peers returns currently connected peers.
func (c *Channel[K, V]) Peers() []PeerInfo {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	peers := make([]PeerInfo, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p.info())
	}

	return peers
}

// Close stops listening and disconnects all peers without waiting for any
// acknowledgement. Closing twice is a no-op.
func (c *Channel[K, V]) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.closed = true
		if c.listener != nil {
			err = c.listener.Close()
		}
		for p := range c.peers {
			p.drop()
		}
		c.mutex.Unlock()

		c.cancel()
		c.wg.Wait()
	})

	return err
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package replica

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asch/syncobj/internal/record"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// Handler recording everything it gets. Attach hands out a fixed snapshot.
type recorder struct {
	mutex     sync.Mutex
	state     record.Snapshot[string, string]
	mutations []record.Mutation[string, string]
	merged    []record.Snapshot[string, string]
}

func (r *recorder) Attach(fn func(record.Snapshot[string, string])) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	fn(r.state)
}

func (r *recorder) Apply(_ *Peer, m record.Mutation[string, string]) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.mutations = append(r.mutations, m)
}

func (r *recorder) Merge(_ *Peer, s record.Snapshot[string, string]) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.merged = append(r.merged, s)
}

func (r *recorder) counts() (int, int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.mutations), len(r.merged)
}

func (r *recorder) lastMerged() record.Snapshot[string, string] {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.merged[len(r.merged)-1]
}

func snapshotOf(origin string, kv ...string) record.Snapshot[string, string] {
	s := record.Snapshot[string, string]{Seen: map[string]uint64{}}
	for i := 0; i+1 < len(kv); i += 2 {
		s.Entries = append(s.Entries, record.Entry[string, string]{
			Key:     kv[i],
			Value:   kv[i+1],
			Version: record.Version{Timestamp: 1, Origin: origin},
		})
	}

	return s
}

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return addr
}

func TestFrameLimit(t *testing.T) {
	m := &Message[string, string]{Kind: KindHello, Hello: &Hello{Origin: "a"}}
	frame, err := encodeFrame(m)
	require.NoError(t, err)

	got, err := readMessage[string, string](bytes.NewReader(frame), 1024)
	require.NoError(t, err)
	require.Equal(t, KindHello, got.Kind)
	require.Equal(t, "a", got.Hello.Origin)

	_, err = readMessage[string, string](bytes.NewReader(frame), 2)
	require.Error(t, err)
}

func TestReconciliationAndMutation(t *testing.T) {
	ra := &recorder{state: snapshotOf("a", "k1", "v1")}
	rb := &recorder{state: snapshotOf("b", "k2", "v2")}

	a := New[string, string](ra, Options{Origin: "a"})
	defer a.Close()
	require.NoError(t, a.Listen("127.0.0.1:0"))

	b := New[string, string](rb, Options{Origin: "b"})
	defer b.Close()
	require.NoError(t, b.Dial(context.Background(), a.Addr().String()))

	require.Eventually(t, func() bool {
		_, ma := ra.counts()
		_, mb := rb.counts()
		return ma == 1 && mb == 1
	}, waitFor, tick)

	sa, sb := ra.lastMerged(), rb.lastMerged()
	require.Equal(t, map[string]string{"k2": "v2"}, sa.Live())
	require.Equal(t, map[string]string{"k1": "v1"}, sb.Live())

	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)
	require.Equal(t, "b", a.Peers()[0].Origin)

	m := record.Mutation[string, string]{Origin: "b", Seq: 1, Key: "k3", Value: "v3", Timestamp: 2}
	require.NoError(t, b.BroadcastMutation(m, nil))

	require.Eventually(t, func() bool {
		n, _ := ra.counts()
		return n == 1
	}, waitFor, tick)

	ra.mutex.Lock()
	require.Equal(t, m, ra.mutations[0])
	ra.mutex.Unlock()

	require.Eventually(t, func() bool {
		p := b.Peers()
		return len(p) == 1 && p[0].LastAcked == 1
	}, waitFor, tick)
}

func TestForwardSkipsOrigin(t *testing.T) {
	ra, rb, rc := &recorder{}, &recorder{}, &recorder{}

	a := New[string, string](ra, Options{Origin: "a"})
	defer a.Close()
	require.NoError(t, a.Listen("127.0.0.1:0"))

	b := New[string, string](rb, Options{Origin: "b"})
	defer b.Close()
	require.NoError(t, b.Dial(context.Background(), a.Addr().String()))

	c := New[string, string](rc, Options{Origin: "c"})
	defer c.Close()
	require.NoError(t, c.Dial(context.Background(), a.Addr().String()))

	require.Eventually(t, func() bool { return len(a.Peers()) == 2 }, waitFor, tick)

	m := record.Mutation[string, string]{Origin: "b", Seq: 1, Key: "k", Value: "v", Timestamp: 1}
	require.NoError(t, a.BroadcastMutation(m, nil))

	require.Eventually(t, func() bool {
		n, _ := rc.counts()
		return n == 1
	}, waitFor, tick)

	require.Never(t, func() bool {
		n, _ := rb.counts()
		return n > 0
	}, 200*time.Millisecond, tick)
}

func TestJoinRoles(t *testing.T) {
	addr := freeAddr(t)

	a := New[string, string](&recorder{}, Options{DialTimeout: time.Second})
	defer a.Close()
	role, err := a.Join(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, RoleServer, role)

	b := New[string, string](&recorder{}, Options{DialTimeout: time.Second})
	defer b.Close()
	role, err = b.Join(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, RoleClient, role)

	require.NotEqual(t, a.Origin(), b.Origin())
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)
}

func TestClientReconnects(t *testing.T) {
	addr := freeAddr(t)

	a := New[string, string](&recorder{}, Options{Origin: "a"})
	require.NoError(t, a.Listen(addr))

	rb := &recorder{}
	b := New[string, string](rb, Options{Origin: "b"})
	defer b.Close()
	require.NoError(t, b.Dial(context.Background(), addr))

	require.Eventually(t, func() bool { return len(b.Peers()) == 1 }, waitFor, tick)
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(b.Peers()) == 0 }, waitFor, tick)

	ra := &recorder{}
	a = New[string, string](ra, Options{Origin: "a"})
	defer a.Close()
	require.NoError(t, a.Listen(addr))

	require.Eventually(t, func() bool {
		_, n := ra.counts()
		return n == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		_, n := rb.counts()
		return n == 2
	}, waitFor, tick)
}

func TestCloseTwice(t *testing.T) {
	a := New[string, string](&recorder{}, Options{})
	require.NoError(t, a.Listen("127.0.0.1:0"))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.Error(t, a.Listen("127.0.0.1:0"))
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mapping

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/asch/syncobj/internal/codec"
	"github.com/asch/syncobj/internal/errs"
	"github.com/asch/syncobj/internal/record"
	"github.com/asch/syncobj/internal/store"
)

// Medium which holds nothing and refuses every write.
type brokenMedium struct{}

func (brokenMedium) Load() ([]byte, error) { return nil, os.ErrNotExist }
func (brokenMedium) Replace([]byte) error  { return errors.New("disk full") }
func (brokenMedium) Name() string          { return "broken" }

// Medium kept in memory counting its replacements.
type countingMedium struct {
	mutex    sync.Mutex
	data     []byte
	replaced int
}

func (c *countingMedium) Load() ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.data == nil {
		return nil, os.ErrNotExist
	}

	return c.data, nil
}

func (c *countingMedium) Replace(data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = data
	c.replaced++

	return nil
}

func (c *countingMedium) Name() string { return "counting" }

func (c *countingMedium) writes() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.replaced
}

func openLocal[V any](t *testing.T, o Options[string, V]) *Map[string, V] {
	m, err := Open(o)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func TestLocalMatchesPlainMap(t *testing.T) {
	m := openLocal(t, Options[string, int]{})
	model := make(map[string]int)
	rnd := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("k%d", rnd.Intn(50))

		if rnd.Intn(3) == 0 {
			err := m.Delete(key)
			if _, ok := model[key]; ok {
				require.NoError(t, err)
				delete(model, key)
			} else {
				require.True(t, errors.Is(err, errs.ErrNotFound))
			}
			continue
		}

		require.NoError(t, m.Set(key, i))
		model[key] = i
	}

	require.Equal(t, model, m.Snapshot())
	require.Equal(t, len(model), m.Len())
	require.ElementsMatch(t, keysOf(model), m.Keys())

	for k, v := range model {
		require.True(t, m.Contains(k))
		got, err := m.Get(k)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func keysOf(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	return keys
}

func TestIterationIsCopy(t *testing.T) {
	m := openLocal(t, Options[string, int]{})
	require.NoError(t, m.Set("a", 1))
	require.NoError(t, m.Set("b", 2))

	seq := m.All()
	seen := make(map[string]int)
	for k, v := range seq {
		if len(seen) == 0 {
			require.NoError(t, m.Set("c", 3))
			require.NoError(t, m.Delete("a"))
		}
		seen[k] = v
	}
	require.Equal(t, map[string]int{"a": 1, "b": 2}, seen)

	seen = make(map[string]int)
	for k, v := range seq {
		seen[k] = v
	}
	require.Equal(t, map[string]int{"b": 2, "c": 3}, seen)
}

func TestGetDefault(t *testing.T) {
	def := "none"
	m := openLocal(t, Options[string, string]{Default: &def})

	v, err := m.Get("absent")
	require.NoError(t, err)
	require.Equal(t, "none", v)
	require.False(t, m.Contains("absent"))

	plain := openLocal(t, Options[string, string]{})
	_, err = plain.Get("absent")
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestUpdate(t *testing.T) {
	m := openLocal(t, Options[string, int]{})

	incr := func(old int, ok bool) (int, bool, error) { return old + 1, false, nil }
	require.NoError(t, m.Update("n", incr))
	require.NoError(t, m.Update("n", incr))

	v, err := m.Get("n")
	require.NoError(t, err)
	require.Equal(t, 2, v)

	boom := errors.New("boom")
	err = m.Update("n", func(int, bool) (int, bool, error) { return 100, false, boom })
	require.True(t, errors.Is(err, boom))
	v, _ = m.Get("n")
	require.Equal(t, 2, v)

	remove := func(int, bool) (int, bool, error) { return 0, true, nil }
	require.NoError(t, m.Update("n", remove))
	require.False(t, m.Contains("n"))
	require.NoError(t, m.Update("n", remove))
}

func TestUpdatePanicReleasesLock(t *testing.T) {
	m := openLocal(t, Options[string, int]{})

	require.Panics(t, func() {
		m.Update("n", func(int, bool) (int, bool, error) { panic("boom") })
	})

	require.NoError(t, m.Set("n", 1))
	require.Equal(t, 1, m.GetOr("n", 0))
}

func TestPopGetOr(t *testing.T) {
	m := openLocal(t, Options[string, int]{})
	require.NoError(t, m.Set("a", 1))

	v, err := m.Pop("a")
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.False(t, m.Contains("a"))

	_, err = m.Pop("a")
	require.True(t, errors.Is(err, errs.ErrNotFound))
	require.True(t, errors.Is(m.Delete("a"), errs.ErrNotFound))

	require.Equal(t, 7, m.GetOr("a", 7))
	require.NoError(t, m.Set("a", 2))
	require.Equal(t, 2, m.GetOr("a", 7))
}

func TestBatchesPersistOnce(t *testing.T) {
	medium := &countingMedium{}
	s, err := store.Open[string, int](medium, nil, store.Options{})
	require.NoError(t, err)

	m, err := Open(Options[string, int]{Store: s, SyncFlush: true})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SetMany(map[string]int{"a": 1, "b": 2, "c": 3}))
	require.Equal(t, 1, medium.writes())
	require.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, m.Snapshot())

	require.NoError(t, m.Clear())
	require.Equal(t, 2, medium.writes())
	require.Zero(t, m.Len())

	// Nothing to remove, nothing to persist.
	require.NoError(t, m.Clear())
	require.NoError(t, m.SetMany(nil))
	require.Equal(t, 2, medium.writes())

	require.NoError(t, m.Set("d", 4))
	require.Equal(t, 3, medium.writes())
}

func TestClosed(t *testing.T) {
	m, err := Open(Options[string, int]{})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	require.True(t, errors.Is(m.Set("a", 1), errs.ErrClosed))
	require.True(t, errors.Is(m.Delete("a"), errs.ErrClosed))
	require.True(t, errors.Is(m.Clear(), errs.ErrClosed))
	require.True(t, errors.Is(m.SetMany(map[string]int{"a": 1}), errs.ErrClosed))
}

func TestApplyIdempotent(t *testing.T) {
	m := openLocal(t, Options[string, string]{})

	mut := record.Mutation[string, string]{Origin: "peer", Seq: 1, Key: "k", Value: "v1", Timestamp: 10}
	m.Apply(nil, mut)
	before := m.Snapshot()

	m.Apply(nil, mut)
	require.Equal(t, before, m.Snapshot())

	// Same sequence number again, even with other content, is a replay.
	replay := mut
	replay.Value = "v2"
	replay.Timestamp = 20
	m.Apply(nil, replay)
	require.Equal(t, before, m.Snapshot())
}

func TestConflictResolutionOrderIndependent(t *testing.T) {
	older := record.Mutation[string, string]{Origin: "a", Seq: 1, Key: "k", Value: "va", Timestamp: 100}
	newer := record.Mutation[string, string]{Origin: "b", Seq: 1, Key: "k", Value: "vb", Timestamp: 200}
	tie := record.Mutation[string, string]{Origin: "c", Seq: 1, Key: "k", Value: "vc", Timestamp: 200}
	del := record.Mutation[string, string]{Origin: "d", Seq: 1, Key: "k", Tombstone: true, Timestamp: 150}

	orders := [][]record.Mutation[string, string]{
		{older, newer, tie, del},
		{tie, del, newer, older},
		{del, tie, older, newer},
	}

	for _, order := range orders {
		m := openLocal(t, Options[string, string]{})
		for _, mut := range order {
			m.Apply(nil, mut)
		}

		v, err := m.Get("k")
		require.NoError(t, err)
		require.Equal(t, "vc", v)
	}

	// Deletion newer than the write wins.
	m := openLocal(t, Options[string, string]{})
	late := del
	late.Timestamp = 300
	m.Apply(nil, newer)
	m.Apply(nil, late)
	require.False(t, m.Contains("k"))
}

func TestLocalWriteWinsOverObserved(t *testing.T) {
	m := openLocal(t, Options[string, string]{})

	// Remote clock far in the future.
	m.Apply(nil, record.Mutation[string, string]{Origin: "peer", Seq: 1, Key: "k", Value: "remote", Timestamp: 1 << 62})
	require.NoError(t, m.Set("k", "local"))

	v, err := m.Get("k")
	require.NoError(t, err)
	require.Equal(t, "local", v)
}

func TestDurableRoundTrip(t *testing.T) {
	for _, syncFlush := range []bool{false, true} {
		t.Run(fmt.Sprintf("sync=%v", syncFlush), func(t *testing.T) {
			medium := &store.FileMedium{Path: filepath.Join(t.TempDir(), "map.bin")}
			zstd, err := codec.Zstd(19)
			require.NoError(t, err)

			s, err := store.Open[string, string](medium, map[string]string{"/": "root"}, store.Options{Compressor: zstd})
			require.NoError(t, err)

			m, err := Open(Options[string, string]{Store: s, SyncFlush: syncFlush})
			require.NoError(t, err)
			require.NoError(t, m.Set("k1", "v1"))
			require.NoError(t, m.Set("k2", "v2"))
			require.NoError(t, m.Delete("k2"))
			require.True(t, errors.Is(s.Set("x", "y"), errs.ErrNotPermitted))
			require.NoError(t, m.Close())

			s, err = store.Open[string, string](medium, nil, store.Options{Compressor: zstd})
			require.NoError(t, err)

			m, err = Open(Options[string, string]{Store: s})
			require.NoError(t, err)
			defer m.Close()

			require.Equal(t, map[string]string{"/": "root", "k1": "v1"}, m.Snapshot())
		})
	}
}

func TestPersistenceFailureKeepsMutation(t *testing.T) {
	s, err := store.Open[string, string](brokenMedium{}, nil, store.Options{})
	require.NoError(t, err)

	m, err := Open(Options[string, string]{Store: s, SyncFlush: true})
	require.NoError(t, err)

	err = m.Set("k", "v")
	require.True(t, errors.Is(err, errs.ErrPersistence))

	v, err := m.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	require.True(t, errors.Is(m.Close(), errs.ErrPersistence))
}

func TestAsyncFlushFailureSurfaces(t *testing.T) {
	s, err := store.Open[string, string](brokenMedium{}, nil, store.Options{})
	require.NoError(t, err)

	m, err := Open(Options[string, string]{Store: s})
	require.NoError(t, err)

	require.NoError(t, m.Set("k", "v"))
	require.True(t, m.Contains("k"))
	require.True(t, errors.Is(m.Flush(), errs.ErrPersistence))
	require.True(t, errors.Is(m.Close(), errs.ErrPersistence))
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package seq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterMonotonic(t *testing.T) {
	var c Counter
	require.Equal(t, uint64(0), c.Current())
	require.Equal(t, uint64(1), c.Next())
	require.Equal(t, uint64(2), c.Next())

	c.Raise(10)
	require.Equal(t, uint64(10), c.Current())
	c.Raise(3)
	require.Equal(t, uint64(10), c.Current())
	require.Equal(t, uint64(11), c.Next())
}

func TestCounterConcurrentUnique(t *testing.T) {
	var (
		c    Counter
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]struct{})
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := c.Next()
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 800)
	require.Equal(t, uint64(800), c.Current())
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package seq provides synchronized monotonic counters. They are used for
// per-origin mutation sequence numbers and for flush generations, where a
// value handed out once must never be handed out again.
package seq

import (
	"sync"
)

// Counter is a monotonic counter. The zero value is ready to use and its
// first Next() returns 1, so 0 can mean "nothing yet".
type Counter struct {
	mutex sync.Mutex
	value uint64
}

// Returns the last value handed out by Next(), or the value set by
// Raise().
func (c *Counter) Current() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.value
}

// Increments the counter and returns the new value.
func (c *Counter) Next() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.value++

	return c.value
}

// Raises the counter to v if it is lower. It never moves backwards, hence
// it can be fed with values restored from a checkpoint or observed from a
// peer.
func (c *Counter) Raise(v uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if v > c.value {
		c.value = v
	}
}

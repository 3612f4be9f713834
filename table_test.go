// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionTableBasics(t *testing.T) {
	table := newSessionTable(1, 2)
	a := &Session{key: "10.0.0.1:19132"}
	b := &Session{key: "10.0.0.2:19132"}

	require.Nil(t, table.Get(a.key))

	_, inserted := table.InsertIfAbsent(a.key, a)
	require.True(t, inserted)
	require.Same(t, a, table.Get(a.key))
	require.Equal(t, 1, table.Len())

	// A second insert for the same peer loses and returns the resident.
	resident, inserted := table.InsertIfAbsent(a.key, b)
	require.False(t, inserted)
	require.Same(t, a, resident)

	require.True(t, table.Remove(a.key, a))
	require.Nil(t, table.Get(a.key))
	require.False(t, table.Remove(a.key, a))
}

func TestSessionTableRemoveChecksIdentity(t *testing.T) {
	table := newSessionTable(1, 2)
	old := &Session{key: "10.0.0.1:19132"}
	replacement := &Session{key: "10.0.0.1:19132"}

	table.InsertIfAbsent(old.key, old)
	require.Same(t, old, table.Replace(old.key, replacement))

	// A stale remove aimed at the old incarnation must not take out the
	// replacement.
	require.False(t, table.Remove(old.key, old))
	require.Same(t, replacement, table.Get(old.key))
}

func TestSessionTableInsertIfAbsentIsAtomic(t *testing.T) {
	table := newSessionTable(7, 8)
	const peers = 32
	const racers = 8

	var wins uint64
	var wg sync.WaitGroup
	for p := 0; p < peers; p++ {
		key := fmt.Sprintf("10.0.0.%d:19132", p)
		for r := 0; r < racers; r++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				if _, inserted := table.InsertIfAbsent(key, &Session{key: key}); inserted {
					atomic.AddUint64(&wins, 1)
				}
			}(key)
		}
	}
	wg.Wait()

	// Exactly one winner per peer: at most one session per address.
	require.EqualValues(t, peers, wins)
	require.Equal(t, peers, table.Len())
	require.Len(t, table.Snapshot(), peers)
}

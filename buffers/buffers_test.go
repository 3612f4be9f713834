// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testPacket(b byte) Packet {
	return Packet{
		Data: []byte{b},
		Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(b)},
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewSyncPacketQueue(4)
	for i := byte(0); i < 4; i++ {
		require.True(t, q.TryAppend(testPacket(i)))
	}
	require.Equal(t, 4, q.Len())

	// Full queue refuses without blocking.
	require.False(t, q.TryAppend(testPacket(9)))

	for i := byte(0); i < 4; i++ {
		p, ok := q.TryConsume()
		require.True(t, ok)
		require.Equal(t, []byte{i}, p.Data)
	}
	_, ok := q.TryConsume()
	require.False(t, ok)
}

func TestQueueConsumeBlocksUntilAppend(t *testing.T) {
	q := NewSyncPacketQueue(4)

	var group errgroup.Group
	group.Go(func() error {
		p, err := q.Consume(context.Background())
		if err != nil {
			return err
		}
		require.Equal(t, []byte{7}, p.Data)
		return nil
	})

	time.Sleep(10 * time.Millisecond)
	require.True(t, q.TryAppend(testPacket(7)))
	require.NoError(t, group.Wait())
}

func TestQueueConsumeHonorsContext(t *testing.T) {
	q := NewSyncPacketQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Consume(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClose(t *testing.T) {
	q := NewSyncPacketQueue(4)
	require.True(t, q.TryAppend(testPacket(1)))
	q.Close()

	// No appends after close; the queued packet still drains.
	require.False(t, q.TryAppend(testPacket(2)))
	p, err := q.Consume(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{1}, p.Data)

	_, err = q.Consume(context.Background())
	require.ErrorIs(t, err, ErrIsClosed)
}

func TestQueueCloseWakesConsumers(t *testing.T) {
	q := NewSyncPacketQueue(4)

	var group errgroup.Group
	for i := 0; i < 3; i++ {
		group.Go(func() error {
			_, err := q.Consume(context.Background())
			if err != ErrIsClosed {
				return err
			}
			return nil
		})
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	require.NoError(t, group.Wait())
}

func TestQueueManyProducersManyConsumers(t *testing.T) {
	const total = 1000
	q := NewSyncPacketQueue(64)

	consumed := make(chan Packet, total)
	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 4; i++ {
		group.Go(func() error {
			for {
				p, err := q.Consume(ctx)
				if err != nil {
					if err == ErrIsClosed {
						return nil
					}
					return err
				}
				consumed <- p
			}
		})
	}

	var producers errgroup.Group
	for i := 0; i < 4; i++ {
		producers.Go(func() error {
			for n := 0; n < total/4; n++ {
				for !q.TryAppend(testPacket(byte(n))) {
					time.Sleep(time.Millisecond)
				}
			}
			return nil
		})
	}
	require.NoError(t, producers.Wait())

	for i := 0; i < total; i++ {
		select {
		case <-consumed:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d packets consumed", i, total)
		}
	}
	q.Close()
	require.NoError(t, group.Wait())
}

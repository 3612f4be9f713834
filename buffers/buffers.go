// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package buffers provides the bounded queue sitting between the UDP
// reader goroutine and the receive worker pool. The reader must never
// block on slow workers; when the queue is full, packets are dropped at
// the door and counted by the caller.
package buffers

import (
	"context"
	"errors"
	"net"
	"sync"
)

// ErrIsClosed is returned from blocking operations after Close.
var ErrIsClosed = errors.New("packet queue is closed")

// Packet is one received UDP payload together with its source address.
type Packet struct {
	Data []byte
	Addr *net.UDPAddr
}

// SyncPacketQueue is a fixed-capacity FIFO of packets. TryAppend never
// blocks; Consume blocks until a packet arrives, the context is canceled,
// or the queue is closed. Any number of producers and consumers may use
// the queue concurrently.
type SyncPacketQueue struct {
	lock    sync.Mutex
	packets []Packet

	readWaiters []chan struct{}

	start  int
	count  int
	closed bool
}

// NewSyncPacketQueue returns a queue holding at most size packets.
func NewSyncPacketQueue(size int) *SyncPacketQueue {
	return &SyncPacketQueue{
		packets: make([]Packet, size),
	}
}

// TryAppend enqueues p if there is room, reporting whether it was
// accepted. It never blocks; a full or closed queue refuses the packet.
func (q *SyncPacketQueue) TryAppend(p Packet) (ok bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed || q.count == len(q.packets) {
		return false
	}
	q.packets[(q.start+q.count)%len(q.packets)] = p
	q.count++

	if len(q.readWaiters) > 0 {
		rw := q.readWaiters[0]
		q.readWaiters = q.readWaiters[1:]
		rw <- struct{}{}
		close(rw)
	}
	return true
}

// TryConsume dequeues the oldest packet, reporting whether one was
// available.
func (q *SyncPacketQueue) TryConsume() (p Packet, ok bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.count == 0 {
		return Packet{}, false
	}
	p = q.packets[q.start]
	q.packets[q.start] = Packet{}
	q.start = (q.start + 1) % len(q.packets)
	q.count--
	return p, true
}

// Consume dequeues the oldest packet, blocking until one is available,
// ctx is done, or the queue is closed and drained.
func (q *SyncPacketQueue) Consume(ctx context.Context) (Packet, error) {
	for {
		if p, ok := q.TryConsume(); ok {
			return p, nil
		}
		waitChan, cancelWait, err := q.waitForPacketChan()
		if err != nil {
			return Packet{}, err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return Packet{}, ctx.Err()
		case _, ok := <-waitChan:
			if !ok {
				return Packet{}, ErrIsClosed
			}
		}
	}
}

func (q *SyncPacketQueue) waitForPacketChan() (c <-chan struct{}, cancelWait func(), err error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed && q.count == 0 {
		return nil, nil, ErrIsClosed
	}
	rw := make(chan struct{}, 1)
	if q.count > 0 {
		rw <- struct{}{}
		close(rw)
		return rw, func() {}, nil
	}
	q.readWaiters = append(q.readWaiters, rw)
	return rw, func() { q.cancelReadWait(rw) }, nil
}

func (q *SyncPacketQueue) cancelReadWait(waitChan <-chan struct{}) {
	q.lock.Lock()
	defer q.lock.Unlock()

	for i, rw := range q.readWaiters {
		if rw == waitChan {
			q.readWaiters = append(q.readWaiters[:i], q.readWaiters[i+1:]...)
			return
		}
	}
}

// Close rejects further appends and wakes any parked consumer. Packets
// already queued can still be drained with TryConsume.
func (q *SyncPacketQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.closed = true
	for _, rw := range q.readWaiters {
		close(rw)
	}
	q.readWaiters = nil
}

// Len returns the number of queued packets.
func (q *SyncPacketQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.count
}

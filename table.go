// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"sync"

	"github.com/dchest/siphash"
)

const tableShards = 32 // power of two

// sessionTable maps peer addresses (string form) to sessions. It is
// sharded so that receive workers touching different peers rarely contend
// and never wait on the cleaner for longer than one shard scan. The shard
// hash is keyed per process so that peers cannot aim for one bucket with
// spoofed source addresses.
type sessionTable struct {
	k0, k1 uint64
	shards [tableShards]tableShard
}

type tableShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionTable(k0, k1 uint64) *sessionTable {
	t := &sessionTable{k0: k0, k1: k1}
	for i := range t.shards {
		t.shards[i].sessions = make(map[string]*Session)
	}
	return t
}

func (t *sessionTable) shard(key string) *tableShard {
	h := siphash.Hash(t.k0, t.k1, []byte(key))
	return &t.shards[h&(tableShards-1)]
}

// Get returns the session for key, or nil.
func (t *sessionTable) Get(key string) *Session {
	s := t.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[key]
}

// InsertIfAbsent stores sess under key unless a session is already there,
// returning the resident session and whether the insert happened.
func (t *sessionTable) InsertIfAbsent(key string, sess *Session) (*Session, bool) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[key]; ok {
		return existing, false
	}
	s.sessions[key] = sess
	return sess, true
}

// Replace stores sess under key unconditionally, returning the displaced
// session if any.
func (t *sessionTable) Replace(key string, sess *Session) *Session {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.sessions[key]
	s.sessions[key] = sess
	return old
}

// Remove deletes key if it currently maps to sess, reporting whether it
// did. The identity check keeps a stale cleaner pass from removing a
// replacement session that reused the address.
func (t *sessionTable) Remove(key string, sess *Session) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[key] != sess {
		return false
	}
	delete(s.sessions, key)
	return true
}

// Snapshot returns all sessions at roughly one moment, shard by shard.
func (t *sessionTable) Snapshot() []*Session {
	var out []*Session
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, sess := range s.sessions {
			out = append(out, sess)
		}
		s.mu.RUnlock()
	}
	return out
}

// Len returns the number of live sessions.
func (t *sessionTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.sessions)
		s.mu.RUnlock()
	}
	return n
}

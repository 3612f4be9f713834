// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"encoding/hex"
	"net"

	"github.com/go-logr/logr"
)

// packetTracer implements the TracePackets config: verbosity 0 is off,
// 1 logs id and size, 2 adds a hex dump. Exclude wins over Include; an
// empty Include matches every id.
type packetTracer struct {
	verbosity int
	include   map[int]bool
	exclude   map[int]bool
	logger    logr.Logger
}

func newPacketTracer(cfg TraceConfig, logger logr.Logger) *packetTracer {
	t := &packetTracer{
		verbosity: cfg.Verbosity,
		logger:    logger.WithName("trace"),
	}
	if len(cfg.Include) > 0 {
		t.include = make(map[int]bool, len(cfg.Include))
		for _, id := range cfg.Include {
			t.include[id] = true
		}
	}
	if len(cfg.Exclude) > 0 {
		t.exclude = make(map[int]bool, len(cfg.Exclude))
		for _, id := range cfg.Exclude {
			t.exclude[id] = true
		}
	}
	return t
}

func (t *packetTracer) wants(id byte) bool {
	if t.verbosity <= 0 {
		return false
	}
	if t.exclude[int(id)] {
		return false
	}
	return t.include == nil || t.include[int(id)]
}

func (t *packetTracer) trace(dir string, id byte, data []byte, addr *net.UDPAddr) {
	if !t.wants(id) {
		return
	}
	if t.verbosity >= 2 {
		t.logger.Info(dir, "id", id, "size", len(data), "peer", addr.String(),
			"dump", hex.EncodeToString(data))
		return
	}
	t.logger.Info(dir, "id", id, "size", len(data), "peer", addr.String())
}

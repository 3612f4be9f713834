// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 29132
max-players: 64
trace-packets:
  include: [64, 65]
  verbosity: 1
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.IP)
	require.Equal(t, 29132, cfg.Port)
	require.Equal(t, 64, cfg.MaxPlayers)
	// Unset, falls back to max players.
	require.Equal(t, 64, cfg.MaxConcurrentConnects)
	require.Equal(t, 8500, cfg.InactivityTimeout)
	require.Equal(t, []int{64, 65}, cfg.TracePackets.Include)
	require.Equal(t, 1, cfg.TracePackets.Verbosity)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a number"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestPacketTracerFiltering(t *testing.T) {
	tr := newPacketTracer(TraceConfig{Verbosity: 1, Include: []int{0x40}, Exclude: []int{0x41}}, logr.Discard())
	require.True(t, tr.wants(0x40))
	require.False(t, tr.wants(0x41))
	require.False(t, tr.wants(0x42))

	// Exclude wins even when the id is included.
	tr = newPacketTracer(TraceConfig{Verbosity: 2, Include: []int{0x41}, Exclude: []int{0x41}}, logr.Discard())
	require.False(t, tr.wants(0x41))

	// Empty include matches everything; verbosity zero disables.
	tr = newPacketTracer(TraceConfig{Verbosity: 1}, logr.Discard())
	require.True(t, tr.wants(0x99))
	tr = newPacketTracer(TraceConfig{}, logr.Discard())
	require.False(t, tr.wants(0x99))
}

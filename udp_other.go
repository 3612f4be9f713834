// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !linux && !darwin
// +build !linux,!darwin

package raknet

// No socket-level don't-fragment support on this platform; oversized
// datagrams may get fragmented by the IP layer instead of dropped.
func systemSetupUDPSocket(srv *Server) error {
	return nil
}

// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func systemSetupUDPSocket(srv *Server) error {
	sc, err := srv.conn.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		// Enable path mtu discovery, which (at least for non-SOCK_STREAM
		// sockets) forces the don't-fragment flag on for all outgoing
		// packets. A datagram exceeding the negotiated MTU should be
		// dropped by the network, not silently fragmented.
		err = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MTU_DISCOVER, syscall.IP_PMTUDISC_DO)
		if err != nil {
			// not sure why this would happen, but we can carry on without it
			srv.logger.Error(err, "could not set IP_MTU_DISCOVER option on UDP socket")
		}

		// Grow the kernel receive buffer; a burst from a few hundred
		// peers overruns the default long before the worker pool is the
		// bottleneck.
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
		if err != nil {
			srv.logger.Error(err, "could not grow SO_RCVBUF on UDP socket")
		}
	})
	if callErr != nil {
		return callErr
	}
	return nil
}

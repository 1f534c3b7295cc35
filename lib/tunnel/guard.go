// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var ErrForbiddenTarget = errors.New("target address not allowed")

// RFC 6598 carrier grade NAT space, not covered by net.IP.IsPrivate.
var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// PublicTarget reports whether ip may be reached on behalf of a peer:
// anything but loopback, unspecified, private, shared, link local and
// multicast addresses.
func PublicTarget(ip net.IP) bool {
	switch {
	case ip.IsLoopback(), ip.IsUnspecified(), ip.IsPrivate():
		return false
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(), ip.IsInterfaceLocalMulticast(), ip.IsMulticast():
		return false
	case sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}

// checkTarget resolves host and fails with ErrForbiddenTarget when any of
// its addresses is not allowed.
func (s *Server) checkTarget(ctx context.Context, host string) error {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return s.checkIP(ip)
	}
	addrs, err := s.opts.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := s.checkIP(addr.IP); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) checkIP(ip net.IP) error {
	if !s.opts.AllowTarget(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenTarget, ip)
	}
	return nil
}

// control rejects connections to disallowed addresses at dial time, after
// name resolution, so a name cannot change its answer between the check
// and the dial.
func (s *Server) control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: %s", ErrForbiddenTarget, address)
	}
	return s.checkIP(ip)
}

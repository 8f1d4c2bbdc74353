package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_can-tunnel._tcp"

type gatewayEntry struct {
	instance string
	addr     string
	txt      []string
}

var errNoGateway = errors.New("no gateway found via mDNS")

// discover returns the first gateway that answers within timeout.
func discover(ctx context.Context, timeout time.Duration) (gatewayEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return gatewayEntry{}, fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return gatewayEntry{}, fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return gatewayEntry{}, errNoGateway
			}
			if gw, ok := entryAddr(e); ok {
				return gw, nil
			}
		case <-ctx.Done():
			return gatewayEntry{}, errNoGateway
		}
	}
}

// entryAddr prefers IPv4; IPv6 link-local answers are skipped.
func entryAddr(e *zeroconf.ServiceEntry) (gatewayEntry, bool) {
	if e == nil || e.Port == 0 {
		return gatewayEntry{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0 && !e.AddrIPv6[0].IsLinkLocalUnicast():
		ip = e.AddrIPv6[0]
	default:
		return gatewayEntry{}, false
	}
	return gatewayEntry{
		instance: e.Instance,
		addr:     net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
		txt:      e.Text,
	}, true
}

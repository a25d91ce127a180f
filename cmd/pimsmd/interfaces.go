package main

import (
	"fmt"
	"net"
	"net/netip"
)

type interfaceInfo struct {
	primary netip.Addr
	subnets []netip.Prefix
}

// netInterfaceByName resolves an OS interface to its primary IPv4 address
// and on-link subnets.
func netInterfaceByName(name string) (*interfaceInfo, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("unknown interface: %w", err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("failed to read addresses: %w", err)
	}
	info := &interfaceInfo{}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.To4() == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipn.IP.To4())
		if !ok {
			continue
		}
		ones, _ := ipn.Mask.Size()
		prefix := netip.PrefixFrom(addr, ones).Masked()
		if !info.primary.IsValid() {
			info.primary = addr
		}
		info.subnets = append(info.subnets, prefix)
	}
	if !info.primary.IsValid() {
		return nil, fmt.Errorf("no usable IPv4 address on %s", name)
	}
	return info, nil
}

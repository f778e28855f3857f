// Package netutil resolves the local address LAN devices can reach. A
// proxied stream URL is useless to a render device unless it points at an
// address routable from the device's segment.
package netutil

import (
	"net"

	"github.com/pkg/errors"
)

// ErrNoAddress is returned when no interface carries a usable LAN address.
var ErrNoAddress = errors.New("no routable local address found")

type ifaceAddrs struct {
	name  string
	flags net.Flags
	addrs []net.Addr
}

// ResolveLocalAddress returns the IPv4 address other LAN hosts would use to
// reach this machine. Loopback and link-local-only interfaces are skipped.
// When preferredInterface is non-empty only that interface is considered.
func ResolveLocalAddress(preferredInterface string) (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "listing network interfaces")
	}

	candidates := make([]ifaceAddrs, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		candidates = append(candidates, ifaceAddrs{
			name:  iface.Name,
			flags: iface.Flags,
			addrs: addrs,
		})
	}

	return resolveFrom(candidates, preferredInterface)
}

func resolveFrom(ifaces []ifaceAddrs, preferred string) (net.IP, error) {
	for _, iface := range ifaces {
		if preferred != "" && iface.name != preferred {
			continue
		}
		if iface.flags&net.FlagUp == 0 || iface.flags&net.FlagLoopback != 0 {
			continue
		}
		if ip := firstRoutable(iface.addrs); ip != nil {
			return ip, nil
		}
	}
	return nil, ErrNoAddress
}

func firstRoutable(addrs []net.Addr) net.IP {
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		return ip
	}
	return nil
}

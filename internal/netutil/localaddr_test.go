package netutil

import (
	"errors"
	"net"
	"testing"
)

func cidr(t *testing.T, s string) net.Addr {
	t.Helper()
	ip, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	ipNet.IP = ip
	return ipNet
}

func TestResolveFromSkipsLoopbackAndLinkLocal(t *testing.T) {
	ifaces := []ifaceAddrs{
		{name: "lo", flags: net.FlagUp | net.FlagLoopback, addrs: []net.Addr{cidr(t, "127.0.0.1/8")}},
		{name: "wlan0", flags: net.FlagUp, addrs: []net.Addr{
			cidr(t, "169.254.10.2/16"),
			cidr(t, "192.168.1.23/24"),
		}},
	}

	ip, err := resolveFrom(ifaces, "")
	if err != nil {
		t.Fatalf("resolveFrom: %v", err)
	}
	if got := ip.String(); got != "192.168.1.23" {
		t.Fatalf("resolved %s, want 192.168.1.23", got)
	}
}

func TestResolveFromPrefersNamedInterface(t *testing.T) {
	ifaces := []ifaceAddrs{
		{name: "eth0", flags: net.FlagUp, addrs: []net.Addr{cidr(t, "10.0.0.5/24")}},
		{name: "wlan0", flags: net.FlagUp, addrs: []net.Addr{cidr(t, "192.168.1.23/24")}},
	}

	ip, err := resolveFrom(ifaces, "wlan0")
	if err != nil {
		t.Fatalf("resolveFrom: %v", err)
	}
	if got := ip.String(); got != "192.168.1.23" {
		t.Fatalf("resolved %s, want 192.168.1.23", got)
	}
}

func TestResolveFromIgnoresDownInterfaces(t *testing.T) {
	ifaces := []ifaceAddrs{
		{name: "eth0", flags: 0, addrs: []net.Addr{cidr(t, "10.0.0.5/24")}},
	}

	if _, err := resolveFrom(ifaces, ""); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("err = %v, want ErrNoAddress", err)
	}
}

func TestResolveFromSkipsIPv6Only(t *testing.T) {
	ifaces := []ifaceAddrs{
		{name: "eth0", flags: net.FlagUp, addrs: []net.Addr{cidr(t, "fd00::1/64")}},
	}

	if _, err := resolveFrom(ifaces, ""); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("err = %v, want ErrNoAddress", err)
	}
}

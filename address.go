package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Address is a tagged network-address value holding either an IPv4 or an
// IPv6 endpoint. It mirrors NetAddress from original_source/src/net_address.h:
// callers never need to branch on family to get a printable IP, a port, or a
// raw sockaddr to pass to a syscall.
type Address struct {
	ip     net.IP
	port   uint16
	isIPv6 bool
}

// NewAddress builds a loopback-or-wildcard address on the given port, the
// Go equivalent of NetAddress(port, loop_back, use_ipv6).
func NewAddress(port uint16, loopback bool, ipv6 bool) Address {
	var ip net.IP
	switch {
	case ipv6 && loopback:
		ip = net.IPv6loopback
	case ipv6 && !loopback:
		ip = net.IPv6zero
	case !ipv6 && loopback:
		ip = net.IPv4(127, 0, 0, 1)
	default:
		ip = net.IPv4zero
	}
	return Address{ip: ip, port: port, isIPv6: ipv6}
}

// NewAddressFromIP parses ipStr and builds an Address on the given port,
// the equivalent of NetAddress(ip, port, use_ipv6).
func NewAddressFromIP(ipStr string, port uint16, ipv6 bool) (Address, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return Address{}, fmt.Errorf("reactor: invalid IP %q", ipStr)
	}
	if ipv6 {
		ip = ip.To16()
	} else {
		ip = ip.To4()
	}
	if ip == nil {
		return Address{}, fmt.Errorf("reactor: IP %q does not match requested family", ipStr)
	}
	return Address{ip: ip, port: port, isIPv6: ipv6}, nil
}

// addressFromSockaddr converts a raw sockaddr returned by accept(2)/
// getsockname(2)/getpeername(2) into an Address.
func addressFromSockaddr(sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3])
		return Address{ip: ip, port: uint16(v.Port), isIPv6: false}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return Address{ip: ip, port: uint16(v.Port), isIPv6: true}
	default:
		return Address{}
	}
}

// Family returns AF_INET or AF_INET6.
func (a Address) Family() int {
	if a.isIPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// IsIPv6 reports whether this address is an IPv6 endpoint.
func (a Address) IsIPv6() bool { return a.isIPv6 }

// IP returns the printable IP string.
func (a Address) IP() string {
	if a.ip == nil {
		return ""
	}
	return a.ip.String()
}

// Port returns the port number.
func (a Address) Port() uint16 { return a.port }

// String renders "ip:port", matching the common net.Addr convention so an
// Address can be logged or compared against net.JoinHostPort output.
func (a Address) String() string {
	return net.JoinHostPort(a.IP(), fmt.Sprintf("%d", a.port))
}

// sockaddr returns a raw sockaddr of the correct size for syscalls, the Go
// equivalent of NetAddress::GetNetAddress/GetSize.
func (a Address) sockaddr() unix.Sockaddr {
	if a.isIPv6 {
		sa := &unix.SockaddrInet6{Port: int(a.port)}
		copy(sa.Addr[:], a.ip.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(a.port)}
	copy(sa.Addr[:], a.ip.To4())
	return sa
}

// equalEndpoint reports whether a and b name the identical 4-tuple
// component (family + ip + port); used by the connector's self-connect
// detection (§4.9), which original_source/src/connector.cc implements by
// comparing the full sockaddr rather than just the port.
func (a Address) equalEndpoint(b Address) bool {
	return a.isIPv6 == b.isIPv6 && a.port == b.port && a.ip.Equal(b.ip)
}

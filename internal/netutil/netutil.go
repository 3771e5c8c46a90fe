// Package netutil finds the local machine's outbound IP address.
//
// Grounded on Pyro4.socketutil.getIpAddress(None, workaround127=None), which
// every node and the client call at startup (see configs.py's IP and
// server_interface.py's IP) to get an address other hosts on the LAN can
// reach it at, rather than trusting a loopback-bound hostname lookup.
package netutil

import (
	"fmt"
	"net"
)

// LocalIP opens a UDP "connection" to a public address (no packet is ever
// sent) purely to ask the kernel which local interface routes there, then
// reads that interface's address off the socket — the same trick
// getIpAddress uses under the hood to avoid guessing from /etc/hosts or
// picking a loopback interface.
func LocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("netutil: determining local IP: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("netutil: unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// AdvertiseAddr joins host and port the way every role's endpoint is
// rendered on the wire (see internal/chord.Node.Endpoint), falling back to
// LocalIP when host is empty.
func AdvertiseAddr(host, port string) (string, error) {
	if host == "" {
		ip, err := LocalIP()
		if err != nil {
			return "", err
		}
		host = ip
	}
	return net.JoinHostPort(host, port), nil
}

// Package netutil has small helpers for picking local listen addresses.
package netutil

import (
	"fmt"
	"net"
	"strconv"
)

// EphemeralTCPPort returns a TCP port on localhost that was free a moment ago.
func EphemeralTCPPort() (int, error) {
	l, err := ListenLocal()
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// EphemeralAddr is EphemeralTCPPort as a host:port listen address.
func EphemeralAddr() (string, error) {
	port, err := EphemeralTCPPort()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
}

// ListenLocal listens on an ephemeral localhost port.
func ListenLocal() (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening to acquire port: %w", err)
	}
	return l, nil
}

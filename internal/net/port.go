package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort returns a free TCP port on the given IP.
func GetEphemeralTCPPort(ip string) (int, error) {
	ports, err := GetEphemeralTCPPorts(ip, 1)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

// GetEphemeralTCPPorts returns n distinct free TCP ports on the given IP.
// The listeners are all held open until every port has been chosen, so the
// same port is never handed out twice.
func GetEphemeralTCPPorts(ip string, n int) ([]int, error) {
	ports := make([]int, 0, n)
	listeners := make([]*net.TCPListener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	for i := 0; i < n; i++ {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("resolving %s:0: %w", ip, err)
		}
		listener, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listening to acquire port: %w", err)
		}
		listeners = append(listeners, listener)
		ports = append(ports, listener.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

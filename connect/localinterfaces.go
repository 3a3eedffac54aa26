package connect

import "net"

var localNames = map[string]bool{
	"localhost": true,
	"0.0.0.0":   true,
	"::":        true,
	"":          true,
}

// LocalIPs returns the IP addresses bound to this host's interfaces.
func LocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			ips = append(ips, ipnet.IP.String())
		}
	}
	return ips
}

// IsLocalIP reports whether the given address refers to this host. Launching
// a tcp kernel bound to a non-local address is a configuration error: it
// would expose the kernel to the network.
func IsLocalIP(ip string) bool {
	if localNames[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed != nil && (parsed.IsLoopback() || parsed.IsUnspecified()) {
		return true
	}
	for _, local := range LocalIPs() {
		if ip == local {
			return true
		}
	}
	return false
}

package certs

import (
	"net"
)

// LANIPs returns the IPv4 addresses of interfaces that are up, excluding
// loopback.
func LANIPs() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

// Hosts returns the names a bridge certificate must cover: localhost plus
// the LAN addresses. The loopback names are returned even on error.
func Hosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}

	lan, err := LANIPs()
	if err != nil {
		return hosts, err
	}
	return append(hosts, lan...), nil
}

package server

import (
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"

	"github.com/dotside-studios/davi-pcsc-bridge/buildinfo"
)

// startMDNS registers the bridge as an mDNS service for auto-discovery
func (s *Server) startMDNS() error {
	port := s.config.Port
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, port, txtRecords(s.Scheme()), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	s.Logger.Printf("mDNS service registered: %s (%s) on port %d", MDNSServiceName, MDNSServiceType, port)
	return nil
}

func (s *Server) stopMDNS() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		s.Logger.Printf("mDNS service stopped")
	}
}

// txtRecords describes the service to discovering dashboards.
func txtRecords(scheme string) []string {
	return []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"scheme=" + scheme,
		"path=" + PathWebSocket,
		"health=" + PathHealth,
	}
}

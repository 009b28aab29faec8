package server

import "github.com/dotside-studios/davi-pcsc-bridge/buildinfo"

// mDNS service discovery constants
var (
	MDNSServiceType = "_pcsc-bridge._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// HTTP routes
const (
	PathWebSocket = "/ws"
	PathHealth    = "/api/v1/health"
	PathMetrics   = "/metrics"
	PathCACert    = "/ca.pem"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)

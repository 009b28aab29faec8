// Package buildinfo identifies the running bridge binary. Release builds
// stamp the version fields through the linker:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/davi-pcsc-bridge/buildinfo.Version=1.2.0 \
//	  -X github.com/dotside-studios/davi-pcsc-bridge/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/dotside-studios/davi-pcsc-bridge/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

const devVersion = "dev"

var (
	// Name is used for the binary, the health payload and download file names
	Name = "davi-pcsc-bridge"

	// DirName is the directory under the user config dir holding bridge.yaml
	// and the TLS material
	DirName = "davi-pcsc-bridge"

	// DisplayName appears in the tray, the mDNS instance name and the Server header
	DisplayName = "Davi PC/SC Bridge"

	Description = "Smart card reader supervisor with live WebSocket and MQTT status"

	// Stamped by release builds
	Version   = devVersion
	Commit    = ""
	BuildTime = ""
)

// FullVersion is the version with the short commit appended when known,
// e.g. "1.2.0 (abc1234)".
func FullVersion() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}

// UserAgent identifies the bridge in HTTP headers, e.g. "davi-pcsc-bridge/1.2.0".
func UserAgent() string {
	return Name + "/" + Version
}

// BuildInfo is the -version output.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&b, "  %s\n", Description)
	fmt.Fprintf(&b, "  Go: %s, %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&b, "\n  Built: %s", BuildTime)
	}
	return b.String()
}

// IsDev reports whether the binary was built without a release version.
func IsDev() bool {
	return Version == devVersion
}

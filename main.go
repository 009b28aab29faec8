// Package main runs the PC/SC bridge: it supervises the smart card reader
// subsystem, recovers it when it fails, and publishes reader and card state
// to WebSocket and MQTT observers.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fyne.io/systray"

	"github.com/dotside-studios/davi-pcsc-bridge/buildinfo"
	"github.com/dotside-studios/davi-pcsc-bridge/config"
	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
)

var (
	// CLI flags
	configFlag     string
	driverFlag     string
	devicePathFlag string
	portFlag       int
	apiSecretFlag  string
	tlsFlag        bool
	cliFlag        bool
	versionFlag    bool
)

// newDriver builds the hardware backend named by the config.
func newDriver(cfg config.Config) (nfc.Driver, error) {
	switch cfg.Driver {
	case config.DriverPCSC:
		return nfc.NewPCSCDriver(cfg.Device, nil), nil
	case config.DriverLibNFC:
		return nfc.NewLibNFCDriver(cfg.Device, nil), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// loadConfig reads the config file and applies flags the user set.
func loadConfig(fs *flag.FlagSet) (config.Config, error) {
	path := configFlag
	if path == "" {
		if p := config.DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if path != "" {
		log.Printf("Loaded config from %s", path)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			cfg.Driver = driverFlag
		case "device":
			cfg.Device = devicePathFlag
		case "port":
			cfg.Server.Port = portFlag
		case "api-secret":
			cfg.Server.APISecret = apiSecretFlag
		case "tls":
			cfg.Server.TLS = tlsFlag
		}
	})
	return cfg, cfg.Validate()
}

func main() {
	// Command line flags
	flag.StringVar(&configFlag, "config", "", "Path to a YAML config file (optional)")
	flag.StringVar(&driverFlag, "driver", config.DriverPCSC, "Reader backend: pcsc or libnfc")
	flag.StringVar(&devicePathFlag, "device", "", "Reader name filter (pcsc) or connection string (libnfc)")
	flag.IntVar(&portFlag, "port", config.DefaultPort, "Port to listen on for observers")
	flag.StringVar(&apiSecretFlag, "api-secret", "", "Secret required as ?secret= on the WebSocket (optional)")
	flag.BoolVar(&tlsFlag, "tls", false, "Serve wss:// with a locally trusted certificate")
	flag.BoolVar(&cliFlag, "cli", false, "Run in CLI mode (default: system tray mode)")
	flag.BoolVar(&versionFlag, "version", false, "Print version information and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	cfg, err := loadConfig(flag.CommandLine)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	driver, err := newDriver(cfg)
	if err != nil {
		log.Fatalf("Failed to create driver: %v", err)
	}

	if buildinfo.IsDev() {
		log.Printf("Running development build of %s", buildinfo.Name)
	}

	agent := NewAgent(cfg, driver)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Run in CLI mode only if explicitly requested
	if cliFlag {
		if err := agent.Start(); err != nil {
			log.Fatalf("Failed to start agent: %v", err)
		}
		defer agent.Stop()

		log.Printf("Observers can connect at %s", agent.ServerURL())

		// Wait for shutdown signal
		<-sigChan
		log.Println("Shutdown signal received, stopping bridge...")
		return
	}

	go func() {
		<-sigChan
		systray.Quit()
	}()

	NewSystrayApp(agent).Run()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/dotside-studios/davi-pcsc-bridge/certs"
	"github.com/dotside-studios/davi-pcsc-bridge/config"
	"github.com/dotside-studios/davi-pcsc-bridge/lifecycle"
	"github.com/dotside-studios/davi-pcsc-bridge/mqtt"
	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
	"github.com/dotside-studios/davi-pcsc-bridge/server"
)

const shutdownTimeout = 5 * time.Second

// Agent owns the bridge and its outer surfaces.
type Agent struct {
	Logger *log.Logger
	Config config.Config
	Driver nfc.Driver

	Bridge *lifecycle.Bridge
	Server *server.Server
	MQTT   *mqtt.Client

	notifiers []lifecycle.Notifier
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewAgent(cfg config.Config, driver nfc.Driver) *Agent {
	return &Agent{
		Logger: log.New(os.Stderr, "[agent] ", log.LstdFlags),
		Config: cfg,
		Driver: driver,
	}
}

// AddNotifier registers an extra observer sink. It takes effect on the next Start.
func (a *Agent) AddNotifier(n lifecycle.Notifier) {
	a.notifiers = append(a.notifiers, n)
}

func (a *Agent) Start() error {
	if a.Bridge != nil {
		return errors.New("agent is already running")
	}

	bridge := lifecycle.NewBridge(lifecycle.Config{
		Driver:           a.Driver,
		Supervisor:       a.Config.SupervisorConfig(),
		WatchdogInterval: a.Config.Recovery.WatchdogInterval,
		ManualCooldown:   a.Config.Commands.ManualCooldown,
		ForceCooldown:    a.Config.Commands.ForceCooldown,
	})

	srvConfig := server.Config{
		Port:       a.Config.Server.Port,
		APISecret:  a.Config.Server.APISecret,
		MDNS:       a.Config.Server.MDNS,
		Controller: bridge,
	}
	if a.Config.Server.TLS {
		files, err := a.ensureCertificates()
		if err != nil {
			a.Logger.Printf("TLS disabled, serving plain ws://: %v", err)
		} else {
			srvConfig.CertFile = files.CertFile
			srvConfig.KeyFile = files.KeyFile
			srvConfig.CACertFile = files.CACertFile
		}
	}

	srv := server.New(srvConfig)
	bridge.AddNotifier(srv)
	for _, n := range a.notifiers {
		bridge.AddNotifier(n)
	}

	if err := srv.Start(); err != nil {
		a.Logger.Printf("Error starting server: %v", err)
		return err
	}

	client, err := a.startMQTT(bridge)
	if err != nil {
		// MQTT is optional
		a.Logger.Printf("MQTT relay disabled: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := bridge.Run(ctx); err != nil {
			a.Logger.Printf("Bridge stopped: %v", err)
		}
	}()

	a.Bridge = bridge
	a.Server = srv
	a.MQTT = client
	a.cancel = cancel
	a.done = done

	a.Logger.Printf("Agent started with %s driver on %s", a.Driver.Name(), srv.Addr())
	return nil
}

func (a *Agent) ensureCertificates() (certs.Files, error) {
	hosts, err := certs.Hosts()
	if err != nil {
		a.Logger.Printf("Warning: failed to list LAN addresses: %v", err)
	}
	return certs.NewIssuer(a.Config.CertDir(), nil).Ensure(hosts)
}

// startMQTT connects the relay in the background. A nil client means MQTT
// is not configured.
func (a *Agent) startMQTT(bridge *lifecycle.Bridge) (*mqtt.Client, error) {
	if a.Config.MQTT.Host == "" {
		return nil, nil
	}

	topics := mqtt.Topics{Prefix: a.Config.MQTT.TopicPrefix}
	relay := mqtt.NewRelay(topics, bridge, nil)

	var client *mqtt.Client
	client, err := mqtt.New(a.Config.MQTT, mqtt.Handlers{
		OnConnect: func() {
			if err := client.Subscribe(topics.Commands()); err != nil {
				a.Logger.Printf("MQTT subscribe failed: %v", err)
			}
			relay.OnConnect()
		},
		OnMessage: relay.HandleMessage,
	}, nil)
	if err != nil {
		return nil, err
	}

	relay.SetPublisher(client)
	bridge.AddNotifier(relay)

	go func() {
		if err := client.Connect(); err != nil {
			a.Logger.Printf("MQTT connect failed: %v", err)
		}
	}()
	return client, nil
}

func (a *Agent) Stop() {
	if a.Bridge == nil {
		a.Logger.Println("Agent is not running")
		return
	}

	a.Logger.Println("Stopping agent...")

	a.cancel()
	<-a.done

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Server.Stop(ctx)

	if a.MQTT != nil {
		a.MQTT.Disconnect()
	}

	a.Bridge = nil
	a.Server = nil
	a.MQTT = nil
	a.Logger.Println("Agent stopped successfully")
}

// ServerURL returns the WebSocket URL observers should use, or "" when the
// server is not running.
func (a *Agent) ServerURL() string {
	if a.Server == nil {
		return ""
	}
	addr, ok := a.Server.Addr().(*net.TCPAddr)
	if !ok {
		return ""
	}

	host := "localhost"
	if ips, err := certs.LANIPs(); err == nil && len(ips) > 0 {
		host = ips[0]
	}
	return fmt.Sprintf("%s://%s:%d%s", a.Server.Scheme(), host, addr.Port, server.PathWebSocket)
}

// Package mqtt relays bridge state to an MQTT broker and accepts operator
// commands from it.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Client wraps the paho client. A client built without a host is disabled
// and every operation is a no-op.
type Client struct {
	client       paho.Client
	clientID     string
	enabled      bool
	logger       *log.Logger
	onConnect    func()
	onDisconnect func()
	onMessage    func(topic string, payload []byte)
}

// Config holds MQTT connection settings.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	CACert      string `yaml:"ca_cert"`
	ClientCert  string `yaml:"client_cert"`
	ClientKey   string `yaml:"client_key"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Handlers holds callback functions for MQTT events.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
	OnMessage    func(topic string, payload []byte)
}

// New creates a new MQTT client. Returns a disabled no-op client if host is empty.
func New(cfg Config, handlers Handlers, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[mqtt] ", log.LstdFlags)
	}
	c := &Client{
		clientID:     cfg.ClientID,
		logger:       logger,
		onConnect:    handlers.OnConnect,
		onDisconnect: handlers.OnDisconnect,
		onMessage:    handlers.OnMessage,
	}

	if cfg.Host == "" {
		c.logger.Println("MQTT disabled (no host configured)")
		return c, nil
	}
	c.enabled = true

	broker, tlsConfig, err := brokerURL(cfg)
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		c.logger.Println("MQTT using non-TLS connection")
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(c.handleConnectionLost).
		SetOnConnectHandler(c.handleConnect).
		SetDefaultPublishHandler(c.handleMessage)

	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(opts)

	paho.ERROR = log.New(os.Stderr, "[mqtt error] ", log.LstdFlags)
	paho.CRITICAL = log.New(os.Stderr, "[mqtt crit] ", log.LstdFlags)
	paho.WARN = log.New(os.Stderr, "[mqtt warn] ", log.LstdFlags)

	return c, nil
}

// brokerURL picks ssl:// when any certificate is configured, tcp:// otherwise.
func brokerURL(cfg Config) (string, *tls.Config, error) {
	if cfg.CACert != "" || cfg.ClientCert != "" {
		port := cfg.Port
		if port == 0 {
			port = 8883
		}
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return "", nil, fmt.Errorf("build TLS config: %w", err)
		}
		return fmt.Sprintf("ssl://%s:%d", cfg.Host, port), tlsConfig, nil
	}

	port := cfg.Port
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("tcp://%s:%d", cfg.Host, port), nil, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = caPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Connect connects to the MQTT broker. If disabled, calls onConnect immediately.
func (c *Client) Connect() error {
	if !c.enabled {
		if c.onConnect != nil {
			c.onConnect()
		}
		return nil
	}

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect: %w", token.Error())
	}
	c.logger.Println("MQTT connected")
	return nil
}

// Disconnect disconnects from the MQTT broker. No-op if disabled.
func (c *Client) Disconnect() {
	if !c.enabled || c.client == nil {
		return
	}
	c.client.Disconnect(250)
}

// Subscribe subscribes to a topic. No-op if disabled.
func (c *Client) Subscribe(topic string) error {
	if !c.enabled {
		return nil
	}

	if token := c.client.Subscribe(topic, 1, nil); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Publish publishes a message without waiting for delivery. No-op if disabled.
func (c *Client) Publish(topic string, retained bool, payload []byte) {
	if !c.enabled {
		return
	}
	c.client.Publish(topic, 0, retained, payload)
}

// IsEnabled returns whether MQTT is enabled.
func (c *Client) IsEnabled() bool {
	return c.enabled
}

func (c *Client) handleConnect(client paho.Client) {
	c.logger.Println("MQTT connection established")
	if c.onConnect != nil {
		c.onConnect()
	}
}

func (c *Client) handleConnectionLost(client paho.Client, err error) {
	c.logger.Printf("MQTT connection lost: %v", err)
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *Client) handleMessage(client paho.Client, msg paho.Message) {
	if c.onMessage != nil {
		c.onMessage(msg.Topic(), msg.Payload())
	}
}

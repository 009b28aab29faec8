package mqtt

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

// DefaultTopicPrefix is used when the config leaves the prefix empty.
const DefaultTopicPrefix = "pcsc-bridge"

// Command topic suffixes
const (
	CommandManualReinitialize = "manual-reinitialize"
	CommandForceReinitialize  = "force-reinitialize"
)

// Topics builds topic names under one prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Status is the retained reader snapshot topic.
func (t Topics) Status() string { return t.prefix() + "/status" }

// Message carries system messages.
func (t Topics) Message() string { return t.prefix() + "/message" }

// RestartTip carries remediation guidance.
func (t Topics) RestartTip() string { return t.prefix() + "/restart-tip" }

// Commands is the wildcard subscription for inbound commands.
func (t Topics) Commands() string { return t.prefix() + "/command/+" }

// Command returns the topic for one command.
func (t Topics) Command(name string) string { return t.prefix() + "/command/" + name }

// ParseCommand returns the command name if topic is a command topic.
func (t Topics) ParseCommand(topic string) (string, bool) {
	name, ok := strings.CutPrefix(topic, t.prefix()+"/command/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte)
}

// Commander executes operator commands.
type Commander interface {
	ManualReinitialize() error
	ForceReinitialize() error
}

// Relay mirrors published bridge state onto MQTT topics and forwards
// command messages to the bridge.
type Relay struct {
	Logger *log.Logger

	topics    Topics
	publisher Publisher
	commander Commander

	mu sync.Mutex

	// statusMu orders retained status publishes with OnConnect republishes
	statusMu   sync.Mutex
	lastStatus []byte
}

// NewRelay creates a relay. Set the publisher with SetPublisher once the
// client exists, since the client's handlers call back into the relay.
func NewRelay(topics Topics, commander Commander, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.New(os.Stderr, "[mqtt] ", log.LstdFlags)
	}
	return &Relay{Logger: logger, topics: topics, commander: commander}
}

// SetPublisher sets the outbound client.
func (r *Relay) SetPublisher(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

func (r *Relay) publish(topic string, retained bool, v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		r.Logger.Printf("Failed to encode %s payload: %v", topic, err)
		return nil
	}

	r.mu.Lock()
	p := r.publisher
	r.mu.Unlock()
	if p != nil {
		p.Publish(topic, retained, payload)
	}
	return payload
}

// StatusUpdate publishes the retained status snapshot.
func (r *Relay) StatusUpdate(status protocol.StatusUpdatePayload) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	if payload := r.publish(r.topics.Status(), true, status); payload != nil {
		r.lastStatus = payload
	}
}

// SystemMessage publishes an advisory.
func (r *Relay) SystemMessage(msg protocol.SystemMessagePayload) {
	r.publish(r.topics.Message(), false, msg)
}

// ServiceRestartTip publishes remediation guidance.
func (r *Relay) ServiceRestartTip(tip protocol.ServiceRestartTipPayload) {
	r.publish(r.topics.RestartTip(), false, tip)
}

// OnConnect republishes the last status after a (re)connect.
func (r *Relay) OnConnect() {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	r.mu.Lock()
	p := r.publisher
	r.mu.Unlock()

	if p != nil && r.lastStatus != nil {
		p.Publish(r.topics.Status(), true, r.lastStatus)
	}
}

// HandleMessage routes an inbound message. Unknown topics are ignored.
func (r *Relay) HandleMessage(topic string, payload []byte) {
	name, ok := r.topics.ParseCommand(topic)
	if !ok {
		return
	}

	var err error
	switch name {
	case CommandManualReinitialize:
		err = r.commander.ManualReinitialize()
	case CommandForceReinitialize:
		err = r.commander.ForceReinitialize()
	default:
		r.Logger.Printf("Ignoring unknown command %q", name)
		return
	}

	if err != nil {
		r.Logger.Printf("Command %s rejected: %v", name, err)
		return
	}
	r.Logger.Printf("Command %s accepted", name)
}

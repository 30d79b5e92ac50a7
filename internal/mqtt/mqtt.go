// mqtt.go: Package mqtt subscribes to the detection topic and turns broker activity
// into a stream of events for the pipeline.
package mqtt

import (
	"time"
)

// EventKind identifies what happened on the broker connection.
type EventKind int

const (
	// EventMessage carries a payload from the subscribed topic.
	EventMessage EventKind = iota
	// EventConnected is sent after a (re)connect once the subscription is in place.
	EventConnected
	// EventConnectionLost is sent when an established connection drops.
	EventConnectionLost
	// EventError reports a connect or subscribe failure.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one broker notification.
type Event struct {
	Kind     EventKind
	Topic    string
	Payload  []byte
	Retained bool
	Err      error
}

// Config holds the broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	// ReconnectInterval is the fixed delay between reconnect attempts.
	ReconnectInterval time.Duration
	// ReconnectCooldown rejects Connect calls made too soon after the last one.
	ReconnectCooldown time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	// BufferSize is the capacity of the event channel.
	BufferSize int
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		Broker:            "tcp://localhost:1883",
		ClientID:          "birdnet-tiles",
		Topic:             "birdnet",
		ReconnectInterval: 5 * time.Second,
		ReconnectCooldown: time.Second,
		ConnectTimeout:    30 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		BufferSize:        256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ClientID == "" {
		c.ClientID = d.ClientID
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.QoS > 2 {
		c.QoS = 2
	}
	return c
}

// Equal reports whether two configs would produce the same connection.
func (c Config) Equal(o Config) bool {
	return c.Broker == o.Broker && c.Topic == o.Topic && c.QoS == o.QoS &&
		c.ClientID == o.ClientID && c.Username == o.Username && c.Password == o.Password &&
		c.ReconnectInterval == o.ReconnectInterval
}

// client.go: paho-backed broker client with cooldown-limited reconnects
package mqtt

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/observability/metrics"
)

// ClientFactory builds the underlying paho client. Tests replace it.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

// Subscriber owns one broker connection and its topic subscription. Events
// are delivered on Events in the order paho hands them over.
type Subscriber struct {
	config          Config
	newClient       ClientFactory
	lookupHost      func(ctx context.Context, host string) ([]string, error)
	metrics         *metrics.MQTTMetrics
	log             logger.Logger
	events          chan Event
	done            chan struct{}
	closeOnce       sync.Once
	mu              sync.Mutex
	internalClient  paho.Client
	lastConnAttempt time.Time
	everConnected   bool
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithMetrics records connection and message metrics.
func WithMetrics(m *metrics.MQTTMetrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Subscriber) { s.log = l }
}

// WithClientFactory replaces paho.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Subscriber) { s.newClient = f }
}

// WithResolver replaces the DNS lookup used before connecting.
func WithResolver(f func(ctx context.Context, host string) ([]string, error)) Option {
	return func(s *Subscriber) { s.lookupHost = f }
}

// NewSubscriber creates a Subscriber. Nothing connects until Connect.
func NewSubscriber(cfg Config, opts ...Option) *Subscriber {
	cfg = cfg.withDefaults()
	s := &Subscriber{
		config:     cfg,
		newClient:  paho.NewClient,
		lookupHost: net.DefaultResolver.LookupHost,
		events:     make(chan Event, cfg.BufferSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("mqtt")
	}
	return s
}

// Config returns the connection settings in use.
func (s *Subscriber) Config() Config {
	return s.config
}

// Events returns the event stream. It is never closed; stop reading after
// Disconnect.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Connect resolves the broker host and starts connecting. A broker that is
// unreachable within ConnectTimeout is reported as an EventError while paho
// keeps retrying in the background; only configuration and DNS failures are
// returned.
func (s *Subscriber) Connect(ctx context.Context) error {
	client, host, err := s.prepare(ctx)
	if err != nil {
		return err
	}

	s.log.Info("connecting to broker",
		logger.String("broker", logger.RedactSensitiveData(s.config.Broker)),
		logger.String("topic", s.config.Topic),
		logger.Int("qos", int(s.config.QoS)))

	// s.mu is not held here so Disconnect can interrupt the wait.
	token := client.Connect()
	timer := time.NewTimer(s.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			s.report(errors.New(err).
				Component("mqtt").
				Category(errors.CategoryMQTTConnection).
				Context("broker_host", host).
				Build())
		}
	case <-timer.C:
		s.report(errors.Newf("connection timeout after %v, retrying every %v",
			s.config.ConnectTimeout, s.config.ReconnectInterval).
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Context("broker_host", host).
			Build())
	case <-s.done:
	case <-ctx.Done():
		s.report(errors.New(ctx.Err()).
			Component("mqtt").
			Category(errors.CategoryCancellation).
			Build())
	}
	return nil
}

// prepare validates the configuration, resolves the broker host and
// installs a new paho client. DNS runs without s.mu so Disconnect is never
// stuck behind a slow resolver.
func (s *Subscriber) prepare(ctx context.Context) (paho.Client, string, error) {
	host, err := s.checkConnect()
	if err != nil {
		return nil, "", err
	}

	if net.ParseIP(host) == nil {
		if _, err := s.lookupHost(ctx, host); err != nil {
			s.countError("dns")
			return nil, "", errors.New(err).
				Component("mqtt").
				Category(errors.CategoryMQTTConnection).
				Context("broker_host", host).
				Build()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkState(); err != nil {
		return nil, "", err
	}
	s.internalClient = s.newClient(s.clientOptions())
	return s.internalClient, host, nil
}

// checkConnect applies the cooldown and state checks and returns the broker
// host.
func (s *Subscriber) checkConnect() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if since := time.Since(s.lastConnAttempt); since < s.config.ReconnectCooldown {
		return "", errors.Newf("connection attempt too recent, last attempt was %v ago", since).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Build()
	}
	if err := s.checkState(); err != nil {
		return "", err
	}
	s.lastConnAttempt = time.Now()

	u, err := url.Parse(s.config.Broker)
	if err != nil || u.Host == "" {
		if err == nil {
			err = errors.NewStd("missing host")
		}
		return "", errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Context("broker", s.config.Broker).
			Build()
	}
	if s.config.Topic == "" {
		return "", errors.Newf("mqtt topic is empty").
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return u.Hostname(), nil
}

// checkState rejects a closed or already connected subscriber. s.mu must be
// held.
func (s *Subscriber) checkState() error {
	select {
	case <-s.done:
		return errors.Newf("mqtt subscriber is closed").
			Component("mqtt").
			Category(errors.CategoryState).
			Build()
	default:
	}
	if s.internalClient != nil {
		return errors.Newf("mqtt subscriber already connected").
			Component("mqtt").
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

func (s *Subscriber) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(s.config.Broker)
	opts.SetClientID(s.config.ClientID)
	opts.SetUsername(s.config.Username)
	opts.SetPassword(s.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(s.config.ReconnectInterval)
	opts.SetMaxReconnectInterval(s.config.ReconnectInterval)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)
	return opts
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (s *Subscriber) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.internalClient != nil && s.internalClient.IsConnected()
}

// Disconnect closes the connection and stops event delivery. Safe to call
// more than once.
func (s *Subscriber) Disconnect() {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	c := s.internalClient
	s.internalClient = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	c.Disconnect(uint(s.config.DisconnectTimeout.Milliseconds()))
	if s.metrics != nil {
		s.metrics.UpdateConnectionStatus(false)
	}
	s.log.Info("disconnected from broker")
}

func (s *Subscriber) onConnect(c paho.Client) {
	s.mu.Lock()
	reconnect := s.everConnected
	s.everConnected = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.UpdateConnectionStatus(true)
		s.metrics.RecordConnect(reconnect)
	}

	token := c.Subscribe(s.config.Topic, s.config.QoS, s.onMessage)
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		s.report(errors.Newf("subscribe to %q timed out", s.config.Topic).
			Component("mqtt").
			Category(errors.CategoryMQTTSubscribe).
			Build())
		return
	}
	if err := token.Error(); err != nil {
		s.report(errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTSubscribe).
			Context("topic", s.config.Topic).
			Build())
		return
	}

	s.log.Info("subscribed to topic",
		logger.String("topic", s.config.Topic),
		logger.Bool("reconnect", reconnect))
	s.emit(Event{Kind: EventConnected})
}

func (s *Subscriber) onConnectionLost(_ paho.Client, err error) {
	if s.metrics != nil {
		s.metrics.UpdateConnectionStatus(false)
		s.metrics.IncrementErrors("connection_lost")
	}
	s.log.Warn("connection to broker lost",
		logger.Error(err),
		logger.Duration("retry_interval", s.config.ReconnectInterval))
	s.emit(Event{Kind: EventConnectionLost, Err: err})
}

func (s *Subscriber) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	s.log.Debug("reconnecting to broker")
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	if s.metrics != nil {
		s.metrics.IncrementMessagesReceived(msg.Retained(), len(payload))
	}
	s.emit(Event{
		Kind:     EventMessage,
		Topic:    msg.Topic(),
		Payload:  payload,
		Retained: msg.Retained(),
	})
}

// report logs err and forwards it as an EventError.
func (s *Subscriber) report(err *errors.EnhancedError) {
	s.countError(string(err.Category))
	s.log.Error("broker error", logger.Error(err))
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *Subscriber) countError(stage string) {
	if s.metrics != nil {
		s.metrics.IncrementErrors(stage)
	}
}

// emit blocks until the event is queued or the subscriber is closed, which
// keeps delivery order and applies backpressure to paho.
func (s *Subscriber) emit(ev Event) {
	select {
	case <-s.done:
	default:
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

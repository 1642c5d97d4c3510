package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"

	// subscriberBuffer is the bus buffer for the exporter. A slow broker
	// drops events rather than stalling publishers.
	subscriberBuffer = 256

	connectTimeout = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// publisher is the slice of *autopaho.ConnectionManager the forward
// loop needs.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the broker connection and forwards bus events.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: ClientID(cfg.ClientID, instanceID),
		bus:      bus,
		logger:   logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. A slow initial connection is logged, not fatal; autopaho
// keeps retrying in the background and events published while offline
// are dropped.
func (p *Publisher) Start(ctx context.Context) error {
	if p.bus == nil {
		return fmt.Errorf("mqtt publisher: no event bus")
	}
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := AvailabilityTopic(p.cfg.TopicPrefix)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte(availabilityOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
			p.publishAvailability(ctx, cm, availabilityOnline)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Subscribe before connecting so nothing emitted during the
	// handshake is missed once the link is up.
	ch := p.bus.Subscribe(subscriberBuffer)
	defer p.bus.Unsubscribe(ch)

	// The connection outlives ctx so Stop can still publish "offline";
	// Stop is what disconnects it.
	cm, err := autopaho.NewConnection(context.WithoutCancel(ctx), pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, connectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	forward(ctx, cm, p.cfg.TopicPrefix, ch, p.logger)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, availabilityOffline)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publisher, state string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   AvailabilityTopic(p.cfg.TopicPrefix),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "state", state, "error", err)
	}
}

// forward publishes events from ch until ctx ends or ch closes.
func forward(ctx context.Context, pub publisher, prefix string, ch <-chan events.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			msg, err := eventMessage(prefix, e)
			if err != nil {
				logger.Warn("mqtt event encode failed", "kind", e.Kind, "error", err)
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			_, err = pub.Publish(pctx, msg)
			cancel()
			if err != nil {
				logger.Debug("mqtt event publish failed", "topic", msg.Topic, "error", err)
				continue
			}
			logger.Log(ctx, config.LevelTrace, "mqtt event published", "topic", msg.Topic)
		}
	}
}

// eventMessage builds the QoS 0, non-retained message for e.
func eventMessage(prefix string, e events.Event) (*paho.Publish, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &paho.Publish{
		Topic:   EventTopic(prefix, e.Kind),
		Payload: payload,
	}, nil
}

// AvailabilityTopic returns the retained online/offline topic.
func AvailabilityTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/availability"
}

// EventTopic returns the topic for events of kind. Wildcard and
// separator characters in kind are replaced so each kind maps to
// exactly one topic level.
func EventTopic(prefix, kind string) string {
	kind = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(kind)
	if kind == "" {
		kind = "unknown"
	}
	return strings.TrimSuffix(prefix, "/") + "/events/" + kind
}

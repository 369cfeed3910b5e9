package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/fleetproto/carserver/internal/session"
	"github.com/fleetproto/carserver/internal/wire"
)

const (
	qosAtLeastOnce   byte          = 1
	keepAliveSeconds uint16        = 15
	enqueueTimeout   time.Duration = 5 * time.Second
)

// topic suffixes, appended to "<company>/<car>/external_server" for
// outbound frames and "<company>/<car>/module_gateway" for inbound ones.
const (
	topicConnect         = "connect"
	topicConnectResponse = "connect_response"
	topicStatus          = "status"
	topicStatusResponse  = "status_response"
	topicCommand         = "command"
	topicCommandResponse = "command_response"
	topicDisconnect      = "disconnect"
)

// Config is the per-car broker connection configuration needed to
// build an Adapter, independent of the rest of the car's session config.
type Config struct {
	CompanyName string
	CarName     string
	BrokerAddr  string
	BrokerPort  int
	ClientID    string
	TLS         TLSConfig
	// ConnectTimeout bounds the initial broker connection attempt
	// (config.Config's mqtt_timeout). Zero falls back to 30s.
	ConnectTimeout time.Duration
}

// Adapter connects one car's session to the MQTT broker and implements
// session.Transport. Every inbound frame it decodes is translated into
// a session.Event and pushed onto the session's Event Queue; nothing
// downstream of the queue ever touches paho directly.
type Adapter struct {
	cfg    Config
	sink   *session.Queue
	logger *slog.Logger

	cm          *autopaho.ConnectionManager
	rateLimiter *messageRateLimiter
}

// NewAdapter builds an Adapter. Call Start to connect; it must be
// called before the session.Controller begins publishing frames.
func NewAdapter(cfg Config, sink *session.Queue, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, sink: sink, logger: logger}
}

func (a *Adapter) outTopic(suffix string) string {
	return fmt.Sprintf("%s/%s/external_server/%s", a.cfg.CompanyName, a.cfg.CarName, suffix)
}

func (a *Adapter) inTopicFilter() string {
	return fmt.Sprintf("%s/%s/module_gateway/+", a.cfg.CompanyName, a.cfg.CarName)
}

// Start connects to the broker and subscribes to this car's inbound
// topic filter. It returns nil once the first connection is up, and an
// error if the settings are invalid or no connection is made within
// ConnectTimeout.
func (a *Adapter) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", a.cfg.BrokerAddr, a.cfg.BrokerPort))
	if err != nil {
		return fmt.Errorf("parse broker address: %w", err)
	}

	tlsCfg, err := a.cfg.TLS.Build()
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}
	if tlsCfg != nil {
		brokerURL.Scheme = "mqtts"
	}

	a.rateLimiter = newMessageRateLimiter(1000, time.Second, a.logger)
	go a.rateLimiter.start(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  keepAliveSeconds,
		TlsCfg:     tlsCfg,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("bus connected", "company", a.cfg.CompanyName, "car", a.cfg.CarName)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: a.inTopicFilter(), QoS: qosAtLeastOnce}},
			}); err != nil {
				a.logger.Error("bus subscribe failed", "error", err, "filter", a.inTopicFilter())
			}
		},
		OnConnectError: func(err error) {
			a.logger.Warn("bus connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: a.cfg.ClientID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	a.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !a.rateLimiter.allow() {
			return true, nil
		}
		a.handleInbound(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connectTimeout := a.cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		return fmt.Errorf("initial bus connection timed out: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cm == nil {
		return nil
	}
	return a.cm.Disconnect(ctx)
}

func (a *Adapter) handleInbound(topic string, payload []byte) {
	idx := strings.LastIndexByte(topic, '/')
	if idx < 0 {
		a.logger.Warn("bus received malformed topic", "topic", topic)
		return
	}
	suffix := topic[idx+1:]

	ev, ok := a.decode(suffix, payload)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := a.sink.Enqueue(ctx, ev); err != nil {
		a.logger.Error("event queue rejected inbound frame; session will time out", "topic", topic, "error", err)
	}
}

func (a *Adapter) decode(suffix string, payload []byte) (session.Event, bool) {
	switch suffix {
	case topicConnectResponse:
		f, err := wire.UnmarshalConnectResponse(payload)
		if err != nil {
			a.logger.Warn("malformed connect_response", "error", err)
			return session.Event{}, false
		}
		return session.Event{Kind: session.KindConnectResponse, ConnectResponse: f}, true

	case topicStatus:
		f, err := wire.UnmarshalStatus(payload)
		if err != nil {
			a.logger.Warn("malformed status", "error", err)
			return session.Event{}, false
		}
		return session.Event{Kind: session.KindStatus, Status: f}, true

	case topicCommandResponse:
		f, err := wire.UnmarshalCommandResponse(payload)
		if err != nil {
			a.logger.Warn("malformed command_response", "error", err)
			return session.Event{}, false
		}
		return session.Event{Kind: session.KindCommandResponse, CommandResponse: f}, true

	default:
		a.logger.Debug("ignoring frame on unrecognized topic suffix", "suffix", suffix)
		return session.Event{}, false
	}
}

// PublishConnect implements session.Transport.
func (a *Adapter) PublishConnect(ctx context.Context, f *wire.Connect) error {
	return a.publish(ctx, topicConnect, f.Marshal())
}

// PublishStatusResponse implements session.Transport.
func (a *Adapter) PublishStatusResponse(ctx context.Context, f *wire.StatusResponse) error {
	return a.publish(ctx, topicStatusResponse, f.Marshal())
}

// PublishCommand implements session.Transport.
func (a *Adapter) PublishCommand(ctx context.Context, f *wire.Command) error {
	return a.publish(ctx, topicCommand, f.Marshal())
}

// PublishDisconnect implements session.Transport.
func (a *Adapter) PublishDisconnect(ctx context.Context, f *wire.Disconnect) error {
	return a.publish(ctx, topicDisconnect, f.Marshal())
}

func (a *Adapter) publish(ctx context.Context, suffix string, payload []byte) error {
	if a.cm == nil {
		return fmt.Errorf("bus adapter not started")
	}
	_, err := a.cm.Publish(ctx, &paho.Publish{
		Topic:   a.outTopic(suffix),
		Payload: payload,
		QoS:     qosAtLeastOnce,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", suffix, err)
	}
	return nil
}


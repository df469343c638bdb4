package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/statebridge/internal/config"
	"github.com/nugget/statebridge/internal/events"
)

// publishClient is the part of autopaho.ConnectionManager the publisher
// uses.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher forwards turn events from the bus to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	tokens     *DailyTokens
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect; call Start.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		tokens:     NewDailyTokens(nil),
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects and forwards events until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(p.instanceID),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx, cm)
	return nil
}

// Stop announces "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.BaseTopic + "/availability"
}

func (p *Publisher) turnsTopic() string {
	return p.cfg.BaseTopic + "/turns"
}

func (p *Publisher) threadStatusTopic(threadID string) string {
	return p.cfg.BaseTopic + "/threads/" + threadID + "/status"
}

func (p *Publisher) tokensTopic() string {
	return p.cfg.BaseTopic + "/tokens_today"
}

func (p *Publisher) publishAvailability(ctx context.Context, client publishClient, status string) {
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// run drains the bus until ctx ends or the subscription is closed.
func (p *Publisher) run(ctx context.Context, client publishClient) {
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.handle(ctx, client, ev)
		}
	}
}

func (p *Publisher) handle(ctx context.Context, client publishClient, ev events.Event) {
	switch ev.Kind {
	case events.KindLLMResponse:
		p.tokens.Add(intValue(ev.Data["tokens_in"]), intValue(ev.Data["tokens_out"]))
		return
	case events.KindRequestComplete, events.KindRequestFailed:
	default:
		return
	}

	status := statusFromEvent(ev)
	payload, err := json.Marshal(status)
	if err != nil {
		p.logger.Error("mqtt marshal turn status", "error", err)
		return
	}

	p.publish(ctx, client, p.turnsTopic(), payload, 0, false)
	if status.ThreadID != "" {
		p.publish(ctx, client, p.threadStatusTopic(status.ThreadID), payload, 1, true)
	}

	in, out, _ := p.tokens.Snapshot()
	p.publish(ctx, client, p.tokensTopic(), []byte(strconv.FormatInt(in+out, 10)), 0, true)
}

func (p *Publisher) publish(ctx context.Context, client publishClient, topic string, payload []byte, qos byte, retain bool) {
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

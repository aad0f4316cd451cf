package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connTimeout    = 10
	reconnTimeout  = 1
	disconnTimeout = 250
)

var (
	errPublishTimeout   = errors.New("failed to publish due to timeout reached")
	errSubscribeTimeout = errors.New("failed to subscribe due to timeout reached")
	errEmptyID          = errors.New("empty endpoint ID")

	inboxTopicTemplate     = "flotilla/%s/node/%s/inbox"
	broadcastTopicTemplate = "flotilla/%s/broadcast"
	aliveTopicTemplate     = "flotilla/%s/node/%s/alive"
	lwtPayloadTemplate     = `{"participant_id":"%s","status":"offline"}`
)

// MQTTConfig carries broker connection settings for one endpoint.
type MQTTConfig struct {
	URL       string
	SessionID string
	ID        string
	Username  string
	Password  string
	QoS       byte
	Timeout   time.Duration
}

type mqttTransport struct {
	client  mqtt.Client
	cfg     MQTTConfig
	logger  *slog.Logger
	handler Handler
}

// NewMQTT attaches an endpoint to the federation session's broker topics:
// a per-endpoint inbox plus the shared broadcast topic. The broker's
// last-will marks the endpoint offline on ungraceful disconnect.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (Transport, error) {
	if cfg.ID == "" {
		return nil, errEmptyID
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	t := &mqttTransport{
		client: client,
		cfg:    cfg,
		logger: logger,
	}

	topics := []string{
		fmt.Sprintf(inboxTopicTemplate, cfg.SessionID, cfg.ID),
		fmt.Sprintf(broadcastTopicTemplate, cfg.SessionID),
	}
	for _, topic := range topics {
		token := client.Subscribe(topic, cfg.QoS, t.onMessage)
		if token.Error() != nil {
			return nil, token.Error()
		}
		if ok := token.WaitTimeout(cfg.Timeout); !ok {
			return nil, errSubscribeTimeout
		}
	}

	return t, nil
}

func (t *mqttTransport) Send(ctx context.Context, to string, env Envelope) error {
	return t.publish(ctx, fmt.Sprintf(inboxTopicTemplate, t.cfg.SessionID, to), env)
}

func (t *mqttTransport) Broadcast(ctx context.Context, env Envelope) error {
	return t.publish(ctx, fmt.Sprintf(broadcastTopicTemplate, t.cfg.SessionID), env)
}

func (t *mqttTransport) SetHandler(h Handler) {
	t.handler = h
}

func (t *mqttTransport) Close(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		t.client.Disconnect(disconnTimeout)

		return nil
	}
}

func (t *mqttTransport) publish(_ context.Context, topic string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	token := t.client.Publish(topic, t.cfg.QoS, false, data)
	if token.Error() != nil {
		return token.Error()
	}
	if ok := token.WaitTimeout(t.cfg.Timeout); !ok {
		return errPublishTimeout
	}

	return nil
}

func (t *mqttTransport) onMessage(_ mqtt.Client, m mqtt.Message) {
	var env Envelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		t.logger.Warn(fmt.Sprintf("Failed to unmarshal received message: %s", err))

		return
	}

	// Broadcasts loop back through the shared topic.
	if env.Sender == t.cfg.ID {
		m.Ack()

		return
	}

	if t.handler != nil {
		if err := t.handler(context.Background(), env); err != nil {
			t.logger.Warn(fmt.Sprintf("Failed to handle message: %s", err))
		}
	}

	m.Ack()
}

func newClient(cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connTimeout * time.Second).
		SetMaxReconnectInterval(reconnTimeout * time.Minute)

	if cfg.SessionID != "" {
		topic := fmt.Sprintf(aliveTopicTemplate, cfg.SessionID, cfg.ID)
		lwtPayload := fmt.Sprintf(lwtPayloadTemplate, cfg.ID)
		opts.SetWill(topic, lwtPayload, 0, false)
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connection established")
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		args := []any{}
		if err != nil {
			args = append(args, slog.Any("error", err))
		}

		logger.Info("MQTT connection lost", args...)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, options *mqtt.ClientOptions) {
		args := []any{}
		if options != nil {
			args = append(args,
				slog.String("client_id", options.ClientID),
				slog.String("username", options.Username),
			)
		}

		logger.Info("MQTT reconnecting", args...)
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if token.Error() != nil {
		return nil, errors.Join(errors.New("failed to connect to MQTT broker"), token.Error())
	}
	if ok := token.WaitTimeout(cfg.Timeout); !ok {
		return nil, errors.New("timeout reached while connecting to MQTT broker")
	}

	return client, nil
}

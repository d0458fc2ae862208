package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the optional broker bridge.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
}

// DefaultMQTTConfig returns the bridge defaults. Disabled unless a
// broker is configured.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Enabled:     false,
		BrokerURL:   "tcp://localhost:1883",
		ClientID:    "stc-swarm",
		TopicPrefix: "stc/swarm",
		QoS:         0,
	}
}

// MQTTBridge mirrors the in-process event stream to an MQTT broker,
// one broker topic per bus topic under the configured prefix.
type MQTTBridge struct {
	config MQTTConfig
	bus    *Bus
	client mqtt.Client

	sub      chan interface{}
	shutdown chan struct{}
	logger   *slog.Logger
}

// NewMQTTBridge wires a bridge to the bus. Call Start to connect.
func NewMQTTBridge(config MQTTConfig, bus *Bus, logger *slog.Logger) *MQTTBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTBridge{
		config:   config,
		bus:      bus,
		shutdown: make(chan struct{}),
		logger:   logger.With("component", "mqtt_bridge"),
	}
}

// Start connects to the broker and begins mirroring events.
func (m *MQTTBridge) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(m.config.BrokerURL).
		SetClientID(m.config.ClientID).
		SetAutoReconnect(true)

	if m.config.Username != "" {
		opts.SetUsername(m.config.Username)
		opts.SetPassword(m.config.Password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect failed: %w", token.Error())
	}

	m.sub = m.bus.Subscribe(AllTopics()...)
	go m.mirror()

	m.logger.Info("mqtt bridge started", "broker", m.config.BrokerURL, "prefix", m.config.TopicPrefix)
	return nil
}

// Stop detaches from the bus and disconnects from the broker.
func (m *MQTTBridge) Stop() {
	close(m.shutdown)
	if m.sub != nil {
		m.bus.Unsubscribe(m.sub, AllTopics()...)
	}
	if m.client != nil {
		m.client.Disconnect(250)
	}
	m.logger.Info("mqtt bridge stopped")
}

func (m *MQTTBridge) mirror() {
	for {
		select {
		case <-m.shutdown:
			return
		case raw, ok := <-m.sub:
			if !ok {
				return
			}
			evt, isEvent := raw.(Event)
			if !isEvent {
				continue
			}

			body, err := json.Marshal(evt)
			if err != nil {
				m.logger.Error("failed to marshal event", "topic", evt.Topic, "error", err)
				continue
			}

			topic := m.config.TopicPrefix + "/" + evt.Topic
			token := m.client.Publish(topic, m.config.QoS, false, body)
			token.Wait()
			if err := token.Error(); err != nil {
				m.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
			}
		}
	}
}

package publish

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	QoS      byte
	Retained bool
	// Timeout bounds the broker connect and each publish.
	Timeout time.Duration
}

// mqttClient is the part of mqtt.Client the sink uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type mqttConnector interface {
	mqttClient
	Connect() mqtt.Token
}

type mqttSink struct {
	client   mqttClient
	topic    string
	qos      byte
	retained bool
	timeout  time.Duration
}

func normalizeMQTT(cfg MQTTConfig) (MQTTConfig, error) {
	cfg.Broker = strings.TrimSpace(cfg.Broker)
	cfg.Topic = strings.TrimSpace(cfg.Topic)
	if cfg.Broker == "" {
		return cfg, fmt.Errorf("publish mqtt broker is required")
	}
	if cfg.Topic == "" {
		return cfg, fmt.Errorf("publish mqtt topic is required")
	}
	if cfg.QoS > 2 {
		return cfg, fmt.Errorf("publish mqtt qos must be 0, 1 or 2")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rtkbridge"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return cfg, nil
}

func dialMQTT(cfg MQTTConfig) (*mqttSink, error) {
	cfg, err := normalizeMQTT(cfg)
	if err != nil {
		return nil, err
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	return connectMQTT(mqtt.NewClient(opts), cfg)
}

// connectMQTT waits for the broker session. On failure the client is
// disconnected so its background goroutines stop.
func connectMQTT(client mqttConnector, cfg MQTTConfig) (*mqttSink, error) {
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect broker=%s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect broker=%s: %w", cfg.Broker, err)
	}
	return newMQTTSink(client, cfg), nil
}

func newMQTTSink(client mqttClient, cfg MQTTConfig) *mqttSink {
	return &mqttSink{
		client:   client,
		topic:    cfg.Topic,
		qos:      cfg.QoS,
		retained: cfg.Retained,
		timeout:  cfg.Timeout,
	}
}

func (s *mqttSink) send(payload []byte, _ Record) error {
	token := s.client.Publish(s.topic, s.qos, s.retained, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("mqtt publish topic=%s: timed out", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish topic=%s: %w", s.topic, err)
	}
	return nil
}

func (s *mqttSink) close() error {
	s.client.Disconnect(250)
	return nil
}

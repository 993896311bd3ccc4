package motion

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// Defaults for the MQTT sensor feed.
const (
	DefaultMQTTTopic    = "sospipe/accelerometer"
	DefaultMQTTClientID = "sospipe"
	DefaultMQTTQoS      = byte(1)
	mqttDisconnectQuiet = 250 // ms
)

// MQTTOpts holds configuration options for the MQTT sensor source.
type MQTTOpts struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTOption defines a configuration option for the MQTT sensor source.
type MQTTOption func(*MQTTOpts)

// WithMQTTBroker sets the broker URL, e.g. "tcp://localhost:1883".
func WithMQTTBroker(broker string) MQTTOption {
	return func(o *MQTTOpts) { o.Broker = broker }
}

// WithMQTTClientID sets the MQTT client identifier.
func WithMQTTClientID(id string) MQTTOption {
	return func(o *MQTTOpts) { o.ClientID = id }
}

// WithMQTTCredentials sets the broker username and password.
func WithMQTTCredentials(username, password string) MQTTOption {
	return func(o *MQTTOpts) {
		o.Username = username
		o.Password = password
	}
}

// WithMQTTTopic sets the topic the accelerometer publishes to.
func WithMQTTTopic(topic string) MQTTOption {
	return func(o *MQTTOpts) { o.Topic = topic }
}

// WithMQTTQoS sets the subscription QoS. Values above 2 are ignored.
func WithMQTTQoS(qos byte) MQTTOption {
	return func(o *MQTTOpts) {
		if qos <= 2 {
			o.QoS = qos
		}
	}
}

// mqttReading is the JSON payload published by the device.
type mqttReading struct {
	X  *float64 `json:"x"`
	Y  *float64 `json:"y"`
	Z  *float64 `json:"z"`
	TS int64    `json:"ts,omitempty"` // unix milliseconds
}

// MQTTSource subscribes to an accelerometer topic and feeds a PeakSensor.
type MQTTSource struct {
	client mqtt.Client
	cfg    MQTTOpts
	sink   *PeakSensor
}

// NewMQTTSource creates an unconnected MQTT source feeding sink.
func NewMQTTSource(sink *PeakSensor, opts ...MQTTOption) (*MQTTSource, error) {
	cfg := MQTTOpts{ClientID: DefaultMQTTClientID, Topic: DefaultMQTTTopic, QoS: DefaultMQTTQoS}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker must be provided")
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(cfg.Broker)
	clientOpts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		clientOpts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		clientOpts.SetPassword(cfg.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetCleanSession(true)

	s := &MQTTSource{cfg: cfg, sink: sink}
	// Resubscribe after every (re)connect; clean sessions drop subscriptions.
	clientOpts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.subscribe(c); err != nil {
			slog.Error("MQTTSource resubscribe failed", "error", err, "topic", cfg.Topic)
		}
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTTSource connection lost", "error", err, "broker", cfg.Broker)
	})
	s.client = mqtt.NewClient(clientOpts)
	return s, nil
}

// Connect connects to the broker; the topic subscription is made by the connect handler.
func (s *MQTTSource) Connect() error {
	slog.Debug("MQTTSource connecting", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	slog.Info("MQTTSource connected", "broker", s.cfg.Broker, "topic", s.cfg.Topic)
	return nil
}

func (s *MQTTSource) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		if err := s.handleMessage(msg.Topic(), msg.Payload()); err != nil {
			slog.Warn("MQTTSource dropped message", "error", err, "topic", msg.Topic())
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", s.cfg.Topic, token.Error())
	}
	return nil
}

// handleMessage decodes one reading and pushes it into the sink.
func (s *MQTTSource) handleMessage(topic string, payload []byte) error {
	var r mqttReading
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("invalid accelerometer payload: %w", err)
	}
	if r.X == nil || r.Y == nil || r.Z == nil {
		return fmt.Errorf("accelerometer payload missing axis on %s", topic)
	}
	sample := models.Sample{X: *r.X, Y: *r.Y, Z: *r.Z}
	if r.TS > 0 {
		sample.CapturedAt = time.UnixMilli(r.TS)
	}
	s.sink.Push(sample)
	return nil
}

// Close unsubscribes and disconnects from the broker.
func (s *MQTTSource) Close() {
	if s.client == nil || !s.client.IsConnected() {
		return
	}
	if token := s.client.Unsubscribe(s.cfg.Topic); token.Wait() && token.Error() != nil {
		slog.Warn("MQTTSource unsubscribe failed", "error", token.Error())
	}
	s.client.Disconnect(mqttDisconnectQuiet)
	slog.Info("MQTTSource disconnected", "broker", s.cfg.Broker)
}

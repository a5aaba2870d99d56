package tract

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Status is the message published to <prefix>/status after each request.
type Status struct {
	RequestID string      `json:"requestId"`
	Summary   *RunSummary `json:"summary,omitempty"`
	Cached    bool        `json:"cached"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Publisher publishes holdings and run status to MQTT.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	logger *zap.Logger
}

// NewPublisher creates a publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "tractmesh"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, prefix: prefix, qos: 1, logger: logger}
}

// HoldingsTopic returns the topic that carries one request's holdings.
func (p *Publisher) HoldingsTopic(requestID string) string {
	return fmt.Sprintf("%s/holdings/%s", p.prefix, requestID)
}

// StatusTopic returns the topic that carries run summaries.
func (p *Publisher) StatusTopic() string {
	return p.prefix + "/status"
}

// PublishHoldings publishes an encoded FeatureCollection for requestID.
func (p *Publisher) PublishHoldings(requestID string, payload []byte) error {
	if err := p.publish(p.HoldingsTopic(requestID), p.retain, payload); err != nil {
		return err
	}
	p.logger.Debug("published holdings", zap.String("request_id", requestID), zap.Int("bytes", len(payload)))
	return nil
}

// PublishStatus publishes the outcome of a request. The status topic is
// retained so late subscribers see the last run.
func (p *Publisher) PublishStatus(st Status) error {
	if st.Timestamp == 0 {
		st.Timestamp = time.Now().Unix()
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return eris.Wrap(err, "marshaling status")
	}
	return p.publish(p.StatusTopic(), true, payload)
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return eris.New("MQTT client not connected")
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return eris.Wrapf(token.Error(), "publishing to %s", topic)
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether holdings messages are retained by the broker.
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

package tract

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Request is an aggregation request received over MQTT.
type Request struct {
	RequestID       string  `json:"requestId"`
	BBox            string  `json:"bbox"`
	Owner           string  `json:"owner,omitempty"`
	ToleranceMeters float64 `json:"toleranceMeters,omitempty"`
}

// DecodeRequest parses a request payload. RequestID is required; an empty
// bbox means the whole source.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, eris.Wrap(err, "tract: decode request")
	}
	if req.RequestID == "" {
		return Request{}, eris.New("tract: request has no requestId")
	}
	if req.ToleranceMeters < 0 {
		return Request{}, eris.New("tract: request toleranceMeters must not be negative")
	}
	return req, nil
}

// RequestHandler receives decoded requests. err is set when the payload
// could not be decoded; req then carries whatever requestId was readable.
type RequestHandler func(req Request, err error)

// MQTTClient subscribes to the request topic and keeps the connection alive.
type MQTTClient struct {
	client      mqtt.Client
	cfg         MQTTConfig
	handler     RequestHandler
	logger      *zap.Logger
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client for cfg. It returns nil, nil when no broker
// is configured, which disables MQTT.
func NewMQTTClient(cfg MQTTConfig, handler RequestHandler, logger *zap.Logger) (*MQTTClient, error) {
	if cfg.Broker == "" {
		return nil, nil
	}
	if handler == nil {
		return nil, eris.New("tract: MQTT enabled but no request handler provided")
	}
	c := NewMQTTClientWithClient(nil, cfg, handler, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tractmesh"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.logger.Info("MQTT reconnecting")
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// NewMQTTClientWithClient wraps an existing mqtt.Client, typically a MockClient.
func NewMQTTClientWithClient(client mqtt.Client, cfg MQTTConfig, handler RequestHandler, logger *zap.Logger) *MQTTClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = "tractmesh"
	}
	c := &MQTTClient{client: client, cfg: cfg, handler: handler, logger: logger}
	if hc, ok := client.(interface{ SetOnConnect(mqtt.OnConnectHandler) }); ok {
		hc.SetOnConnect(c.onConnect)
	}
	return c
}

// RequestTopic is requestTopic when configured, else <prefix>/requests.
func (c *MQTTClient) RequestTopic() string {
	if c.cfg.RequestTopic != "" {
		return c.cfg.RequestTopic
	}
	return c.cfg.PublishPrefix + "/requests"
}

// Start connects in the background, retrying with exponential backoff
// until ctx is done.
func (c *MQTTClient) Start(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info("connecting to MQTT broker", zap.String("broker", c.cfg.Broker))
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.setConnected(true)
				return
			}
			c.logger.Warn("MQTT connection failed", zap.Error(token.Error()))
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	topic := c.RequestTopic()
	token := client.Subscribe(topic, 1, c.handleMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		return
	}
	c.logger.Info("subscribed", zap.String("topic", topic))
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("MQTT connection interrupted, auto-reconnect will retry", zap.Error(err))
	c.setConnected(false)
}

func (c *MQTTClient) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	c.logger.Debug("request received", zap.String("topic", msg.Topic()), zap.Int("bytes", len(payload)))

	req, err := DecodeRequest(payload)
	if err != nil {
		// Best effort: recover the id so the failure can be answered.
		var partial Request
		_ = json.Unmarshal(payload, &partial)
		c.logger.Warn("invalid request", zap.String("request_id", partial.RequestID), zap.Error(err))
		c.handler(partial, err)
		return
	}
	c.handler(req, nil)
}

// IsConnected reports the last known connection state.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes the connection.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying client for publishing.
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

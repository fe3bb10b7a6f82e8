package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is the subset of a broker message the adapter reads.
type Message interface {
	Topic() string
	Payload() []byte
}

type Handler func(Message)

// ClientAPI is the minimal surface area the session manager needs.
// It enables unit testing sessions without requiring a live broker.
type ClientAPI interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, cb Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
	Disconnect()
	IsConnected() bool
}

// Dialer builds a client for the given options without connecting it.
type Dialer func(Options) ClientAPI

type Options struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	TLS          *tls.Config
	KeepAlive    time.Duration
	CleanSession bool

	OnConnect        func()
	OnConnectionLost func(error)
	OnReconnecting   func()
}

type Client struct {
	cli    mqtt.Client
	broker string
}

// NormalizeBroker maps mqtt/tls scheme aliases onto the tcp/ssl schemes paho expects.
func NormalizeBroker(u string) string {
	u = strings.TrimSpace(u)
	switch {
	case strings.HasPrefix(u, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(u, "mqtt://")
	case strings.HasPrefix(u, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(u, "mqtts://")
	case strings.HasPrefix(u, "tls://"):
		return "ssl://" + strings.TrimPrefix(u, "tls://")
	}
	return u
}

// New builds a paho client with native auto-reconnect. The initial connect
// is not retried; callers see its failure from Connect.
func New(o Options) ClientAPI {
	broker := NormalizeBroker(o.BrokerURL)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	clientID := strings.TrimSpace(o.ClientID)
	if clientID == "" {
		clientID = "govee-adapter-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.TLS != nil {
		opts.SetTLSConfig(o.TLS)
	}
	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(o.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(time.Minute)

	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", broker, "client_id", clientID)
		if o.OnConnect != nil {
			o.OnConnect()
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", broker, "error", err)
		if o.OnConnectionLost != nil {
			o.OnConnectionLost(err)
		}
	}
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		slog.Info("mqtt reconnecting", "broker", broker)
		if o.OnReconnecting != nil {
			o.OnReconnecting()
		}
	})

	return &Client{cli: mqtt.NewClient(opts), broker: broker}
}

func (c *Client) Connect(ctx context.Context) error {
	tok := c.cli.Connect()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Subscribe(topic string, cb Handler) error {
	tok := c.cli.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		cb(msg)
	})
	if !tok.WaitTimeout(10 * time.Second) {
		return errors.New("mqtt subscribe timed out")
	}
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	tok := c.cli.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(10 * time.Second) {
		return errors.New("mqtt publish timed out")
	}
	return tok.Error()
}

func (c *Client) Unsubscribe(topic string) error {
	tok := c.cli.Unsubscribe(topic)
	if !tok.WaitTimeout(5 * time.Second) {
		return errors.New("mqtt unsubscribe timed out")
	}
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("mqtt unsubscribed", "topic", topic)
	return nil
}

func (c *Client) Disconnect() {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(250)
}

func (c *Client) IsConnected() bool {
	return c != nil && c.cli != nil && c.cli.IsConnected()
}

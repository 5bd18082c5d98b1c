// Package transport wraps github.com/eclipse/paho.mqtt.golang into
// the narrow publish/subscribe contract the controller needs:
// connect with a bounded deadline, publish a payload, and deliver
// subscribed messages on a bounded channel that the caller drains at
// known points, rather than from inside the MQTT library's own
// callback goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

// ErrUnavailable is returned when the broker cannot be reached
// within the connect deadline.
var ErrUnavailable = errors.New("transport: broker unavailable")

// Message is a parsed delivery: the originating topic and its raw
// payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes a delivered Message. It must not block.
type Handler func(Message)

// inboxSize bounds the channel the MQTT client's own callback
// goroutine writes to; the drain goroutine started by Subscribe
// empties it.
const inboxSize = 64

// Client is a connected MQTT pub/sub endpoint.
type Client struct {
	conn   mqtt.Client
	inbox  chan Message
	cancel context.CancelFunc
}

// Options configures a new Client.
type Options struct {
	BrokerAddress string
	BrokerPort    int
	ClientID      string
	ConnectWithin time.Duration
}

// Connect dials the broker and blocks, up to opts.ConnectWithin,
// until the connection is acknowledged. Returns ErrUnavailable on
// timeout, matching the TransportUnavailable error kind.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.ConnectWithin <= 0 {
		opts.ConnectWithin = 5 * time.Second
	}
	broker := fmt.Sprintf("tcp://%s:%d", opts.BrokerAddress, opts.BrokerPort)
	o := mqtt.NewClientOptions().AddBroker(broker).SetClientID(opts.ClientID).
		SetAutoReconnect(true).SetConnectRetry(false)

	c := &Client{inbox: make(chan Message, inboxSize)}
	o.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...)}
		select {
		case c.inbox <- msg:
		default:
			glog.Warningf("transport: inbox full, dropping message on %s", m.Topic())
		}
	})
	c.conn = mqtt.NewClient(o)

	token := c.conn.Connect()
	deadline := time.NewTimer(opts.ConnectWithin)
	defer deadline.Stop()
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
	case <-deadline.C:
		return nil, fmt.Errorf("%w: timed out connecting to %s", ErrUnavailable, broker)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	glog.Infof("transport: connected to %s", broker)
	return c, nil
}

// Publish sends payload on topic at QoS 1.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.conn.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h to receive future deliveries matching topic
// (which may contain MQTT wildcards). Since paho dispatches to the
// single default handler registered at Connect, each call starts a
// goroutine that drains the client's bounded inbox and calls h for
// every message in it, whatever its topic; Unsubscribe (or Disconnect)
// stops the goroutine started by the latest Subscribe.
func (c *Client) Subscribe(ctx context.Context, topic string, h Handler) error {
	token := c.conn.Subscribe(topic, 1, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", topic, err)
	}
	drainCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		for {
			select {
			case <-drainCtx.Done():
				return
			case m := <-c.inbox:
				h(m)
			}
		}
	}()
	return nil
}

// Unsubscribe stops draining topic and unsubscribes from the broker.
func (c *Client) Unsubscribe(topic string) error {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	token := c.conn.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Disconnect flushes outbound traffic and closes the connection.
func (c *Client) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	c.conn.Disconnect(250)
}

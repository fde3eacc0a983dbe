package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps a single publish. Lutron events and acks are a few
// hundred bytes; anything near this is a bug upstream.
const maxPayloadSize = 1 << 20

// MessageHandler receives one inbound message. paho runs handlers on its
// own goroutines. A returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// await blocks on a paho token and maps its outcome onto op.
func await(token pahomqtt.Token, op error, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %w after %v", op, ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", op, err)
	}
	return nil
}

// Publish sends payload to topic and waits for the broker to acknowledge
// it (QoS 1 and 2) or for the write to complete (QoS 0).
//
// Retained messages suit state and health topics. Commands and acks should
// not be retained.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed, defaultPublishTimeout)
}

// Subscribe routes messages matching filter to handler. The subscription
// is recorded before the broker confirms it and forgotten again on failure,
// so a reconnect racing the subscribe still replays it.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrSubscribeFailed, filter)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subs.put(subscription{filter: filter, qos: qos, handler: handler})
	token := c.client.Subscribe(filter, qos, c.wrapHandler(handler))
	if err := await(token, ErrSubscribeFailed, defaultPublishTimeout); err != nil {
		c.subs.remove(filter)
		return err
	}
	return nil
}

// Unsubscribe drops filter locally and at the broker. Messages already in
// flight may still reach the old handler.
func (c *Client) Unsubscribe(filter string) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subs.remove(filter)
	return await(c.client.Unsubscribe(filter), ErrUnsubscribeFailed, defaultPublishTimeout)
}

// SubscriptionCount returns how many filters will be replayed on reconnect.
func (c *Client) SubscriptionCount() int {
	return c.subs.len()
}

// HasSubscription reports whether filter (compared literally) is tracked.
func (c *Client) HasSubscription(filter string) bool {
	return c.subs.has(filter)
}

// resubscribe replays every tracked filter. Failures are logged; paho keeps
// retrying the connection and the next connect replays again.
func (c *Client) resubscribe() {
	for _, s := range c.subs.snapshot() {
		token := c.client.Subscribe(s.filter, s.qos, c.wrapHandler(s.handler))
		if err := await(token, ErrSubscribeFailed, defaultPublishTimeout); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT resubscribe failed", "filter", s.filter, "error", err)
			}
		}
	}
}

// wrapHandler adapts a MessageHandler to paho. Handler errors are logged
// and panics are recovered.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panicked", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler failed", "topic", msg.Topic(), "error", err)
			}
		}
	}
}

package mqtt

import "errors"

var (
	// ErrNotConnected means the broker link is down. Publishes are not queued.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnectionFailed wraps the broker's reason for refusing the first connect.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrInvalidTopic covers empty topics, wildcards in a publish topic and
	// malformed subscription filters.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrPayloadTooLarge is returned before a publish reaches the broker.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrTimeout is wrapped alongside the operation error when the broker
	// does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: broker did not acknowledge in time")
)

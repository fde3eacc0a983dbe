package mqtt

import (
	"fmt"
	"strings"
)

// systemStatusPrefix roots the retained per-service online/offline topics.
const systemStatusPrefix = "graylogic/system/status"

// ServiceStatusTopic returns the retained status topic of one MQTT client,
// e.g. graylogic/system/status/graylogic-lutron.
func ServiceStatusTopic(clientID string) string {
	return systemStatusPrefix + "/" + clientID
}

// validatePublishTopic rejects topics a broker would refuse to route.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// validateFilter checks wildcard placement in a subscription filter.
// "+" must fill a whole level and "#" must be the whole last level.
func validateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: %q has # before the last level", ErrInvalidTopic, filter)
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: %q mixes a wildcard into level %q", ErrInvalidTopic, filter, level)
		}
	}
	return nil
}

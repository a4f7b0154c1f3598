package mqtt

import (
	"fmt"
	"strings"

	"github.com/nerrad567/hame-relay-core/internal/device"
)

// Availability payloads, shared by the relay status and device topics.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// RelayStatusTopic returns the retained status topic of a relay instance.
// The broker publishes PayloadOffline here via LWT if the relay dies.
//
// Example: hame_energy/relay/hamerelay/status
func RelayStatusTopic(clientID string) string {
	return fmt.Sprintf("%s/relay/%s/status", device.TopicPrefix, clientID)
}

// validatePublishTopic rejects topics a broker would refuse for PUBLISH.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// validateFilter rejects malformed subscription filters.
// "#" must be the last level and "+" must occupy a whole level.
func validateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: misplaced # in %q", ErrInvalidTopic, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: misplaced + in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

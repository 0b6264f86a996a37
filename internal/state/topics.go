package state

import (
	"sort"

	"github.com/thatsimonsguy/valve-controller/internal/config"
)

// Field topic suffixes, joined to the configured prefix.
const (
	TopicTemperature = "temperature"
	TopicOutside     = "outside_temperature"
	TopicHumidity    = "humidity"
	TopicStatus      = "status"
	TopicTarget      = "target_temperature"
	TopicComposite   = "data"
	TopicDisplay     = "lcd_display"
	TopicSchedules   = "schedules"
)

// TopicTable maps full topic names to their decoders.
type TopicTable map[string]Decoder

// PerFieldTopics is the plain-text one-topic-per-field generation.
func PerFieldTopics(prefix string) TopicTable {
	return TopicTable{
		prefix + TopicTemperature: DecodeTemperature,
		prefix + TopicOutside:     DecodeOutside,
		prefix + TopicHumidity:    DecodeHumidity,
		prefix + TopicStatus:      DecodeStatus,
		prefix + TopicTarget:      DecodeTarget,
	}
}

// CompositeTopics is the JSON status generation.
func CompositeTopics(prefix string) TopicTable {
	return TopicTable{prefix + TopicComposite: DecodeComposite}
}

// DisplayTopics is the LCD mirror generation.
func DisplayTopics(prefix string) TopicTable {
	return TopicTable{prefix + TopicDisplay: DecodeDisplay}
}

// DefaultTopics accepts every known generation.
func DefaultTopics(prefix string) TopicTable {
	return merge(PerFieldTopics(prefix), CompositeTopics(prefix), DisplayTopics(prefix))
}

// TopicsFor returns the table selected by cfg.TopicSchema.
func TopicsFor(cfg *config.Config) TopicTable {
	switch cfg.TopicSchema {
	case config.TopicsPerField:
		return PerFieldTopics(cfg.TopicPrefix)
	case config.TopicsComposite:
		return merge(PerFieldTopics(cfg.TopicPrefix), CompositeTopics(cfg.TopicPrefix))
	case config.TopicsDisplay:
		return DisplayTopics(cfg.TopicPrefix)
	default:
		return DefaultTopics(cfg.TopicPrefix)
	}
}

// Topics lists the subscribed topic names in sorted order.
func (t TopicTable) Topics() []string {
	out := make([]string, 0, len(t))
	for topic := range t {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func merge(tables ...TopicTable) TopicTable {
	out := TopicTable{}
	for _, t := range tables {
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}

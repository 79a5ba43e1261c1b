// Package feed connects detour to Kafka: it consumes provider availability
// readings and relays the audit event log to a topic.
package feed

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

const (
	TopicProviderAvailability = "detour.provider.availability"
	TopicEvents               = "detour.events"

	defaultGroupID = "detour-feed"
)

type Config struct {
	Brokers       []string
	GroupID       string
	ProviderTopic string
	EventsTopic   string
	RetryMax      int
	RequiredAcks  int
}

func (c Config) providerTopic() string {
	if c.ProviderTopic != "" {
		return c.ProviderTopic
	}
	return TopicProviderAvailability
}

func (c Config) eventsTopic() string {
	if c.EventsTopic != "" {
		return c.EventsTopic
	}
	return TopicEvents
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func NewConsumerGroup(cfg Config) (sarama.ConsumerGroup, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = defaultGroupID
	}
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_8_0_0
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return group, nil
}

func NewSyncProducer(cfg Config) (sarama.SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	acks := cfg.RequiredAcks
	if acks == 0 {
		acks = int(sarama.WaitForAll)
	}
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.RequiredAcks(acks)
	saramaCfg.Producer.Retry.Max = cfg.RetryMax
	saramaCfg.Producer.Return.Successes = true

	prod, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return prod, nil
}

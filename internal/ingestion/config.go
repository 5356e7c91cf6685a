package ingestion

import (
	"errors"
	"time"

	"github.com/avesa-io/avesa/internal/config"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 5 * time.Second
	defaultGroupID       = "avesa-transformer"
	defaultTopic         = "avesa.raw-records"
)

// Sentinel errors for consumer configuration.
var (
	// ErrNoBrokers is returned when no Kafka brokers are configured.
	ErrNoBrokers = errors.New("no kafka brokers configured")

	// ErrTopicEmpty is returned when the topic is empty.
	ErrTopicEmpty = errors.New("kafka topic cannot be empty")
)

// Config holds Kafka consumer configuration for the transformation pipeline.
type Config struct {
	Brokers       []string
	Topic         string
	GroupID       string
	MappingBucket string
	BatchSize     int
	FlushInterval time.Duration
}

// LoadConsumerConfig loads consumer configuration from environment variables
// with fallback to defaults.
func LoadConsumerConfig() *Config {
	return &Config{
		Brokers:       config.ParseCommaSeparatedList(config.GetEnvStr("AVESA_KAFKA_BROKERS", "")),
		Topic:         config.GetEnvStr("AVESA_KAFKA_TOPIC", defaultTopic),
		GroupID:       config.GetEnvStr("AVESA_KAFKA_GROUP_ID", defaultGroupID),
		MappingBucket: config.GetEnvStr("AVESA_MAPPING_BUCKET", ""),
		BatchSize:     config.GetEnvInt("AVESA_CONSUMER_BATCH_SIZE", defaultBatchSize),
		FlushInterval: config.GetEnvDuration("AVESA_CONSUMER_FLUSH_INTERVAL", defaultFlushInterval),
	}
}

// Validate checks if the consumer configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if c.Topic == "" {
		return ErrTopicEmpty
	}

	return nil
}

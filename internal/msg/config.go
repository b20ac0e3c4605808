package msg

import (
	"os"
	"strings"
)

// Config holds Kafka connection settings for the drop copy
type Config struct {
	Brokers  []string
	ClientID string
}

// Topic names
const (
	TopicOrdersExecutions = "orders.executions"
)

// LoadConfig reads KAFKA_BROKERS (comma separated) and KAFKA_CLIENT_ID
func LoadConfig() *Config {
	return &Config{
		Brokers:  SplitBrokers(getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092")),
		ClientID: getEnvAsString("KAFKA_CLIENT_ID", "fix-order-gateway"),
	}
}

// SplitBrokers turns "a:9092, b:9092" into a clean broker list
func SplitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

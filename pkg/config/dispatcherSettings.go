package config

import "time"

// DispatcherSettings holds configuration for the delivery target.
type DispatcherSettings struct {
	Type      string        `mapstructure:"type" validate:"required,oneof=http rabbitmq gcp-pubsub"`
	BaseURL   string        `mapstructure:"base_url"`   // HTTP: provider API base URL
	AuthToken string        `mapstructure:"auth_token"` // HTTP: bearer token, optional
	Timeout   time.Duration `mapstructure:"timeout"`    // HTTP: per-request timeout
	URL       string        `mapstructure:"url"`        // RabbitMQ
	Exchange  string        `mapstructure:"exchange"`   // RabbitMQ
	PoolSize  int           `mapstructure:"pool_size"`  // RabbitMQ channel pool
	ProjectID string        `mapstructure:"projectID"`  // GCP Pub/Sub
}

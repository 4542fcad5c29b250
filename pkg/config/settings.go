package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings         `mapstructure:"database"`
	Dispatcher    DispatcherSettings `mapstructure:"dispatcher"`
	PollInterval  time.Duration      `mapstructure:"poll_interval"`
	BatchSize     int                `mapstructure:"batch_size"`
	MaxTries      int                `mapstructure:"max_tries"` // dead-letter ceiling, enforced by the worker
	Retry         RetrySettings      `mapstructure:"retry"`
	Breaker       BreakerSettings    `mapstructure:"breaker"`
	Observability Observability      `mapstructure:"observability"`
}

// RetrySettings configures the per-dispatch retry executor and the backoff
// schedule used for outbox-level retries.
type RetrySettings struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	JitterRatio float64       `mapstructure:"jitter_ratio"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
}

// BreakerSettings configures the optional circuit breaker around dispatch.
type BreakerSettings struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("worker")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "worker."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging %s config: %s\n", env, err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OUTBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like OUTBOX_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.db_name")
	viper.BindEnv("database.collection")
	viper.BindEnv("dispatcher.type")
	viper.BindEnv("dispatcher.base_url")
	viper.BindEnv("dispatcher.auth_token")
	viper.BindEnv("dispatcher.url")
	viper.BindEnv("dispatcher.exchange")
	viper.BindEnv("dispatcher.projectID")
	viper.BindEnv("poll_interval")
	viper.BindEnv("batch_size")
	viper.BindEnv("max_tries")
	viper.BindEnv("retry.max_attempts")
	viper.BindEnv("retry.base_delay")
	viper.BindEnv("retry.max_delay")
	viper.BindEnv("retry.jitter_ratio")
	viper.BindEnv("retry.max_elapsed")
	viper.BindEnv("breaker.enabled")
	viper.BindEnv("breaker.threshold")
	viper.BindEnv("breaker.cooldown")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

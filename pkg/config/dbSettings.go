package config

// DbSettings holds configuration for connecting to the outbox store.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres mongodb spanner"`
	DSN        string `mapstructure:"dsn"`        // Postgres
	URI        string `mapstructure:"uri"`        // MongoDB connection string or Spanner database path
	DBName     string `mapstructure:"db_name"`    // MongoDB
	Collection string `mapstructure:"collection"` // MongoDB, defaults to "task_outbox"
}

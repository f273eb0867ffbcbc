package config

import "fmt"

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, &ValidationError{Field: "storage.sqlite_path", Message: "sqlite_path is required for the sqlite backend"})
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, &ValidationError{Field: "storage.postgres_url", Message: "postgres_url is required for the postgres backend"})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("must be one of memory, sqlite, postgres, got %q", c.Storage.Backend),
		})
	}

	if c.Cache.Enabled && c.Cache.MaxEntries < 1 {
		errs = append(errs, &ValidationError{Field: "cache.max_entries", Message: "max_entries must be positive when the cache is enabled"})
	}

	if c.Sync.BatchSize < 1 {
		errs = append(errs, &ValidationError{Field: "sync.batch_size", Message: fmt.Sprintf("batch_size must be positive, got %d", c.Sync.BatchSize)})
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, &ValidationError{Field: "sync.concurrency", Message: fmt.Sprintf("concurrency must be positive, got %d", c.Sync.Concurrency)})
	}

	switch c.Policy.Type {
	case "local", "mock":
	case "remote":
		if c.Policy.RemoteURL == "" {
			errs = append(errs, &ValidationError{Field: "policy.remote_url", Message: "remote_url is required for the remote evaluator"})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "policy.type",
			Message: fmt.Sprintf("must be one of local, mock, remote, got %q", c.Policy.Type),
		})
	}
	if c.Policy.FailMode != "open" && c.Policy.FailMode != "closed" {
		errs = append(errs, &ValidationError{Field: "policy.fail_mode", Message: fmt.Sprintf("must be open or closed, got %q", c.Policy.FailMode)})
	}
	if c.Policy.TimeoutMs < 1 {
		errs = append(errs, &ValidationError{Field: "policy.timeout_ms", Message: "timeout_ms must be positive"})
	}

	if c.Query.DefaultDepth < 0 || c.Query.DefaultDepth > 10 {
		errs = append(errs, &ValidationError{Field: "query.default_depth", Message: fmt.Sprintf("default_depth must be between 0 and 10, got %d", c.Query.DefaultDepth)})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, &ValidationError{Field: "tracing.sampling_rate", Message: "sampling_rate must be between 0 and 1"})
	}

	return errs
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AuditSinks lists the accepted audit.sink values.
var AuditSinks = []string{"memory", "file", "sqlite", "postgres"}

// RegisterCustomValidators registers the config-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_sink", validateAuditSink); err != nil {
		return fmt.Errorf("failed to register audit_sink validator: %w", err)
	}
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateAuditSink accepts one of AuditSinks.
func validateAuditSink(fl validator.FieldLevel) bool {
	sink := fl.Field().String()
	for _, s := range AuditSinks {
		if sink == s {
			return true
		}
	}
	return false
}

// validateDuration accepts a positive Go duration string.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages if validation fails.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateAuditTarget(); err != nil {
		return err
	}

	return c.validateEpochBackend()
}

// validateAuditTarget ensures the selected sink has its location configured.
func (c *Config) validateAuditTarget() error {
	switch c.Audit.Sink {
	case "file":
		if c.Audit.Dir == "" {
			return errors.New("audit: sink \"file\" requires audit.dir")
		}
	case "sqlite":
		if c.Audit.SQLitePath == "" {
			return errors.New("audit: sink \"sqlite\" requires audit.sqlite_path")
		}
	case "postgres":
		if c.Audit.PostgresDSN == "" {
			return errors.New("audit: sink \"postgres\" requires audit.postgres_dsn")
		}
	}
	return nil
}

// validateEpochBackend ensures the redis backend has an address.
func (c *Config) validateEpochBackend() error {
	if c.Epochs.Backend == "redis" && c.Epochs.RedisAddr == "" {
		return errors.New("epochs: backend \"redis\" requires epochs.redis_addr")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as \"500ms\" or \"10s\"", field)
	case "audit_sink":
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(AuditSinks, " "))
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

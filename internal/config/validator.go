package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration with struct tags plus the cross-field
// rules the tags cannot express. Returns an actionable error on failure;
// the process must not start on a broken configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateBackendLink(); err != nil {
		return err
	}
	if err := c.validateClassifier(); err != nil {
		return err
	}
	if err := c.validateJitter(); err != nil {
		return err
	}
	if err := c.validateSensitivePaths(); err != nil {
		return err
	}
	return c.validateScrubPatterns()
}

// validateBackendLink ensures the gateway knows exactly how to reach the
// backend: a subprocess command or an HTTP endpoint, never both.
func (c *Config) validateBackendLink() error {
	hasTarget := c.Gateway.Target != ""
	hasURL := c.Gateway.BackendURL != ""

	if hasTarget && hasURL {
		return errors.New("gateway: specify target OR backend_url, not both")
	}
	if !hasTarget && !hasURL {
		return errors.New("gateway: a backend is required: set target (spawned subprocess) or backend_url (running HTTP backend)")
	}
	return nil
}

// validateClassifier ensures http mode names an endpoint and that the mock
// table's scores stay inside [0,1].
func (c *Config) validateClassifier() error {
	if c.Classifier.Mode == "http" && c.Classifier.Endpoint == "" {
		return errors.New("classifier: http mode requires an endpoint")
	}
	for i, r := range c.Classifier.Mock.Rules {
		if r.RiskScore != nil && (*r.RiskScore < 0 || *r.RiskScore > 1) {
			return fmt.Errorf("classifier.mock.rules[%d]: risk_score %v outside [0,1]", i, *r.RiskScore)
		}
		if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
			return fmt.Errorf("classifier.mock.rules[%d]: confidence %v outside [0,1]", i, *r.Confidence)
		}
	}
	return nil
}

// validateJitter ensures the shadow jitter window is well-formed.
func (c *Config) validateJitter() error {
	if c.Backend.JitterMin < 0 || c.Backend.JitterMax < 0 {
		return errors.New("backend: jitter bounds must be non-negative")
	}
	if c.Backend.JitterMax < c.Backend.JitterMin {
		return fmt.Errorf("backend: jitter_max %s below jitter_min %s",
			c.Backend.JitterMax, c.Backend.JitterMin)
	}
	return nil
}

// validateSensitivePaths compiles the backend's path patterns so a typo is
// caught at startup rather than on the first read.
func (c *Config) validateSensitivePaths() error {
	for i, p := range c.Backend.SensitivePaths {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("backend.sensitive_paths[%d] %q: %w", i, p, err)
		}
	}
	return nil
}

// validateScrubPatterns compiles the extra sanitizer patterns up front.
func (c *Config) validateScrubPatterns() error {
	for i, p := range c.Sanitize.Patterns {
		if _, err := regexp.Compile(p.Expr); err != nil {
			return fmt.Errorf("sanitize.patterns[%d] %q: %w", i, p.Name, err)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors into one
// readable message.
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

// formatSingleValidationError creates a readable message for one failure.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, e.Param())
	case "hexadecimal":
		return fmt.Sprintf("%s must be hexadecimal", field)
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

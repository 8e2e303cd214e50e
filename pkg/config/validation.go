package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks cfg against its struct tags and any cross-field rules
// that a tag alone cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(verrs)
		}
		return err
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry.enabled is true")
	}

	return nil
}

func formatValidationErrors(errs validator.ValidationErrors) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = fmt.Sprintf("%s: failed %q validation (got %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

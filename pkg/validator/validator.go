// Package validator provides struct validation for the actor configuration.
// It wraps go-playground validator.v10 and registers tags for the training
// enumerations so that a misspelled mode fails at load time instead of at the
// first training step.
package validator

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/openeeap/rlactor/pkg/types"
)

// ============================================================================
// Validator Instance
// ============================================================================

var (
	// Global validator instance
	global *Validator
	once   sync.Once
)

// Validator wraps go-playground validator with custom rules
type Validator struct {
	validator *validator.Validate
}

// New creates a new validator instance with custom rules. Field names in
// errors are the configuration keys (mapstructure tag), falling back to json.
func New() *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"mapstructure", "json"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})

	registerCustomValidations(v)

	return &Validator{validator: v}
}

// GetValidator returns the global validator instance
func GetValidator() *Validator {
	once.Do(func() {
		global = New()
	})
	return global
}

// Validate validates a struct based on tags
func (v *Validator) Validate(i interface{}) error {
	if err := v.validator.Struct(i); err != nil {
		return v.formatValidationError(err)
	}
	return nil
}

// ValidateVar validates a single variable
func (v *Validator) ValidateVar(field interface{}, tag string) error {
	if err := v.validator.Var(field, tag); err != nil {
		return v.formatValidationError(err)
	}
	return nil
}

// ============================================================================
// Custom Validation Rules
// ============================================================================

func registerCustomValidations(v *validator.Validate) {
	_ = v.RegisterValidation("loss_agg_mode", validateLossAggMode)
	_ = v.RegisterValidation("kl_loss_type", validateKLLossType)
	_ = v.RegisterValidation("sft_type", validateSFTType)
	_ = v.RegisterValidation("tracing_provider", validateTracingProvider)
	_ = v.RegisterValidation("log_level", validateLogLevel)
}

func validateLossAggMode(fl validator.FieldLevel) bool {
	return types.LossAggMode(fl.Field().String()).Valid()
}

func validateKLLossType(fl validator.FieldLevel) bool {
	return types.KLPenaltyType(fl.Field().String()).Valid()
}

// validateSFTType accepts the empty string, which means no auxiliary loss
func validateSFTType(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s == "" || types.SFTType(s).Valid()
}

func validateTracingProvider(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s == "" || types.TracingProvider(s).Valid()
}

func validateLogLevel(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "", "debug", "info", "warn", "warning", "error", "fatal":
		return true
	default:
		return false
	}
}

// ============================================================================
// Error Formatting
// ============================================================================

// ValidationError represents a formatted validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
}

func (v *Validator) formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	errs := make([]ValidationError, 0, len(validationErrors))
	for _, e := range validationErrors {
		errs = append(errs, ValidationError{
			Field:   e.Namespace(),
			Message: getErrorMessage(e),
			Tag:     e.Tag(),
			Value:   fmt.Sprintf("%v", e.Value()),
		})
	}
	return &FormattedValidationError{Errors: errs}
}

// FormattedValidationError contains multiple validation errors
type FormattedValidationError struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements error interface
func (f *FormattedValidationError) Error() string {
	messages := make([]string, 0, len(f.Errors))
	for _, e := range f.Errors {
		messages = append(messages, e.Message)
	}
	return strings.Join(messages, "; ")
}

// getErrorMessage returns human-readable error message for validation tag
func getErrorMessage(fe validator.FieldError) string {
	field := fe.Field()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a host:port address", field)
	case "loss_agg_mode":
		return fmt.Sprintf("%s must be one of token-mean, seq-mean-token-sum, seq-mean-token-mean, seq-mean-token-sum-norm, max-tokens", field)
	case "kl_loss_type":
		return fmt.Sprintf("%s must be one of kl, k1, abs, mse, k2, low_var_kl, k3", field)
	case "sft_type":
		return fmt.Sprintf("%s must be bilevel or multi_task", field)
	case "tracing_provider":
		return fmt.Sprintf("%s must be one of none, otlp, zipkin", field)
	case "log_level":
		return fmt.Sprintf("%s must be a log level", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// ValidateStruct validates a struct using the global validator
func ValidateStruct(s interface{}) error {
	return GetValidator().Validate(s)
}

//Personal.AI order the ending

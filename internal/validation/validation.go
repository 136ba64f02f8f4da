package validation

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"workcell/internal/qty"
)

// ValidationError represents a structured validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects multiple field errors.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (ve *ValidationErrors) Add(field, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Field: field, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, len(ve.Errors))
	for i, e := range ve.Errors {
		msgs[i] = e.Field + ": " + e.Message
	}
	return strings.Join(msgs, "; ")
}

// Err returns ve as an error, or nil when nothing was collected.
func (ve *ValidationErrors) Err() error {
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// Single returns a one-field validation error.
func Single(field, message string) error {
	ve := &ValidationErrors{}
	ve.Add(field, message)
	return ve
}

// RequireField checks a required string field is non-empty.
func RequireField(ve *ValidationErrors, field, value string) {
	if strings.TrimSpace(value) == "" {
		ve.Add(field, "is required")
	}
}

// RequireID checks a reference id is set.
func RequireID(ve *ValidationErrors, field string, id int64) {
	if id <= 0 {
		ve.Add(field, "is required")
	}
}

// ValidateEnum checks a field is one of allowed values.
func ValidateEnum(ve *ValidationErrors, field, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	ve.Add(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
}

// ValidateDate checks a field is a valid date (YYYY-MM-DD).
func ValidateDate(ve *ValidationErrors, field, value string) {
	if value == "" {
		return
	}
	_, err := time.Parse("2006-01-02", value)
	if err != nil {
		ve.Add(field, "must be a valid date (YYYY-MM-DD)")
	}
}

// ValidateEmail checks a field is a valid email (if non-empty).
func ValidateEmail(ve *ValidationErrors, field, value string) {
	if value == "" {
		return
	}
	if _, err := mail.ParseAddress(value); err != nil {
		ve.Add(field, "must be a valid email address")
	}
}

// ValidateMaxLength checks string doesn't exceed max length.
func ValidateMaxLength(ve *ValidationErrors, field, value string, max int) {
	if len(value) > max {
		ve.Add(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

// Maximum value constants to prevent overflow and ensure reasonable limits.
const (
	MaxQuantity     = 1000000
	MaxWorkOrderQty = 100000
	MaxStringLength = 10000
)

// ValidatePositiveQty checks a quantity is > 0, within MaxQuantity and has at
// most qty.Places decimals.
func ValidatePositiveQty(ve *ValidationErrors, field string, value decimal.Decimal) {
	if !value.IsPositive() {
		ve.Add(field, "must be a positive number")
		return
	}
	validateQty(ve, field, value, MaxQuantity)
}

// ValidateNonNegativeQty checks a quantity is >= 0 with at most qty.Places decimals.
func ValidateNonNegativeQty(ve *ValidationErrors, field string, value decimal.Decimal) {
	if value.IsNegative() {
		ve.Add(field, "must be non-negative")
		return
	}
	validateQty(ve, field, value, MaxQuantity)
}

// ValidateWorkOrderQty checks a build quantity for a work order.
func ValidateWorkOrderQty(ve *ValidationErrors, field string, value decimal.Decimal) {
	if !value.IsPositive() {
		ve.Add(field, "must be a positive number")
		return
	}
	validateQty(ve, field, value, MaxWorkOrderQty)
}

func validateQty(ve *ValidationErrors, field string, value decimal.Decimal, max int64) {
	if value.GreaterThan(decimal.NewFromInt(max)) {
		ve.Add(field, fmt.Sprintf("exceeds maximum allowed quantity of %d", max))
		return
	}
	if !qty.HasValidScale(value) {
		ve.Add(field, fmt.Sprintf("must have at most %d decimal places", qty.Places))
	}
}

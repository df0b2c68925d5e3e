package security

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// User context limits.
const (
	MaxUserIDLength         = 256
	MaxDeviceLength         = 32
	MaxAttributes           = 32
	MaxAttributeKeyLength   = 64
	MaxAttributeValueLength = 256
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// ValidateUserID checks a user id.
// Requirements: Required, at most 256 chars, valid UTF-8, no control characters.
func ValidateUserID(id string) error {
	if id == "" {
		return &ValidationError{Field: "context.user_id", Constraint: "required"}
	}
	return validateText("context.user_id", id, MaxUserIDLength)
}

// ValidateDevice checks an optional device class.
func ValidateDevice(device string) error {
	if device == "" {
		return nil
	}
	return validateText("context.device", device, MaxDeviceLength)
}

// ValidateAttributes checks the optional attribute map.
func ValidateAttributes(attrs map[string]string) error {
	if len(attrs) > MaxAttributes {
		return &ValidationError{
			Field:      "context.attributes",
			Value:      len(attrs),
			Constraint: fmt.Sprintf("at most %d attributes", MaxAttributes),
		}
	}
	for key, value := range attrs {
		if key == "" {
			return &ValidationError{Field: "context.attributes", Constraint: "keys must not be empty"}
		}
		if err := validateText("context.attributes key", key, MaxAttributeKeyLength); err != nil {
			return err
		}
		if err := validateText("context.attributes."+key, value, MaxAttributeValueLength); err != nil {
			return err
		}
	}
	return nil
}

func validateText(field, s string, maxLen int) error {
	if !utf8.ValidString(s) {
		return &ValidationError{Field: field, Constraint: "must be valid UTF-8"}
	}
	if n := utf8.RuneCountInString(s); n > maxLen {
		return &ValidationError{
			Field:      field,
			Value:      n,
			Constraint: fmt.Sprintf("maximum length is %d characters", maxLen),
		}
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return &ValidationError{Field: field, Constraint: "must not contain control characters"}
		}
	}
	return nil
}

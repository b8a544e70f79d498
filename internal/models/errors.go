package models

import (
	"errors"
	"fmt"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// Common errors
var (
	// Rule errors
	ErrRuleNotFound      = errors.New("rule not found")
	ErrRuleNotDeployed   = errors.New("rule is not deployed")
	ErrInvalidTransition = errors.New("invalid rule status transition")
	ErrNoConditions      = NewValidationError("conditions", "rule must have at least one condition")
	ErrNoActions         = NewValidationError("actions", "rule must have at least one action")
	ErrMissingOwner      = NewValidationError("owner_id", "owner ID is required")
	ErrUnknownToken      = errors.New("token does not resolve in registry")

	// Oracle errors
	ErrOracleOutage     = errors.New("all oracle providers failed")
	ErrSnapshotNotFound = errors.New("oracle snapshot not found")

	// Account errors
	ErrAccountNotFound = errors.New("account not found")

	// Engine errors
	ErrRuleLoadFailed = errors.New("failed to load rules")

	// Storage errors
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrConnection   = errors.New("database connection error")

	// General errors
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternal       = errors.New("internal error")
	ErrNotImplemented = errors.New("not implemented")
)

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrSnapshotNotFound)
}

// IsValidationError checks if error is a validation error
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var ve ValidationError
	return errors.As(err, &ve)
}

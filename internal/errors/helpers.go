package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewProtocolError creates a fatal protocol-violation error for a single request
func NewProtocolError(messageType, reason string) *AppError {
	return New(ErrCodeReturnRoute, fmt.Sprintf("%s must have transport decorator with return route set to all", messageType)).
		WithContext("message_type", messageType).
		WithContext("reason", reason)
}

// NewLimitError creates an error for a non-positive delivery limit
func NewLimitError(limit int) *AppError {
	return New(ErrCodeInvalidLimit, "delivery limit must be a positive integer").
		WithContext("limit", limit)
}

// NewStoreError creates a queue-backend error with operation context
func NewStoreError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeStoreQuery, fmt.Sprintf("queue %s failed", operation)).
		WithContext("operation", operation)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration)
}

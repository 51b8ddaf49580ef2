// Package errors defines unified error types for memory provider operations.
// Provider failures are mapped to these standard kinds so the router can make
// fallback decisions without inspecting backend-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure.
type Kind string

const (
	// KindConfiguration marks missing or invalid credentials/settings.
	// Resolved by disabling the provider at initialization, never mid-request.
	KindConfiguration Kind = "configuration_error"

	// KindConnectivity marks a transient network or remote API failure.
	// Eligible for call-time fallback.
	KindConnectivity Kind = "connectivity_error"

	// KindSelection marks a provider that could not be activated at startup.
	KindSelection Kind = "selection_error"

	// KindValidation marks input rejected by a remote API. Never retried.
	KindValidation Kind = "validation_error"

	// KindDisabled marks an operation attempted on a disabled provider.
	KindDisabled Kind = "provider_disabled"

	// KindUnsupported marks an operation the backend cannot perform,
	// such as updating content on an immutable hosted record.
	KindUnsupported Kind = "unsupported_operation"
)

// ProviderError represents a standardized error from a memory provider.
type ProviderError struct {
	Kind      Kind
	Provider  string
	Op        string
	Message   string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v (provider=%s)", e.Kind, e.Op, e.Message, e.Err, e.Provider)
	}
	return fmt.Sprintf("[%s] %s: %s (provider=%s)", e.Kind, e.Op, e.Message, e.Provider)
}

// Unwrap returns the underlying cause.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(provider, op, message string) *ProviderError {
	return &ProviderError{Kind: KindConfiguration, Provider: provider, Op: op, Message: message}
}

// NewConnectivityError creates a transient connectivity error wrapping cause.
func NewConnectivityError(provider, op string, cause error) *ProviderError {
	return &ProviderError{
		Kind:      KindConnectivity,
		Provider:  provider,
		Op:        op,
		Message:   "backend unreachable",
		Retryable: true,
		Err:       cause,
	}
}

// NewSelectionError creates a provider selection error.
func NewSelectionError(provider, message string, cause error) *ProviderError {
	return &ProviderError{Kind: KindSelection, Provider: provider, Op: "select", Message: message, Err: cause}
}

// NewValidationError creates a validation error for rejected input.
func NewValidationError(provider, op, message string) *ProviderError {
	return &ProviderError{Kind: KindValidation, Provider: provider, Op: op, Message: message}
}

// NewDisabledError creates an error for operations on a disabled provider.
func NewDisabledError(provider, op string) *ProviderError {
	return &ProviderError{Kind: KindDisabled, Provider: provider, Op: op, Message: "provider is not enabled"}
}

// NewUnsupportedError creates an error for operations a backend cannot perform.
func NewUnsupportedError(provider, op, message string) *ProviderError {
	return &ProviderError{Kind: KindUnsupported, Provider: provider, Op: op, Message: message}
}

// KindOf extracts the Kind from err, or empty string if err is not a ProviderError.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether the error is worth retrying against a fallback.
// Unknown error types are treated as retryable so a flaky backend never blocks
// the fallback path.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable || pe.Kind == KindConnectivity || pe.Kind == KindDisabled
	}
	return true
}

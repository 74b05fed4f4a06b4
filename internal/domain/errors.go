package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrIntegrity          = errors.New("integrity violation")
	ErrLocalStore         = errors.New("local store error")
	ErrAggregationFailure = errors.New("aggregation failure")
	ErrInvalidProfile     = errors.New("invalid patient profile")
)

// APIError represents a standardized error response
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for API responses
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeDatabase      = "DATABASE_ERROR"
	ErrCodeAggregation   = "AGGREGATION_FAILURE"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInternal      = "INTERNAL_SERVER_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeProtocolError = "PROTOCOL_ERROR"
)

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Is lets validation errors match ErrInvalidProfile
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidProfile
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NodeError is a failure contained to a single federation node
type NodeError struct {
	NodeID string
	Kind   NodeFailureKind
	Err    error
}

func (e *NodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Kind)
	}
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError creates a NodeError of the given kind
func NewNodeError(nodeID string, kind NodeFailureKind, err error) *NodeError {
	return &NodeError{NodeID: nodeID, Kind: kind, Err: err}
}

// AggregationError is returned when neither the internal nor the external
// branch produced a usable MatchRecord.
type AggregationError struct {
	PatientID   string
	InternalErr error
	ExternalErr error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation failed for patient %s: internal: %v; external: %v",
		e.PatientID, e.InternalErr, e.ExternalErr)
}

// Is matches ErrAggregationFailure
func (e *AggregationError) Is(target error) bool {
	return target == ErrAggregationFailure
}

// Unwrap exposes both branch errors to errors.Is / errors.As
func (e *AggregationError) Unwrap() []error {
	var errs []error
	if e.InternalErr != nil {
		errs = append(errs, e.InternalErr)
	}
	if e.ExternalErr != nil {
		errs = append(errs, e.ExternalErr)
	}
	return errs
}

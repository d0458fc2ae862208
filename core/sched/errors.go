package sched

import (
	"fmt"
)

// Error codes for scheduler operations
const (
	// Registry errors
	ErrCodeNodeNotFound    = "NODE_NOT_FOUND"
	ErrCodeNodeQuarantined = "NODE_QUARANTINED"
	ErrCodeNotEnrolled     = "NOT_ENROLLED"
	ErrCodeRateLimited     = "RATE_LIMITED"

	// Dispatch errors
	ErrCodeNoCandidates  = "NO_CANDIDATES"
	ErrCodeClaimConflict = "CLAIM_CONFLICT"
	ErrCodeLeaseExpired  = "LEASE_EXPIRED"
	ErrCodeCircuitOpen   = "CIRCUIT_OPEN"
	ErrCodeOverloaded    = "OVERLOADED"

	// Aggregation errors
	ErrCodeDigestMismatch   = "DIGEST_MISMATCH"
	ErrCodeDuplicateResult  = "DUPLICATE_RESULT"
	ErrCodeQuorumNotReached = "QUORUM_NOT_REACHED"
	ErrCodeTaskNotFound     = "TASK_NOT_FOUND"

	// Container errors
	ErrCodeContainerUnknown = "CONTAINER_UNKNOWN"
	ErrCodeVRAMExceeded     = "VRAM_EXCEEDED"

	// Link errors
	ErrCodeLinkClosed = "LINK_CLOSED"
	ErrCodeSendFailed = "SEND_FAILED"
	ErrCodeTimeout    = "TIMEOUT"

	// Config errors
	ErrCodeBadConfig = "BAD_CONFIG"
)

// SchedError is a production-grade error type with context
type SchedError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *SchedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *SchedError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *SchedError) WithContext(key string, value interface{}) *SchedError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewSchedError creates a new scheduler error
func NewSchedError(code, message string) *SchedError {
	return &SchedError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with scheduler error context
func WrapError(code, message string, cause error) *SchedError {
	return &SchedError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors

func ErrNodeNotFound(nodeID string) *SchedError {
	return NewSchedError(ErrCodeNodeNotFound, "node not found").
		WithContext("node_id", nodeID)
}

func ErrNodeQuarantined(nodeID string) *SchedError {
	return NewSchedError(ErrCodeNodeQuarantined, "node is quarantined").
		WithContext("node_id", nodeID)
}

func ErrNotEnrolled(nodeID string, cause error) *SchedError {
	return WrapError(ErrCodeNotEnrolled, "enrollment token rejected", cause).
		WithContext("node_id", nodeID)
}

func ErrRateLimited(nodeID string) *SchedError {
	return NewSchedError(ErrCodeRateLimited, "heartbeat rate limit exceeded").
		WithContext("node_id", nodeID)
}

func ErrNoCandidates(taskID string, evaluated int) *SchedError {
	return NewSchedError(ErrCodeNoCandidates, "no eligible nodes for task").
		WithContext("task_id", taskID).
		WithContext("evaluated", evaluated)
}

func ErrClaimConflict(taskID, nodeID, holder string) *SchedError {
	return NewSchedError(ErrCodeClaimConflict, "task already claimed").
		WithContext("task_id", taskID).
		WithContext("node_id", nodeID).
		WithContext("holder", holder)
}

func ErrLeaseExpired(taskID, nodeID string) *SchedError {
	return NewSchedError(ErrCodeLeaseExpired, "claim lease expired").
		WithContext("task_id", taskID).
		WithContext("node_id", nodeID)
}

func ErrCircuitOpen(nodeID string) *SchedError {
	return NewSchedError(ErrCodeCircuitOpen, "circuit breaker open").
		WithContext("node_id", nodeID)
}

func ErrDigestMismatch(taskID, nodeID string) *SchedError {
	return NewSchedError(ErrCodeDigestMismatch, "result digest does not match payload").
		WithContext("task_id", taskID).
		WithContext("node_id", nodeID)
}

func ErrDuplicateResult(taskID, nodeID string) *SchedError {
	return NewSchedError(ErrCodeDuplicateResult, "duplicate result submission").
		WithContext("task_id", taskID).
		WithContext("node_id", nodeID)
}

func ErrTaskNotFound(taskID string) *SchedError {
	return NewSchedError(ErrCodeTaskNotFound, "task not found").
		WithContext("task_id", taskID)
}

func ErrContainerUnknown(domain string) *SchedError {
	return NewSchedError(ErrCodeContainerUnknown, "no container for domain").
		WithContext("domain", domain)
}

func ErrVRAMExceeded(containerID string, requiredGB, availableGB float64) *SchedError {
	return NewSchedError(ErrCodeVRAMExceeded, "container does not fit available VRAM").
		WithContext("container_id", containerID).
		WithContext("required_gb", requiredGB).
		WithContext("available_gb", availableGB)
}

func ErrTimeout(operation string, duration string) *SchedError {
	return NewSchedError(ErrCodeTimeout, "operation timed out").
		WithContext("operation", operation).
		WithContext("duration", duration)
}

func ErrBadConfig(what string, cause error) *SchedError {
	return WrapError(ErrCodeBadConfig, "invalid configuration", cause).
		WithContext("what", what)
}

package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced to task handles and events.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeInvalidInterval   = "INVALID_INTERVAL"
	CodeResourceLocked    = "RESOURCE_LOCKED"
	CodeTransient         = "TRANSIENT_INFRASTRUCTURE_ERROR"
	CodeMinNodesRunning   = "MIN_NODES_NOT_RUNNING"
	CodeMinNodesDiscover  = "MIN_NODES_NOT_DISCOVERED"
	CodeNodeCheckFailed   = "NODE_CHECK_FAILED"
	CodeNodeNotUndeployed = "NODE_NOT_UNDEPLOYED"
	CodeNodeNotStopped    = "NODE_NOT_STOPPED"
	CodeConcurrencyLimit  = "CONCURRENCY_LIMIT_REACHED"
	CodeInternal          = "INTERNAL"
)

// CodedError is implemented by every classified deployer error.
type CodedError interface {
	error
	Code() string
	Details() map[string]any
}

// ValidationError reports a malformed request. It is never retried.
type ValidationError struct {
	ErrCode string
	Message string
	Fields  map[string]any
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Code() string {
	if e.ErrCode == "" {
		return CodeValidation
	}
	return e.ErrCode
}

func (e *ValidationError) Details() map[string]any { return e.Fields }

// NewValidationError builds a ValidationError with optional detail fields.
func NewValidationError(message string, fields map[string]any) *ValidationError {
	return &ValidationError{Message: message, Fields: fields}
}

// ResourceLockedError reports that another run holds the application lock.
type ResourceLockedError struct {
	Name string
}

func (e *ResourceLockedError) Error() string {
	return fmt.Sprintf("resource %s is locked by another operation", e.Name)
}

func (e *ResourceLockedError) Code() string { return CodeResourceLocked }

func (e *ResourceLockedError) Details() map[string]any {
	return map[string]any{"name": e.Name}
}

// TransientError wraps an infrastructure failure expected to clear on its own.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Code() string { return CodeTransient }

func (e *TransientError) Details() map[string]any {
	return map[string]any{"op": e.Op}
}

// Transient marks err as a transient infrastructure failure.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// NotConvergedError reports that the cluster has not yet reached the desired state.
type NotConvergedError struct {
	ErrCode string
	Message string
	Fields  map[string]any
}

func (e *NotConvergedError) Error() string { return e.Message }

func (e *NotConvergedError) Code() string { return e.ErrCode }

func (e *NotConvergedError) Details() map[string]any { return e.Fields }

// MinNodesNotRunning reports fewer running units than required.
func MinNodesNotRunning(name, version string, expected, running int) *NotConvergedError {
	return &NotConvergedError{
		ErrCode: CodeMinNodesRunning,
		Message: fmt.Sprintf("%s:%s expected at least %d running units, found %d", name, version, expected, running),
		Fields:  map[string]any{"name": name, "version": version, "expected": expected, "running": running},
	}
}

// MinNodesNotDiscovered reports fewer registered upstream nodes than required.
func MinNodesNotDiscovered(upstream string, expected, discovered int) *NotConvergedError {
	return &NotConvergedError{
		ErrCode: CodeMinNodesDiscover,
		Message: fmt.Sprintf("upstream %s expected at least %d nodes, discovered %d", upstream, expected, discovered),
		Fields:  map[string]any{"upstream": upstream, "expected": expected, "discovered": discovered},
	}
}

// NodeCheckFailed reports a failed HTTP probe against a discovered node.
func NodeCheckFailed(url string, status int, reason string) *NotConvergedError {
	return &NotConvergedError{
		ErrCode: CodeNodeCheckFailed,
		Message: fmt.Sprintf("health check %s failed: %s", url, reason),
		Fields:  map[string]any{"url": url, "status": status, "reason": reason},
	}
}

// NodeNotUndeployed reports units still present after removal.
func NodeNotUndeployed(name, version string, units []Unit) *NotConvergedError {
	return &NotConvergedError{
		ErrCode: CodeNodeNotUndeployed,
		Message: fmt.Sprintf("%s:%s still has %d units after removal", name, version, len(units)),
		Fields:  map[string]any{"name": name, "version": version, "units": unitNames(units)},
	}
}

// NodeNotStopped reports units still active after stop.
func NodeNotStopped(name, version string, units []Unit) *NotConvergedError {
	return &NotConvergedError{
		ErrCode: CodeNodeNotStopped,
		Message: fmt.Sprintf("%s:%s still has %d active units after stop", name, version, len(units)),
		Fields:  map[string]any{"name": name, "version": version, "units": unitNames(units)},
	}
}

// ConcurrencyLimitError reports that too many deployments are STARTED cluster-wide.
type ConcurrencyLimitError struct {
	Limit   int
	Started int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached: %d of %d deployments started", e.Started, e.Limit)
}

func (e *ConcurrencyLimitError) Code() string { return CodeConcurrencyLimit }

func (e *ConcurrencyLimitError) Details() map[string]any {
	return map[string]any{"limit": e.Limit, "started": e.Started}
}

// IsTransient reports whether err is a transient infrastructure failure.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsNotConverged reports whether err belongs to the not-yet-converged family.
func IsNotConverged(err error) bool {
	var target *NotConvergedError
	return errors.As(err, &target)
}

// IsLocked reports whether err is a ResourceLockedError.
func IsLocked(err error) bool {
	var target *ResourceLockedError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConcurrencyLimit reports whether err is a ConcurrencyLimitError.
func IsConcurrencyLimit(err error) bool {
	var target *ConcurrencyLimitError
	return errors.As(err, &target)
}

// TaskError is the structured failure reported by task handles.
type TaskError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AsTaskError flattens any error into a TaskError.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return &TaskError{Code: coded.Code(), Message: coded.Error(), Details: coded.Details()}
	}
	return &TaskError{Code: CodeInternal, Message: err.Error()}
}

func unitNames(units []Unit) []string {
	names := make([]string, 0, len(units))
	for _, u := range units {
		names = append(names, fmt.Sprintf("%s-%s-%s-%d", u.Name, u.Version, u.ServiceType, u.NodeNum))
	}
	return names
}

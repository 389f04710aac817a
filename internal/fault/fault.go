package fault

import "fmt"

// ValidationError reports a request that failed input validation.
type ValidationError struct {
	Field  string
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for a single field.
func NewValidation(field, code, reason string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Reason: reason}
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NewNotFound builds a NotFoundError.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// StateConflictError reports an operation that is invalid for the entity's
// current status, e.g. consuming a non-active reservation.
type StateConflictError struct {
	Kind      string
	ID        string
	Operation string
	Current   string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: current status is %s", e.Operation, e.Kind, e.ID, e.Current)
}

// NewStateConflict builds a StateConflictError.
func NewStateConflict(kind, id, operation, current string) *StateConflictError {
	return &StateConflictError{Kind: kind, ID: id, Operation: operation, Current: current}
}

// InsufficientCreditsError reports an available balance too low for a
// reservation or charge.
type InsufficientCreditsError struct {
	TenantID  string
	Requested int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for tenant %s: requested %d, available %d", e.TenantID, e.Requested, e.Available)
}

// ExternalServiceError reports a failed or timed-out call to a collaborator.
type ExternalServiceError struct {
	Service   string
	Operation string
	Err       error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Operation, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// SignatureError reports a webhook whose signature did not verify.
type SignatureError struct {
	Provider string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature verification failed for provider %s", e.Provider)
}

package store

import (
	"fmt"
	"strings"
	"time"
)

// Error kinds, stable across releases so the protocol layer can map errors
// to caller-facing responses deterministically.
const (
	KindValidation        = "validation_error"
	KindNotFound          = "not_found"
	KindCycleDetected     = "cycle_detected"
	KindDuplicateEntity   = "duplicate_entity"
	KindDuplicateLink     = "duplicate_link"
	KindInvalidPagination = "invalid_pagination"
	KindResponseTooLarge  = "response_too_large"
	KindBusy              = "busy"
)

// ValidationError indicates a malformed or out-of-range field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Kind() string { return KindValidation }
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// NotFoundError indicates the resource does not exist or is soft-deleted.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Kind() string { return KindNotFound }
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// CycleError indicates a parent or dependency change would make the task
// graph cyclic. Cycle holds the offending path, first id repeated last.
type CycleError struct {
	Cycle []int64
}

func (e *CycleError) Kind() string { return KindCycleDetected }
func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "cycle detected: " + strings.Join(parts, " -> ")
}

// DuplicateEntityError indicates another non-deleted entity already holds the
// same (entity_type, identifier) pair.
type DuplicateEntityError struct {
	EntityType    string
	Identifier    string
	ConflictingID int64
}

func (e *DuplicateEntityError) Kind() string { return KindDuplicateEntity }
func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("entity with type %q and identifier %q already exists: %d",
		e.EntityType, e.Identifier, e.ConflictingID)
}

// DuplicateLinkError indicates an active link for the pair already exists.
// It carries the existing link's metadata.
type DuplicateLinkError struct {
	TaskID    int64
	EntityID  int64
	LinkID    int64
	CreatedAt time.Time
	CreatedBy *string
}

func (e *DuplicateLinkError) Kind() string { return KindDuplicateLink }
func (e *DuplicateLinkError) Error() string {
	return fmt.Sprintf("task %d is already linked to entity %d (link %d, created %s)",
		e.TaskID, e.EntityID, e.LinkID, e.CreatedAt.Format(time.RFC3339))
}

// PaginationError indicates limit/offset outside the accepted range.
type PaginationError struct {
	Limit   int
	Offset  int
	Message string
}

func (e *PaginationError) Kind() string { return KindInvalidPagination }
func (e *PaginationError) Error() string {
	return fmt.Sprintf("invalid pagination (limit=%d, offset=%d): %s", e.Limit, e.Offset, e.Message)
}

// ResponseTooLargeError indicates the serialized response exceeds the token
// budget. The payload is withheld; Suggestion tells the caller how to narrow
// the request.
type ResponseTooLargeError struct {
	EstimatedTokens int
	BudgetTokens    int
	Suggestion      string
}

func (e *ResponseTooLargeError) Kind() string { return KindResponseTooLarge }
func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response too large: estimated %d tokens exceeds budget of %d; %s",
		e.EstimatedTokens, e.BudgetTokens, e.Suggestion)
}

// BusyError indicates write contention persisted past the retry budget.
// The operation did not commit and is safe to retry.
type BusyError struct {
	Attempts int
}

func (e *BusyError) Kind() string    { return KindBusy }
func (e *BusyError) Retryable() bool { return true }
func (e *BusyError) Error() string {
	return fmt.Sprintf("database busy after %d attempts; retry the operation", e.Attempts)
}

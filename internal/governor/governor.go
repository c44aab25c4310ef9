// Package governor bounds the shape of multi-row query responses: offset
// pagination, summary/detail projection and a token budget on the serialized
// payload. Stores apply it as a post-processing layer so callers never
// receive unbounded results.
package governor

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/task-service/internal/registry/store"
)

const (
	MinLimit     = 1
	MaxLimit     = 1000
	DefaultLimit = 50

	// Token budget on serialized responses, estimated at 4 characters per
	// token. Above WarnTokens the payload is still returned with a logged
	// warning; above BudgetTokens it is withheld.
	BudgetTokens = 15000
	WarnTokens   = 12000

	charsPerToken = 4
)

// BudgetSuggestion is returned with ResponseTooLarge errors.
const BudgetSuggestion = "narrow the filters, reduce the limit, or use the summary view"

// DefaultPageRequest returns the pagination applied when a collaborator has
// no caller-supplied values.
func DefaultPageRequest() store.PageRequest {
	return store.PageRequest{Limit: DefaultLimit, Offset: 0}
}

// ValidatePage rejects limits outside [MinLimit, maxLimit] and negative
// offsets. A zero maxLimit means MaxLimit.
func ValidatePage(req store.PageRequest, maxLimit int) error {
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if req.Limit < MinLimit || req.Limit > maxLimit {
		return &store.PaginationError{
			Limit:   req.Limit,
			Offset:  req.Offset,
			Message: fmt.Sprintf("limit must be between %d and %d", MinLimit, maxLimit),
		}
	}
	if req.Offset < 0 {
		return &store.PaginationError{
			Limit:   req.Limit,
			Offset:  req.Offset,
			Message: "offset must not be negative",
		}
	}
	return nil
}

// NewPage wraps one window of a filtered result set. total is the
// unpaginated filtered size.
func NewPage[T any](items []T, total int64, req store.PageRequest) *store.Page[T] {
	if items == nil {
		items = []T{}
	}
	return &store.Page[T]{
		TotalCount:    total,
		ReturnedCount: len(items),
		Limit:         req.Limit,
		Offset:        req.Offset,
		Items:         items,
	}
}

// EstimateTokens serializes v and estimates its token count.
func EstimateTokens(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate response size: %w", err)
	}
	return (len(data) + charsPerToken - 1) / charsPerToken, nil
}

// Budget enforces a token cap on a serialized response. Zero fields fall
// back to the package defaults.
type Budget struct {
	HardTokens int
	WarnTokens int
}

// Enforce estimates the serialized size of v. It returns ResponseTooLarge
// past the hard cap and logs a warning past the watermark.
func (b Budget) Enforce(v any) error {
	hard := b.HardTokens
	if hard <= 0 {
		hard = BudgetTokens
	}
	warn := b.WarnTokens
	if warn <= 0 {
		warn = WarnTokens
	}

	estimated, err := EstimateTokens(v)
	if err != nil {
		return err
	}
	if estimated > hard {
		return &store.ResponseTooLargeError{
			EstimatedTokens: estimated,
			BudgetTokens:    hard,
			Suggestion:      BudgetSuggestion,
		}
	}
	if estimated > warn {
		log.Warn("response close to token budget",
			"estimatedTokens", estimated, "warnTokens", warn, "budgetTokens", hard)
	}
	return nil
}

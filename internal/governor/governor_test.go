package governor

import (
	"errors"
	"strings"
	"testing"

	"github.com/chirino/task-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePage(t *testing.T) {
	assert.NoError(t, ValidatePage(store.PageRequest{Limit: 1}, 0))
	assert.NoError(t, ValidatePage(store.PageRequest{Limit: 1000, Offset: 10}, 0))

	var pagErr *store.PaginationError
	err := ValidatePage(store.PageRequest{Limit: 0}, 0)
	require.True(t, errors.As(err, &pagErr))
	assert.Equal(t, store.KindInvalidPagination, pagErr.Kind())

	err = ValidatePage(store.PageRequest{Limit: 1001}, 0)
	require.True(t, errors.As(err, &pagErr))

	err = ValidatePage(store.PageRequest{Limit: 10, Offset: -1}, 0)
	require.True(t, errors.As(err, &pagErr))
	assert.Equal(t, -1, pagErr.Offset)

	// A lower configured cap tightens the range.
	err = ValidatePage(store.PageRequest{Limit: 101}, 100)
	require.Error(t, err)
}

func TestNewPage(t *testing.T) {
	page := NewPage([]int{1, 2, 3}, 10, store.PageRequest{Limit: 3, Offset: 3})
	assert.Equal(t, int64(10), page.TotalCount)
	assert.Equal(t, 3, page.ReturnedCount)
	assert.Equal(t, 3, page.Limit)
	assert.Equal(t, 3, page.Offset)

	empty := NewPage[int](nil, 0, store.PageRequest{Limit: 10})
	assert.NotNil(t, empty.Items)
	assert.Equal(t, 0, empty.ReturnedCount)
}

func TestEstimateTokens(t *testing.T) {
	// "xxxx...x" serializes to len+2 characters.
	n, err := EstimateTokens(strings.Repeat("x", 38))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestBudgetEnforce(t *testing.T) {
	small := Budget{HardTokens: 10, WarnTokens: 5}

	assert.NoError(t, small.Enforce("ok"))

	err := small.Enforce(strings.Repeat("x", 100))
	var tooLarge *store.ResponseTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, 10, tooLarge.BudgetTokens)
	assert.Greater(t, tooLarge.EstimatedTokens, 10)
	assert.Contains(t, tooLarge.Suggestion, "summary")

	// Between watermark and cap the payload is allowed.
	assert.NoError(t, small.Enforce(strings.Repeat("x", 30)))
}

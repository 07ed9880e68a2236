package api

import (
	"github.com/pkg/errors"
)

// Pagination contains resolved pagination indices.
type Pagination struct {
	StartIndex int // Inclusive
	EndIndex   int // Exclusive
}

// Paginate calculates pagination values. Negative offsets denote that offsets should be
// calculated from the end. A zero limit returns everything after the offset.
func Paginate(total, offset, limit int) (*Pagination, error) {
	if limit < 0 {
		return nil, errors.New("limit must not be negative")
	}
	startIndex := offset
	if offset < 0 {
		startIndex = total + offset
	}
	if !(0 <= startIndex && startIndex <= total) {
		return nil, errors.New("offset out of bounds")
	}
	endIndex := startIndex + limit
	if limit == 0 || endIndex > total {
		endIndex = total
	}
	return &Pagination{StartIndex: startIndex, EndIndex: endIndex}, nil
}

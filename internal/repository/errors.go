package repository

import (
	"errors"

	"github.com/lib/pq"
)

// ErrDuplicate wraps Postgres unique violations so callers can retry the
// lookup branch of a find-or-create.
var ErrDuplicate = errors.New("duplicate row")

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Package apperr defines the error kinds shared by the domain packages.
// Domain sentinels wrap one of these kinds so the HTTP layer can pick a
// status code with errors.Is without importing every domain package.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrInvalid   = errors.New("invalid")
	ErrState     = errors.New("invalid state")
	ErrInvariant = errors.New("ledger invariant violated")
	ErrConflict  = errors.New("concurrent update")
)

// Status returns the HTTP status code for err.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrState), errors.Is(err, ErrInvariant), errors.Is(err, ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

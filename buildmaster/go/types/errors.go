package types

import (
	"errors"

	"go.doozer.org/infra/go/derr"
)

var (
	// ErrNoData means a query legitimately matched nothing, eg. an empty
	// long-poll claim.
	ErrNoData = errors.New("no data")

	// ErrTransient marks failures worth retrying: database hiccups,
	// storage backends timing out.
	ErrTransient = errors.New("transient failure")

	// ErrPermanentConfig marks operations that cannot make progress until
	// someone fixes the project configuration.
	ErrPermanentConfig = errors.New("configuration prevents progress")

	// ErrBadRequest marks malformed client input.
	ErrBadRequest = errors.New("bad request")
)

// IsNoData returns true if err is ErrNoData at any wrapping depth.
func IsNoData(err error) bool {
	return derr.Unwrap(err) == ErrNoData
}

// IsTransient returns true if err is ErrTransient at any wrapping depth.
func IsTransient(err error) bool {
	return derr.Unwrap(err) == ErrTransient
}

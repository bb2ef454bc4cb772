// Package derr provides error wrapping that records the call stack at the
// point of wrapping. Use Wrap when passing an error up unchanged, Wrapf when
// adding context, and Fmt when creating a new error.
package derr

import (
	"github.com/pkg/errors"
)

// Wrap annotates err with the current call stack. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

// Wrapf annotates err with the current call stack and a message. Returns nil
// if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Fmt returns a new error with a message and the current call stack.
func Fmt(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Unwrap returns the innermost error wrapped by err. If err was not produced
// by this package it is returned unchanged.
func Unwrap(err error) error {
	return errors.Cause(err)
}

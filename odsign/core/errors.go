package core

import "errors"

// Kinds of errors that end a run. Errors returned by Run wrap one of these.
var (
	ErrNotFound      = errors.New("not found")
	ErrMismatch      = errors.New("verification failed")
	ErrToolFailure   = errors.New("external tool failed")
	ErrIO            = errors.New("i/o failure")
	ErrSerialization = errors.New("serialization failure")

	ErrNoCompOsKey = errors.New("no valid CompOs key present")
)

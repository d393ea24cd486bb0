package core

import "errors"

var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrPermission    = errors.New("permission denied")
	ErrTransient     = errors.New("transient external failure")
	ErrParseFailed   = errors.New("parse failed")
	ErrEmptyDocument = errors.New("parser returned no blocks")
)

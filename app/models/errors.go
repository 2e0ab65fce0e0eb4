package models

import "errors"

var (
	ErrValidation      = errors.New("invalid input")
	ErrOracleTimeout   = errors.New("oracle timed out")
	ErrOracleFailure   = errors.New("oracle failed")
	ErrStorageConflict = errors.New("storage conflict")
	ErrStorageFailure  = errors.New("storage failure")
	ErrNotFound        = errors.New("not found")
	ErrUnsupportedFile = errors.New("unsupported file type")
)

type UserContext struct{}
type ClientContext struct{}

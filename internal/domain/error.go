package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound             = errors.New("entity not found")
	ErrAlreadyExists        = errors.New("entity already exists")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInvalidExecContext   = errors.New("invalid executor context")
	ErrJobAlreadyRunning    = errors.New("a job is already running")
	ErrJobNotRunning        = errors.New("job is not running")
	ErrEmptySelection       = errors.New("image selection is empty")
	ErrConfigurationInvalid = errors.New("configuration failed validation")
	ErrReadDatabaseRow      = errors.New("failed to read database row")
)

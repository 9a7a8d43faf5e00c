package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument signals invalid input for a repository call.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrAlreadyAssigned indicates the participant already belongs to a team.
	ErrAlreadyAssigned = errors.New("repository: participant already assigned")
)

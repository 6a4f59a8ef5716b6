package storyflow

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for missing or malformed input
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when a session is missing, invalid or expired
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a user, story or subscription does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a uniqueness constraint would be violated
	ErrConflict = errors.New("conflict")

	// ErrEmailTaken is returned when signing up with an email that already exists
	ErrEmailTaken = fmt.Errorf("%w: email already exists", ErrConflict)

	// ErrCustomerLinkConflict is returned when an external customer id is already
	// linked to another user, or the user is already linked to a different one
	ErrCustomerLinkConflict = fmt.Errorf("%w: external customer already linked", ErrConflict)

	// ErrStorageUnavailable is returned when the backing store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Package domain contains domain models and business logic errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied is returned when the caller lacks permission for an operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrResourceExhausted is returned when resources are not available.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrNoCompatibleHost is returned when placement exhausted every eligible server pool.
	ErrNoCompatibleHost = errors.New("no compatible host")

	// ErrMigrationImpossible is returned when a migration batch was rolled back.
	ErrMigrationImpossible = errors.New("migration not possible")
)

// NotFoundError reports an unknown entity reference.
type NotFoundError struct {
	Kind Kind
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound returns a NotFoundError for the given kind and key.
func NewNotFound(kind Kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

// ValidationError reports malformed input at the boundary (integers, IP addresses).
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// NoCompatibleHostError is returned when no server in any attempted pool can host an instance.
type NoCompatibleHostError struct {
	InstanceName string
}

func (e *NoCompatibleHostError) Error() string {
	return fmt.Sprintf("no compatible machine available for instance %q", e.InstanceName)
}

func (e *NoCompatibleHostError) Unwrap() error { return ErrNoCompatibleHost }

// MigrationImpossibleError names the instance that could not be re-hosted.
// The batch it belonged to has been rolled back when this error is returned.
type MigrationImpossibleError struct {
	InstanceName string
}

func (e *MigrationImpossibleError) Error() string {
	return fmt.Sprintf("migration not possible for instance %q", e.InstanceName)
}

func (e *MigrationImpossibleError) Unwrap() error { return ErrMigrationImpossible }

// DuplicateEntityError is returned when create is called for an existing active entity.
// Callers log it and treat the create as a no-op.
type DuplicateEntityError struct {
	Kind Kind
	Name string
}

func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

func (e *DuplicateEntityError) Unwrap() error { return ErrAlreadyExists }

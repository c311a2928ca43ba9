package domain

import "fmt"

// Access is the authorization context of a single operation.
// There is no authentication: a caller is either elevated (admin) or not.
type Access struct {
	Elevated bool
	Actor    string
}

// NormalAccess returns a non-elevated access context.
func NormalAccess(actor string) Access {
	return Access{Actor: actor}
}

// AdminAccess returns an elevated access context.
func AdminAccess(actor string) Access {
	return Access{Elevated: true, Actor: actor}
}

// RequireElevated fails with ErrPermissionDenied unless the caller is elevated.
func (a Access) RequireElevated(operation string) error {
	if a.Elevated {
		return nil
	}
	return fmt.Errorf("%s requires admin privilege: %w", operation, ErrPermissionDenied)
}

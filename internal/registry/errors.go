package registry

import (
	"errors"
	"fmt"

	"github.com/nerrad567/homehub/internal/apperror"
)

// Domain errors for the registry package, checked with errors.Is.
// Each wraps the matching apperror kind so callers can branch on either
// the specific sentinel or the coarse kind.
var (
	ErrHomeNotFound       = fmt.Errorf("registry: home not found: %w", apperror.ErrNotFound)
	ErrDeviceNotFound     = fmt.Errorf("registry: device not found: %w", apperror.ErrNotFound)
	ErrEntityNotFound     = fmt.Errorf("registry: entity not found: %w", apperror.ErrNotFound)
	ErrCredentialNotFound = fmt.Errorf("registry: credential not found: %w", apperror.ErrNotFound)
	ErrInvalidDescriptor  = fmt.Errorf("registry: invalid descriptor: %w", apperror.ErrValidation)
)

// wrapStorage wraps a low-level storage error as apperror.ErrPersistence
// unless it is already a sentinel of ours (not found, etc.).
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	return fmt.Errorf("registry: %s: %w: %v", op, apperror.ErrPersistence, err)
}

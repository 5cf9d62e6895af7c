package app

import (
	"fmt"

	"github.com/con2/emticketen/internal/domain"
	"github.com/google/uuid"
)

func newUUID() string {
	return uuid.NewString()
}

func validateID(kind, id string) error {
	if err := uuid.Validate(id); err != nil {
		return fmt.Errorf("%w: %s id %q is not a UUID", domain.ErrInvalidRequest, kind, id)
	}
	return nil
}

package account

import (
	"errors"
	"strings"

	"github.com/hongminglow/shop-user-api/internal/auth"
	"github.com/hongminglow/shop-user-api/internal/models"
)

// Failure kinds returned by Service. Match them with errors.Is and errors.As.
var (
	ErrValidation         = models.ErrInvalid
	ErrDuplicateField     = errors.New("duplicate field")
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrInvalidToken       = auth.ErrInvalidToken
	ErrForbidden          = errors.New("not allowed to modify another user's account")
	ErrNotFound           = errors.New("user not found")
	ErrBadCurrentPassword = errors.New("current password is missing or incorrect")
	ErrNoFields           = errors.New("no fields to update")
	ErrStorage            = errors.New("internal storage error")
)

// ValidationError lists offending fields; it matches ErrValidation.
type ValidationError = models.ValidationError

// DuplicateFieldError names the unique field that is already taken.
type DuplicateFieldError struct {
	Field string
}

func (e *DuplicateFieldError) Error() string {
	if e.Field == "" {
		return "account already registered"
	}
	label := strings.ReplaceAll(e.Field, "_", " ")
	return strings.ToUpper(label[:1]) + label[1:] + " already registered"
}

func (e *DuplicateFieldError) Is(target error) bool {
	return target == ErrDuplicateField
}

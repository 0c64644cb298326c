package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/hongminglow/shop-user-api/internal/models"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness conflict.
var ErrAlreadyExists = errors.New("record already exists")

// ErrNoFields is returned by UpdateUser when there is nothing to change.
var ErrNoFields = errors.New("no fields to update")

// ErrInvalidPage is returned by ListUsers for a non-positive limit or a negative offset.
var ErrInvalidPage = errors.New("invalid page bounds")

// ErrPreconditionFailed means the row exists but no longer satisfies the write guard.
var ErrPreconditionFailed = errors.New("precondition failed")

// Unique user fields, named by their JSON key.
const (
	FieldUsername    = "username"
	FieldEmail       = "email"
	FieldPhoneNumber = "phone_number"
)

// DuplicateError reports which unique field collided.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already registered", e.Field)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrAlreadyExists
}

var constraintFields = map[string]string{
	"users_username_key":     FieldUsername,
	"users_email_key":        FieldEmail,
	"users_phone_number_key": FieldPhoneNumber,
}

// DuplicateForConstraint maps a unique constraint name to a DuplicateError.
// Unknown constraints still yield ErrAlreadyExists semantics with an empty field.
func DuplicateForConstraint(name string) *DuplicateError {
	return &DuplicateError{Field: constraintFields[name]}
}

// DuplicateForColumn maps a users column name to a DuplicateError.
func DuplicateForColumn(column string) *DuplicateError {
	switch column {
	case FieldUsername, FieldEmail, FieldPhoneNumber:
		return &DuplicateError{Field: column}
	}
	return &DuplicateError{}
}

// CollidingField names the first unique field candidate shares with existing,
// checked in username, email, phone number order. Empty means no collision.
func CollidingField(existing, candidate models.User) string {
	switch {
	case existing.Username == candidate.Username:
		return FieldUsername
	case existing.Email == candidate.Email:
		return FieldEmail
	case existing.PhoneNumber == candidate.PhoneNumber:
		return FieldPhoneNumber
	}
	return ""
}

// UserChanges lists the columns an update writes. Nil leaves a column untouched.
type UserChanges struct {
	Username     *string
	Email        *string
	PhoneNumber  *string
	PasswordHash *string
}

// Assignment is one column/value pair of an update.
type Assignment struct {
	Column string
	Value  string
}

// Assignments returns the non-nil changes in a fixed column order.
func (c UserChanges) Assignments() []Assignment {
	var out []Assignment
	add := func(column string, v *string) {
		if v != nil {
			out = append(out, Assignment{Column: column, Value: *v})
		}
	}
	add("username", c.Username)
	add("email", c.Email)
	add("phone_number", c.PhoneNumber)
	add("password_hash", c.PasswordHash)
	return out
}

// IsEmpty reports whether the update changes nothing.
func (c UserChanges) IsEmpty() bool {
	return len(c.Assignments()) == 0
}

// Guard holds conditions a write re-checks atomically. Empty fields are not checked.
type Guard struct {
	Username     string
	PasswordHash string
}

// UserStore captures persistence operations needed by the account service.
type UserStore interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	FindByID(ctx context.Context, id int64) (models.User, error)
	FindByUsername(ctx context.Context, username string) (models.User, error)
	FindByEmail(ctx context.Context, email string) (models.User, error)
	// ListUsers returns users newest first. limit must be positive and offset non-negative.
	ListUsers(ctx context.Context, limit, offset int) ([]models.User, error)
	UpdateUser(ctx context.Context, id int64, changes UserChanges, guard Guard) (models.User, error)
	DeleteUser(ctx context.Context, id int64, guard Guard) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

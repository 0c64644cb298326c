package models

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is matched by every ValidationError.
var ErrInvalid = errors.New("invalid input")

// bcrypt ignores everything past 72 bytes, so longer passwords are refused.
const maxPasswordBytes = 72

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	phonePattern    = regexp.MustCompile(`^\+?[0-9]+$`)
	phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

	validate = newValidator()
)

// RegisterInput is the candidate record supplied at registration.
type RegisterInput struct {
	Username    string `json:"username" validate:"required,min=3,max=50,username"`
	Email       string `json:"email" validate:"required,max=254,email"`
	PhoneNumber string `json:"phone_number" validate:"required,min=10,max=20,phone"`
	Password    string `json:"password" validate:"required,min=6,password"`
}

// Normalize trims identifiers and canonicalizes email and phone number.
func (in RegisterInput) Normalize() RegisterInput {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = NormalizeEmail(in.Email)
	in.PhoneNumber = NormalizePhone(in.PhoneNumber)
	return in
}

// Validate reports every constraint the input violates.
func (in RegisterInput) Validate() error {
	return check(in)
}

// LoginInput is a username-or-email identifier plus password.
type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Validate reports missing credentials.
func (in LoginInput) Validate() error {
	return check(in)
}

// UserPatch names the fields a caller wants to change. Nil means untouched.
type UserPatch struct {
	Username        *string `json:"username,omitempty" validate:"omitnil,min=3,max=50,username"`
	Email           *string `json:"email,omitempty" validate:"omitnil,max=254,email"`
	PhoneNumber     *string `json:"phone_number,omitempty" validate:"omitnil,min=10,max=20,phone"`
	Password        *string `json:"password,omitempty" validate:"omitnil,min=6,password"`
	CurrentPassword *string `json:"current_password,omitempty"`
}

// IsEmpty reports whether the patch changes nothing. CurrentPassword alone is not a change.
func (p UserPatch) IsEmpty() bool {
	return p.Username == nil && p.Email == nil && p.PhoneNumber == nil && p.Password == nil
}

// Normalize applies the same canonical forms as RegisterInput.Normalize.
func (p UserPatch) Normalize() UserPatch {
	if p.Username != nil {
		v := strings.TrimSpace(*p.Username)
		p.Username = &v
	}
	if p.Email != nil {
		v := NormalizeEmail(*p.Email)
		p.Email = &v
	}
	if p.PhoneNumber != nil {
		v := NormalizePhone(*p.PhoneNumber)
		p.PhoneNumber = &v
	}
	return p
}

// Validate reports every constraint the supplied fields violate.
func (p UserPatch) Validate() error {
	return check(p)
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone strips common formatting so "+1 (555) 123-4567" and "+15551234567" compare equal.
func NormalizePhone(phone string) string {
	return phoneSeparators.Replace(strings.TrimSpace(phone))
}

// ValidationError lists the offending fields keyed by their JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s %s", name, e.Fields[name]))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate input: %w", err)
	}
	out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		if _, seen := out.Fields[fe.Field()]; seen {
			continue
		}
		out.Fields[fe.Field()] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "email":
		return "must be a valid email address"
	case "username":
		return "can only contain letters, numbers, and underscores"
	case "phone":
		return "must contain at least 10 digits"
	case "password":
		return fmt.Sprintf("must be at most %d bytes", maxPasswordBytes)
	default:
		return "is invalid"
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "phone", func(fl validator.FieldLevel) bool {
		phone := fl.Field().String()
		return phonePattern.MatchString(phone) && countDigits(phone) >= 10
	})
	mustRegister(v, "password", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= maxPasswordBytes
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

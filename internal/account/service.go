// Package account implements registration, login and owner-only management of user records.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hongminglow/shop-user-api/internal/auth"
	"github.com/hongminglow/shop-user-api/internal/events"
	"github.com/hongminglow/shop-user-api/internal/logging"
	"github.com/hongminglow/shop-user-api/internal/models"
	"github.com/hongminglow/shop-user-api/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPageSize applies when a listing asks for no particular limit.
const DefaultPageSize = 100

// Options carries the optional collaborators of a Service.
type Options struct {
	MaxPageSize int
	Events      events.Publisher
	Logger      logging.Logger
}

// Page is one slice of the user listing.
type Page struct {
	Users  []models.User
	Limit  int
	Offset int
}

// Service composes the store, hasher and token manager into account flows.
// Users it returns never carry a password hash.
type Service struct {
	store       storage.UserStore
	hasher      *auth.Hasher
	tokens      *auth.TokenManager
	events      events.Publisher
	log         logging.Logger
	tracer      trace.Tracer
	maxPageSize int
	now         func() time.Time
}

// NewService wires a Service. Missing options fall back to no-op publishing and logging.
func NewService(store storage.UserStore, hasher *auth.Hasher, tokens *auth.TokenManager, opts Options) *Service {
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = DefaultPageSize
	}
	return &Service{
		store:       store,
		hasher:      hasher,
		tokens:      tokens,
		events:      opts.Events,
		log:         opts.Logger.With("component", "account"),
		tracer:      otel.Tracer("github.com/hongminglow/shop-user-api/internal/account"),
		maxPageSize: opts.MaxPageSize,
		now:         time.Now,
	}
}

// Register validates in, hashes the password and stores the new account.
func (s *Service) Register(ctx context.Context, in models.RegisterInput) (_ models.User, err error) {
	ctx, span := s.tracer.Start(ctx, "account.Register")
	defer func() { endSpan(span, err) }()

	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return models.User{}, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.store.CreateUser(ctx, models.User{
		Username:     in.Username,
		Email:        in.Email,
		PhoneNumber:  in.PhoneNumber,
		PasswordHash: hash,
	})
	if err != nil {
		return models.User{}, s.translate(ctx, "create user", err)
	}

	span.SetAttributes(attribute.Int64("user.id", created.ID))
	s.log.Info(ctx, "user registered", "user_id", created.ID)
	s.publish(ctx, events.UserRegistered, created)
	return created.Public(), nil
}

// Login checks credentials and issues an access token. identifier may be a username or an email.
// Unknown accounts and wrong passwords fail identically with ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, in models.LoginInput) (_ models.User, _ auth.Token, err error) {
	ctx, span := s.tracer.Start(ctx, "account.Login")
	defer func() { endSpan(span, err) }()

	in.Username = strings.TrimSpace(in.Username)
	if err := in.Validate(); err != nil {
		return models.User{}, auth.Token{}, err
	}

	user, err := s.store.FindByUsername(ctx, in.Username)
	if errors.Is(err, storage.ErrNotFound) {
		user, err = s.store.FindByEmail(ctx, models.NormalizeEmail(in.Username))
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.hasher.VerifyDecoy(in.Password)
		return models.User{}, auth.Token{}, ErrInvalidCredentials
	case err != nil:
		return models.User{}, auth.Token{}, s.translate(ctx, "find user", err)
	}

	if !s.hasher.Verify(in.Password, user.PasswordHash) {
		return models.User{}, auth.Token{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.Username, 0)
	if err != nil {
		return models.User{}, auth.Token{}, fmt.Errorf("issue token: %w", err)
	}
	s.log.Info(ctx, "user logged in", "user_id", user.ID)
	return user.Public(), token, nil
}

// Authenticate verifies a bearer token without touching the store.
func (s *Service) Authenticate(_ context.Context, token string) (auth.Claims, error) {
	return s.tokens.Verify(token)
}

// Refresh exchanges an unexpired token for a new one, provided its account still exists.
func (s *Service) Refresh(ctx context.Context, token string) (_ auth.Token, err error) {
	ctx, span := s.tracer.Start(ctx, "account.Refresh")
	defer func() { endSpan(span, err) }()

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return auth.Token{}, err
	}
	if _, err := s.requester(ctx, claims.Subject); err != nil {
		return auth.Token{}, err
	}
	return s.tokens.Refresh(token)
}

// GetUser returns the account with id.
func (s *Service) GetUser(ctx context.Context, id int64) (models.User, error) {
	user, err := s.store.FindByID(ctx, id)
	if err != nil {
		return models.User{}, s.translate(ctx, "find user", err)
	}
	return user.Public(), nil
}

// GetUserByUsername returns the account named username.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	user, err := s.store.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return models.User{}, s.translate(ctx, "find user", err)
	}
	return user.Public(), nil
}

// ListUsers returns a page of accounts, newest first. limit is clamped to the configured maximum.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) (Page, error) {
	if offset < 0 {
		return Page{}, &ValidationError{Fields: map[string]string{"offset": "must not be negative"}}
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, s.maxPageSize)

	users, err := s.store.ListUsers(ctx, limit, offset)
	if err != nil {
		return Page{}, s.translate(ctx, "list users", err)
	}
	for i := range users {
		users[i] = users[i].Public()
	}
	return Page{Users: users, Limit: limit, Offset: offset}, nil
}

// Update applies patch to targetID on behalf of subject, who must own the account.
// Changing the password requires patch.CurrentPassword to match the stored hash.
func (s *Service) Update(ctx context.Context, subject string, targetID int64, patch models.UserPatch) (_ models.User, err error) {
	ctx, span := s.tracer.Start(ctx, "account.Update", trace.WithAttributes(attribute.Int64("user.id", targetID)))
	defer func() { endSpan(span, err) }()

	requester, err := s.requester(ctx, subject)
	if err != nil {
		return models.User{}, err
	}
	if requester.ID != targetID {
		return models.User{}, ErrForbidden
	}

	patch = patch.Normalize()
	if patch.IsEmpty() {
		return models.User{}, ErrNoFields
	}
	if err := patch.Validate(); err != nil {
		return models.User{}, err
	}

	changes := storage.UserChanges{
		Username:    patch.Username,
		Email:       patch.Email,
		PhoneNumber: patch.PhoneNumber,
	}
	guard := storage.Guard{Username: requester.Username}
	if patch.Password != nil {
		if patch.CurrentPassword == nil || !s.hasher.Verify(*patch.CurrentPassword, requester.PasswordHash) {
			return models.User{}, ErrBadCurrentPassword
		}
		hash, err := s.hasher.Hash(*patch.Password)
		if err != nil {
			return models.User{}, fmt.Errorf("hash password: %w", err)
		}
		changes.PasswordHash = &hash
		guard.PasswordHash = requester.PasswordHash
	}

	updated, err := s.store.UpdateUser(ctx, targetID, changes, guard)
	if errors.Is(err, storage.ErrPreconditionFailed) {
		// The record changed between the ownership check and the write.
		if guard.PasswordHash != "" {
			return models.User{}, ErrBadCurrentPassword
		}
		return models.User{}, ErrForbidden
	}
	if err != nil {
		return models.User{}, s.translate(ctx, "update user", err)
	}

	s.log.Info(ctx, "user updated", "user_id", updated.ID, "password_changed", patch.Password != nil)
	s.publish(ctx, events.UserUpdated, updated)
	return updated.Public(), nil
}

// Delete removes targetID on behalf of subject, who must own the account.
func (s *Service) Delete(ctx context.Context, subject string, targetID int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "account.Delete", trace.WithAttributes(attribute.Int64("user.id", targetID)))
	defer func() { endSpan(span, err) }()

	target, err := s.store.FindByID(ctx, targetID)
	if err != nil {
		return s.translate(ctx, "find user", err)
	}
	if target.Username != subject {
		return ErrForbidden
	}

	deleted, err := s.store.DeleteUser(ctx, targetID, storage.Guard{Username: subject})
	if err != nil {
		return s.translate(ctx, "delete user", err)
	}
	if !deleted {
		return ErrNotFound
	}

	s.log.Info(ctx, "user deleted", "user_id", targetID)
	s.publish(ctx, events.UserDeleted, target)
	return nil
}

// requester resolves the account behind a token subject.
func (s *Service) requester(ctx context.Context, subject string) (models.User, error) {
	user, err := s.store.FindByUsername(ctx, subject)
	if errors.Is(err, storage.ErrNotFound) {
		return models.User{}, ErrInvalidToken
	}
	if err != nil {
		return models.User{}, s.translate(ctx, "find user", err)
	}
	return user, nil
}

// translate maps store errors into the account taxonomy. Anything unrecognised is logged and hidden behind ErrStorage.
func (s *Service) translate(ctx context.Context, op string, err error) error {
	var dup *storage.DuplicateError
	switch {
	case errors.As(err, &dup):
		return &DuplicateFieldError{Field: dup.Field}
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrNoFields):
		return ErrNoFields
	}
	s.log.Error(ctx, "storage failure", "op", op, "error", err)
	return fmt.Errorf("%s: %w", op, ErrStorage)
}

func (s *Service) publish(ctx context.Context, eventType string, user models.User) {
	event := events.NewEvent(eventType, user, s.now())
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn(ctx, "publish event failed", "type", eventType, "user_id", user.ID, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

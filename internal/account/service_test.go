package account

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hongminglow/shop-user-api/internal/auth"
	"github.com/hongminglow/shop-user-api/internal/events"
	"github.com/hongminglow/shop-user-api/internal/models"
	"github.com/hongminglow/shop-user-api/internal/storage"
	"github.com/hongminglow/shop-user-api/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc    *Service
	store  storage.UserStore
	events *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "accounts.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return newFixtureWithStore(t, store)
}

func newFixtureWithStore(t *testing.T, store storage.UserStore) fixture {
	t.Helper()
	tokens, err := auth.NewTokenManager("test-secret", "shop-user-api", 30*time.Minute, "HS256")
	require.NoError(t, err)
	pub := &recordingPublisher{}
	svc := NewService(store, auth.NewHasher(bcrypt.MinCost), tokens, Options{MaxPageSize: 2, Events: pub})
	return fixture{svc: svc, store: store, events: pub}
}

func registerInput(name string, n int) models.RegisterInput {
	return models.RegisterInput{
		Username:    name,
		Email:       name + "@x.com",
		PhoneNumber: fmt.Sprintf("555123%04d", n),
		Password:    "pw123456",
	}
}

func strPtr(s string) *string { return &s }

func (f fixture) register(t *testing.T, name string, n int) models.User {
	t.Helper()
	u, err := f.svc.Register(context.Background(), registerInput(name, n))
	require.NoError(t, err)
	return u
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := registerInput("alice", 1)
	in.Email = " Alice@X.com "
	in.PhoneNumber = "555-123-0001"
	u, err := f.svc.Register(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.Equal(t, "alice@x.com", u.Email)
	assert.Equal(t, "5551230001", u.PhoneNumber)
	assert.Empty(t, u.PasswordHash)

	stored, err := f.store.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "pw123456", stored.PasswordHash)
	assert.Equal(t, []string{events.UserRegistered}, f.events.types())

	t.Run("duplicate username", func(t *testing.T) {
		_, err := f.svc.Register(ctx, registerInput("alice", 2))
		assert.ErrorIs(t, err, ErrDuplicateField)
		var dup *DuplicateFieldError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, storage.FieldUsername, dup.Field)
		assert.Equal(t, "Username already registered", dup.Error())
	})

	t.Run("duplicate phone in another format", func(t *testing.T) {
		in := registerInput("bob", 1)
		in.PhoneNumber = "(555) 123 0001"
		_, err := f.svc.Register(ctx, in)
		var dup *DuplicateFieldError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "Phone number already registered", dup.Error())
	})

	t.Run("invalid input", func(t *testing.T) {
		in := registerInput("x", 3)
		_, err := f.svc.Register(ctx, in)
		assert.ErrorIs(t, err, ErrValidation)
		assert.NotErrorIs(t, err, ErrStorage)
	})
}

func TestConcurrentRegistrationHasOneWinner(t *testing.T) {
	f := newFixture(t)

	const attempts = 8
	var (
		mu        sync.Mutex
		successes int
		dupes     int
	)
	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		g.Go(func() error {
			_, err := f.svc.Register(context.Background(), registerInput("alice", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateField):
				dupes++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, dupes)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice", 1)

	t.Run("by username", func(t *testing.T) {
		u, tok, err := f.svc.Login(ctx, models.LoginInput{Username: "alice", Password: "pw123456"})
		require.NoError(t, err)
		assert.Equal(t, alice.ID, u.ID)
		assert.Empty(t, u.PasswordHash)

		claims, err := f.svc.Authenticate(ctx, tok.Value)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
	})

	t.Run("by email", func(t *testing.T) {
		u, _, err := f.svc.Login(ctx, models.LoginInput{Username: "ALICE@x.com", Password: "pw123456"})
		require.NoError(t, err)
		assert.Equal(t, alice.ID, u.ID)
	})

	t.Run("failures are indistinguishable", func(t *testing.T) {
		_, _, wrongPassword := f.svc.Login(ctx, models.LoginInput{Username: "alice", Password: "nope"})
		_, _, unknownUser := f.svc.Login(ctx, models.LoginInput{Username: "mallory", Password: "pw123456"})
		require.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
		require.ErrorIs(t, unknownUser, ErrInvalidCredentials)
		assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
	})

	t.Run("missing fields", func(t *testing.T) {
		_, _, err := f.svc.Login(ctx, models.LoginInput{Username: "alice"})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", 1)
	_, tok, err := f.svc.Login(ctx, models.LoginInput{Username: "alice", Password: "pw123456"})
	require.NoError(t, err)

	fresh, err := f.svc.Refresh(ctx, tok.Value)
	require.NoError(t, err)
	claims, err := f.svc.Authenticate(ctx, fresh.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.NotEqual(t, tok.ID, fresh.ID)

	short, err := f.svc.tokens.Issue("alice", time.Minute)
	require.NoError(t, err)
	renewed, err := f.svc.Refresh(ctx, short.Value)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(short.ExpiresAt.Add(20*time.Minute)), "refresh uses the configured lifetime")

	_, err = f.svc.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	orphan, err := f.svc.tokens.Issue("ghost", 0)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, orphan.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice", 1)
	bob := f.register(t, "bob", 2)

	t.Run("other account is forbidden", func(t *testing.T) {
		_, err := f.svc.Update(ctx, "bob", alice.ID, models.UserPatch{Email: strPtr("b2@x.com")})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("unknown subject", func(t *testing.T) {
		_, err := f.svc.Update(ctx, "ghost", alice.ID, models.UserPatch{Email: strPtr("b2@x.com")})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no fields", func(t *testing.T) {
		_, err := f.svc.Update(ctx, "alice", alice.ID, models.UserPatch{CurrentPassword: strPtr("pw123456")})
		assert.ErrorIs(t, err, ErrNoFields)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := f.svc.Update(ctx, "alice", alice.ID, models.UserPatch{Email: strPtr("nope")})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := f.svc.Update(ctx, "alice", alice.ID, models.UserPatch{Email: strPtr(bob.Email)})
		var dup *DuplicateFieldError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, storage.FieldEmail, dup.Field)
	})

	t.Run("partial update leaves other fields", func(t *testing.T) {
		u, err := f.svc.Update(ctx, "alice", alice.ID, models.UserPatch{PhoneNumber: strPtr("+1 555 999 0000")})
		require.NoError(t, err)
		assert.Equal(t, "+15559990000", u.PhoneNumber)
		assert.Equal(t, alice.Email, u.Email)
		assert.Equal(t, alice.Username, u.Username)
		assert.Empty(t, u.PasswordHash)
		assert.False(t, u.UpdatedAt.Before(u.CreatedAt))
	})

	t.Run("password change needs current password", func(t *testing.T) {
		_, err := f.svc.Update(ctx, "alice", alice.ID, models.UserPatch{Password: strPtr("newpass1")})
		assert.ErrorIs(t, err, ErrBadCurrentPassword)

		_, err = f.svc.Update(ctx, "alice", alice.ID, models.UserPatch{
			Password:        strPtr("newpass1"),
			CurrentPassword: strPtr("wrong"),
		})
		assert.ErrorIs(t, err, ErrBadCurrentPassword)
	})

	t.Run("password change", func(t *testing.T) {
		_, err := f.svc.Update(ctx, "alice", alice.ID, models.UserPatch{
			Password:        strPtr("newpass1"),
			CurrentPassword: strPtr("pw123456"),
		})
		require.NoError(t, err)

		_, _, err = f.svc.Login(ctx, models.LoginInput{Username: "alice", Password: "pw123456"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, _, err = f.svc.Login(ctx, models.LoginInput{Username: "alice", Password: "newpass1"})
		assert.NoError(t, err)
	})

	assert.Contains(t, f.events.types(), events.UserUpdated)
}

// staleStore reports the guard as failed, as if another request changed the row first.
type staleStore struct {
	storage.UserStore
}

func (s staleStore) UpdateUser(context.Context, int64, storage.UserChanges, storage.Guard) (models.User, error) {
	return models.User{}, storage.ErrPreconditionFailed
}

func TestUpdateRacingPasswordChange(t *testing.T) {
	base := newFixture(t)
	alice := base.register(t, "alice", 1)
	f := newFixtureWithStore(t, staleStore{UserStore: base.store})

	_, err := f.svc.Update(context.Background(), "alice", alice.ID, models.UserPatch{
		Password:        strPtr("newpass1"),
		CurrentPassword: strPtr("pw123456"),
	})
	assert.ErrorIs(t, err, ErrBadCurrentPassword)

	_, err = f.svc.Update(context.Background(), "alice", alice.ID, models.UserPatch{Email: strPtr("z@x.com")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice", 1)
	f.register(t, "bob", 2)

	assert.ErrorIs(t, f.svc.Delete(ctx, "bob", alice.ID), ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(ctx, "alice", 99), ErrNotFound)

	require.NoError(t, f.svc.Delete(ctx, "alice", alice.ID))
	_, err := f.svc.GetUser(ctx, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, "alice", alice.ID), ErrNotFound)

	assert.Equal(t, events.UserDeleted, f.events.types()[len(f.events.types())-1])
}

func TestReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, name := range []string{"alice", "bob", "carol"} {
		f.register(t, name, i)
	}

	u, err := f.svc.GetUserByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, u.PasswordHash)

	_, err = f.svc.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	page, err := f.svc.ListUsers(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Limit, "limit is clamped to the configured maximum")
	assert.Len(t, page.Users, 2)
	for _, u := range page.Users {
		assert.Empty(t, u.PasswordHash)
	}

	page, err = f.svc.ListUsers(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Limit)
	assert.Equal(t, 2, page.Offset)
	assert.Len(t, page.Users, 1)

	_, err = f.svc.ListUsers(ctx, 10, -1)
	assert.ErrorIs(t, err, ErrValidation)
}

// brokenStore fails every call with a driver-level error.
type brokenStore struct {
	storage.UserStore
}

func (brokenStore) FindByID(context.Context, int64) (models.User, error) {
	return models.User{}, errors.New("pq: connection refused at 10.0.0.5")
}

func (brokenStore) CreateUser(context.Context, models.User) (models.User, error) {
	return models.User{}, errors.New("pq: connection refused at 10.0.0.5")
}

func TestStorageFailuresAreHidden(t *testing.T) {
	f := newFixtureWithStore(t, brokenStore{})

	_, err := f.svc.GetUser(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotContains(t, err.Error(), "10.0.0.5")

	_, err = f.svc.Register(context.Background(), registerInput("alice", 1))
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrDuplicateField)
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")

	_, err := f.svc.Register(context.Background(), registerInput("alice", 1))
	assert.NoError(t, err)
}

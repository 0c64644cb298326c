package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hongminglow/shop-user-api/internal/models"
	"github.com/hongminglow/shop-user-api/internal/storage"
	"github.com/hongminglow/shop-user-api/internal/storage/migrate"
	"github.com/hongminglow/shop-user-api/internal/storage/postgres/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Ensure Store satisfies the storage.UserStore interface at compile time.
var _ storage.UserStore = (*Store)(nil)

const userColumns = `id, username, email, phone_number, password_hash, created_at, updated_at`

const uniqueViolation = "23505"

// Options tune the connection pool and per-operation timeouts.
type Options struct {
	MaxConns       int32
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	SkipMigrations bool
}

// Store provides Postgres-backed persistence for users.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewUserStore connects to databaseURL and runs migrations unless opts says otherwise.
func NewUserStore(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{pool: pool, timeout: opts.QueryTimeout}
	if !opts.SkipMigrations {
		if _, err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate applies pending schema migrations over a database/sql handle sharing the pool's settings.
func (s *Store) Migrate(ctx context.Context) ([]migrate.Applied, error) {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()
	return migrate.Up(ctx, db, migrate.Postgres, migrations.FS)
}

// MigrationStatus lists known migrations and whether they are applied.
func (s *Store) MigrationStatus(ctx context.Context) ([]migrate.Status, error) {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()
	return migrate.List(ctx, db, migrate.Postgres, migrations.FS)
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

// CreateUser inserts a new user row unless one of its unique fields is taken.
func (s *Store) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var created models.User
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		existing, err := scanUser(tx.QueryRow(ctx, `
			SELECT `+userColumns+`
			FROM users
			WHERE username = $1 OR email = $2 OR phone_number = $3
			ORDER BY id
			LIMIT 1`,
			user.Username, user.Email, user.PhoneNumber,
		))
		switch {
		case err == nil:
			return &storage.DuplicateError{Field: storage.CollidingField(existing, user)}
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check collisions: %w", err)
		}

		created, err = scanUser(tx.QueryRow(ctx, `
			INSERT INTO users (username, email, phone_number, password_hash)
			VALUES ($1, $2, $3, $4)
			RETURNING `+userColumns,
			user.Username, user.Email, user.PhoneNumber, user.PasswordHash,
		))
		return err
	})
	if err != nil {
		return models.User{}, mapError(err)
	}
	return created, nil
}

// FindByID fetches a user by identifier.
func (s *Store) FindByID(ctx context.Context, id int64) (models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindByUsername fetches a user by username.
func (s *Store) FindByUsername(ctx context.Context, username string) (models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

// FindByEmail fetches a user by email address.
func (s *Store) FindByEmail(ctx context.Context, email string) (models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// ListUsers returns a page of users, newest first.
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	if limit <= 0 || offset < 0 {
		return nil, storage.ErrInvalidPage
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0, limit)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UpdateUser applies changes to the user with id when guard still holds.
func (s *Store) UpdateUser(ctx context.Context, id int64, changes storage.UserChanges, guard storage.Guard) (models.User, error) {
	assignments := changes.Assignments()
	if len(assignments) == 0 {
		return models.User{}, storage.ErrNoFields
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	set := make([]string, 0, len(assignments)+1)
	args := make([]any, 0, len(assignments)+3)
	for _, a := range assignments {
		args = append(args, a.Value)
		set = append(set, fmt.Sprintf("%s = $%d", a.Column, len(args)))
	}
	set = append(set, "updated_at = GREATEST(created_at, NOW())")
	where, args := guardClause(id, guard, args)
	query := `UPDATE users SET ` + strings.Join(set, ", ") + ` WHERE ` + where + ` RETURNING ` + userColumns

	var updated models.User
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		updated, err = scanUser(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return missingOrStale(ctx, tx, id)
		}
		return err
	})
	if err != nil {
		return models.User{}, mapError(err)
	}
	return updated, nil
}

// DeleteUser removes the user with id when guard still holds.
func (s *Store) DeleteUser(ctx context.Context, id int64, guard storage.Guard) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	where, args := guardClause(id, guard, nil)
	var deleted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE `+where, args...)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *Store) findOne(ctx context.Context, query string, arg any) (models.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	u, err := scanUser(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		return models.User{}, mapError(err)
	}
	return u, nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// guardClause appends the id and guard conditions to args, numbering placeholders after them.
func guardClause(id int64, guard storage.Guard, args []any) (string, []any) {
	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if guard.Username != "" {
		args = append(args, guard.Username)
		where += fmt.Sprintf(" AND username = $%d", len(args))
	}
	if guard.PasswordHash != "" {
		args = append(args, guard.PasswordHash)
		where += fmt.Sprintf(" AND password_hash = $%d", len(args))
	}
	return where, args
}

func missingOrStale(ctx context.Context, tx pgx.Tx, id int64) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check user exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrPreconditionFailed
}

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PhoneNumber, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return models.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.DuplicateForConstraint(pgErr.ConstraintName)
	}
	return err
}

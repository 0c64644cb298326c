// Package sqlite provides a SQLite-backed user store for development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hongminglow/shop-user-api/internal/models"
	"github.com/hongminglow/shop-user-api/internal/storage"
	"github.com/hongminglow/shop-user-api/internal/storage/migrate"
	"github.com/hongminglow/shop-user-api/internal/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Ensure Store satisfies the storage.UserStore interface at compile time.
var _ storage.UserStore = (*Store)(nil)

const userColumns = `id, username, email, phone_number, password_hash, created_at, updated_at`

var uniqueColumn = regexp.MustCompile(`UNIQUE constraint failed: users\.(\w+)`)

// Options tune a Store.
type Options struct {
	// QueryTimeout bounds each store operation. Zero disables the bound.
	QueryTimeout   time.Duration
	SkipMigrations bool
}

// Store persists users in a single SQLite file.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	now     func() time.Time
}

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := New(db, opts)
	if !opts.SkipMigrations {
		if _, err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	// One writer at a time; transactions queue on the pool instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return s, nil
}

// New wraps an already opened database handle. Migrations are not applied.
func New(db *sql.DB, opts Options) *Store {
	return &Store{db: db, timeout: opts.QueryTimeout, now: time.Now}
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) ([]migrate.Applied, error) {
	return migrate.Up(ctx, s.db, migrate.SQLite, migrations.FS)
}

// MigrationStatus lists known migrations and whether they are applied.
func (s *Store) MigrationStatus(ctx context.Context) ([]migrate.Status, error) {
	return migrate.List(ctx, s.db, migrate.SQLite, migrations.FS)
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// CreateUser inserts a new user row unless one of its unique fields is taken.
func (s *Store) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	now := toMillis(s.now())
	var created models.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users
			 WHERE username = ? OR email = ? OR phone_number = ?
			 ORDER BY id LIMIT 1`,
			user.Username, user.Email, user.PhoneNumber,
		))
		switch {
		case err == nil:
			return &storage.DuplicateError{Field: storage.CollidingField(existing, user)}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check collisions: %w", err)
		}

		created, err = scanUser(tx.QueryRowContext(ctx,
			`INSERT INTO users (username, email, phone_number, password_hash, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 RETURNING `+userColumns,
			user.Username, user.Email, user.PhoneNumber, user.PasswordHash, now, now,
		))
		if err != nil {
			return mapError(err)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return created, nil
}

// FindByID fetches a user by identifier.
func (s *Store) FindByID(ctx context.Context, id int64) (models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// FindByUsername fetches a user by username.
func (s *Store) FindByUsername(ctx context.Context, username string) (models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
}

// FindByEmail fetches a user by email address.
func (s *Store) FindByEmail(ctx context.Context, email string) (models.User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

// ListUsers returns a page of users, newest first.
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	if limit <= 0 || offset < 0 {
		return nil, storage.ErrInvalidPage
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
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
	args := make([]any, 0, len(assignments)+4)
	for _, a := range assignments {
		set = append(set, a.Column+" = ?")
		args = append(args, a.Value)
	}
	set = append(set, "updated_at = MAX(created_at, ?)")
	args = append(args, toMillis(s.now()))

	where, whereArgs := guardClause(id, guard)
	args = append(args, whereArgs...)
	query := `UPDATE users SET ` + strings.Join(set, ", ") + ` WHERE ` + where + ` RETURNING ` + userColumns

	var updated models.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		updated, err = scanUser(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return missingOrStale(ctx, tx, id)
		}
		if err != nil {
			return mapError(err)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return updated, nil
}

// DeleteUser removes the user with id when guard still holds.
func (s *Store) DeleteUser(ctx context.Context, id int64, guard storage.Guard) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	where, args := guardClause(id, guard)
	var deleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE `+where, args...)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		deleted = n > 0
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

	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
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

// inTx commits when fn returns nil and rolls back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func guardClause(id int64, guard storage.Guard) (string, []any) {
	where := "id = ?"
	args := []any{id}
	if guard.Username != "" {
		where += " AND username = ?"
		args = append(args, guard.Username)
	}
	if guard.PasswordHash != "" {
		where += " AND password_hash = ?"
		args = append(args, guard.PasswordHash)
	}
	return where, args
}

func missingOrStale(ctx context.Context, tx *sql.Tx, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrNotFound
	case err != nil:
		return fmt.Errorf("check user exists: %w", err)
	}
	return storage.ErrPreconditionFailed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (models.User, error) {
	var (
		u                    models.User
		createdAt, updatedAt int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PhoneNumber, &u.PasswordHash, &createdAt, &updatedAt); err != nil {
		return models.User{}, err
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE {
		if m := uniqueColumn.FindStringSubmatch(sqliteErr.Error()); m != nil {
			return storage.DuplicateForColumn(m[1])
		}
		return &storage.DuplicateError{}
	}
	return err
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

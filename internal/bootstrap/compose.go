// Package bootstrap assembles the service from configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/hongminglow/shop-user-api/internal/account"
	"github.com/hongminglow/shop-user-api/internal/auth"
	"github.com/hongminglow/shop-user-api/internal/config"
	"github.com/hongminglow/shop-user-api/internal/events"
	"github.com/hongminglow/shop-user-api/internal/logging"
	"github.com/hongminglow/shop-user-api/internal/storage"
	"github.com/hongminglow/shop-user-api/internal/storage/migrate"
	"github.com/hongminglow/shop-user-api/internal/storage/postgres"
	"github.com/hongminglow/shop-user-api/internal/storage/sqlite"
)

// Store is a user store that can also report and apply its schema migrations.
type Store interface {
	storage.UserStore
	Migrate(ctx context.Context) ([]migrate.Applied, error)
	MigrationStatus(ctx context.Context) ([]migrate.Status, error)
}

// OpenStore connects to the configured backend. Migrations run unless skipMigrations is set.
func OpenStore(ctx context.Context, cfg config.Config, skipMigrations bool) (Store, error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, sqlite.Options{
			QueryTimeout:   cfg.DBQueryTimeout,
			SkipMigrations: skipMigrations,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectTimeout)
		defer cancel()
		s, err := postgres.NewUserStore(connectCtx, cfg.PostgresURL(), postgres.Options{
			MaxConns:       cfg.DBMaxConns,
			ConnectTimeout: cfg.DBConnectTimeout,
			QueryTimeout:   cfg.DBQueryTimeout,
			SkipMigrations: skipMigrations,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
}

// NewTokenManager builds the token manager described by cfg.
func NewTokenManager(cfg config.Config) (*auth.TokenManager, error) {
	return auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL(), cfg.JWTAlgorithm)
}

// NewAccounts composes the account service over store.
func NewAccounts(cfg config.Config, store storage.UserStore, publisher events.Publisher, log logging.Logger) (*account.Service, error) {
	tokens, err := NewTokenManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}
	return account.NewService(store, auth.NewHasher(cfg.BcryptCost), tokens, account.Options{
		MaxPageSize: cfg.MaxPageSize,
		Events:      publisher,
		Logger:      log,
	}), nil
}

// OpenPublisher connects to the event broker when AMQP_URL is set. The returned close func is never nil.
func OpenPublisher(ctx context.Context, cfg config.Config, log logging.Logger) (events.Publisher, func() error, error) {
	if cfg.AMQPURL == "" {
		return events.Nop{}, func() error { return nil }, nil
	}
	p, err := events.DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange, log)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

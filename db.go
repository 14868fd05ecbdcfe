package lms

import (
	"database/sql"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"
)

const defaultPingTimeout = 5 * time.Second

// DatabaseConfig describes the user store connection
type DatabaseConfig struct {
	DSN         string
	Debug       bool
	PingTimeout time.Duration
}

var _ persistence.Config = DatabaseConfig{}

func (c DatabaseConfig) GetDebug() bool {
	return c.Debug
}

func (c DatabaseConfig) GetDriver() string {
	if isPostgresDSN(c.DSN) {
		return "postgres"
	}
	return "sqlite"
}

func (c DatabaseConfig) GetServer() string {
	return strings.TrimSpace(c.DSN)
}

func (c DatabaseConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return defaultPingTimeout
	}
	return c.PingTimeout
}

func (c DatabaseConfig) GetOtelIdentifier() string {
	return ""
}

// OpenStore connects to the configured database and returns a persistence
// client with the users model and migrations registered. postgres:// and
// postgresql:// DSNs use the Postgres driver, anything else is handed to
// sqlite.
func OpenStore(cfg DatabaseConfig, logger Logger) (*persistence.Client, error) {
	if logger == nil {
		logger = defLogger{name: "lms.persistence"}
	}

	sqldb, dialect, err := openSQL(cfg.GetServer())
	if err != nil {
		return nil, err
	}

	persistence.RegisterModel((*User)(nil))

	var opts []persistence.ClientOption
	if cfg.Debug {
		opts = append(opts, persistence.WithBundebug())
	}

	client, err := persistence.New(cfg, sqldb, dialect, opts...)
	if err != nil {
		_ = sqldb.Close()
		return nil, errors.Wrap(err, errors.CategoryExternal, "connect to database").
			WithCode(errors.CodeInternal).
			WithTextCode(TextCodePersistence)
	}

	client.SetLogger(persistenceLogger{Logger: logger})
	client.RegisterDialectMigrations(
		GetMigrationsFS(),
		persistence.WithDialectSourceLabel("data/sql/migrations"),
		persistence.WithValidationTargets("postgres", "sqlite"),
	)

	return client, nil
}

func openSQL(dsn string) (*sql.DB, schema.Dialect, error) {
	if dsn == "" {
		return nil, nil, errors.New("database DSN is required", errors.CategoryValidation).
			WithTextCode(TextCodePersistence)
	}

	if isPostgresDSN(dsn) {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		return sqldb, pgdialect.New(), nil
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CategoryInternal, "open sqlite database").
			WithTextCode(TextCodePersistence)
	}

	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		sqldb.SetMaxOpenConns(1)
	}

	return sqldb, sqlitedialect.New(), nil
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

type persistenceLogger struct {
	Logger
}

func (l persistenceLogger) Fatal(msg string, args ...any) {
	l.Error(msg, args...)
}

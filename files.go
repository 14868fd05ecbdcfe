package lms

import (
	"context"
	"embed"
	"io/fs"

	"github.com/goliatone/go-errors"
	persistence "github.com/goliatone/go-persistence-bun"
)

//go:embed data/sql/migrations
var migrationsFS embed.FS

// GetMigrationsFS returns the migration files for this package
func GetMigrationsFS() fs.FS {
	sub, err := fs.Sub(migrationsFS, "data/sql/migrations")
	if err != nil {
		return migrationsFS
	}
	return sub
}

// Migrate applies every pending migration registered on client and returns
// the names applied
func Migrate(ctx context.Context, client *persistence.Client) ([]string, error) {
	if err := client.ValidateDialects(ctx); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "validate migrations").
			WithCode(errors.CodeInternal).
			WithTextCode(TextCodePersistence)
	}

	if err := client.Migrate(ctx); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "apply migrations").
			WithCode(errors.CodeInternal).
			WithTextCode(TextCodePersistence)
	}

	applied := []string{}
	if group := client.Report(); group != nil {
		for _, m := range group.Migrations {
			applied = append(applied, m.Name)
		}
	}
	return applied, nil
}

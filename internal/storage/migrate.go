package storage

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Migrate applies the SQL migrations in dir. goose speaks database/sql, so
// the pool is bridged through pgx's stdlib adapter for the duration.
func Migrate(pool *pgxpool.Pool, dir string) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	if err := goose.Up(db, dir); err != nil {
		return errors.Wrapf(err, "migrate up from %s", dir)
	}
	return nil
}

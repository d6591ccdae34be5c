package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	dbmigrations "github.com/Victor-dw/Blackjack/db/migrations"
	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/observability"
)

// Migrate applies the embedded schema migrations to the database at dsn.
// Running against an up-to-date schema is a no-op.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("open migrations connection"), errs.WithCause(err))
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Error("migrations connection close",
				observability.Field{Key: "error", Value: cerr.Error()})
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("ping migrations database"), errs.WithCause(err))
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("open embedded migrations"), errs.WithCause(err))
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("initialise pgx v5 driver"), errs.WithCause(err))
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("initialise migrate instance"), errs.WithCause(err))
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Error("migrations source close",
				observability.Field{Key: "error", Value: sourceErr.Error()})
		}
		if dbErr != nil {
			observability.Log().Error("migrations db close",
				observability.Field{Key: "error", Value: dbErr.Error()})
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("schema migrations up-to-date")
			return nil
		}
		return errs.New(op, errs.CodeStoreUnavailable,
			errs.WithMessage("apply migrations"), errs.WithCause(err))
	}
	observability.Log().Info("schema migrations applied")
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-routing/internal/repository"
	apperrors "github.com/acme/lead-routing/pkg/errors"
)

const (
	uniqueViolation = "23505"
	checkViolation  = "23514"
	fkViolation     = "23503"
	outOfRange      = "22003"
)

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", mapConstraint(err))
	}
	return nil
}

// mapConstraint turns constraint violations into repository sentinels so
// callers can tell a lost race from an outage.
func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case uniqueViolation, checkViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, repository.ErrConflict)
	case fkViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, repository.ErrNotFound)
	case outOfRange:
		return fmt.Errorf("%s: %w", pgErr.Message, apperrors.ErrValidation)
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

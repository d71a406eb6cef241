package repository

import (
	"crm-flow/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const uniqueViolation = "23505"

// translate maps driver errors onto the domain taxonomy.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(domain.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(domain.ErrConflict, "%s already exists", what)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Wrapf(domain.ErrConflict, "%s already exists", what)
	}
	return errors.Wrap(err, what)
}

package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors returned by Store methods. Callers use errors.Is.
var (
	ErrCallNotFound       = errors.New("call not found")
	ErrCallAlreadyExists  = errors.New("call already exists")
	ErrDuplicatePacket    = errors.New("duplicate packet sequence")
	ErrAIResultNotFound   = errors.New("ai result not found")
)

// postgres error codes this package classifies into sentinel errors.
const pgUniqueViolation = "23505"

// classifyWriteError maps a raw Postgres error into one of our sentinel
// errors when it recognizes the constraint involved, otherwise it returns
// err unchanged.
func classifyWriteError(err error, callsPK, packetsUnique string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if pgErr.Code != pgUniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case callsPK:
		return ErrCallAlreadyExists
	case packetsUnique:
		return ErrDuplicatePacket
	default:
		return err
	}
}

package storage

import (
	"database/sql"

	"github.com/pkg/errors"
)

// errors
var (
	ErrDoesNotExist = errors.New("object does not exist")
	ErrKEKRequired  = errors.New("session-keys are wrapped but no kek is configured")
)

func handlePSQLError(err error, description string) error {
	if err == sql.ErrNoRows {
		return ErrDoesNotExist
	}

	return errors.Wrap(err, description)
}

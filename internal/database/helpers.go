package database

import (
	"database/sql"
	"fmt"
)

// execRequireRows returns err if non-nil, or notFoundErr when nothing was updated.
func execRequireRows(result sql.Result, err, notFoundErr error) error {
	if err != nil {
		return err
	}
	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return fmt.Errorf("failed to get rows affected: %w", affectedErr)
	}
	if n == 0 {
		return notFoundErr
	}
	return nil
}

func wrapExec(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

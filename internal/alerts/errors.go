package alerts

import (
	"errors"
	"fmt"

	sqlite3 "modernc.org/sqlite/lib"
)

// coder is implemented by *sqlite.Error.
type coder interface {
	Code() int
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if isBusy(err) {
		return fmt.Errorf("%w: %w: %v", ErrStoreUnavailable, ErrStoreBusy, err)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// isBusy reports SQLite lock contention, which is safe to retry because the
// failed statement did not commit.
func isBusy(err error) bool {
	var c coder
	if !errors.As(err, &c) {
		return false
	}
	switch c.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

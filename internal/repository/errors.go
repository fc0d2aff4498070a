// Package repository defines the MySQL data access layer and the error
// values shared across repositories.  Higher layers use these sentinels to
// tell "not there" and "someone else already wrote it" apart from real
// store failures.
package repository

import (
    "errors"

    "github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique constraint.
// For identity and dedup keys this means a concurrent writer won the race
// and the caller should re-fetch.
var ErrDuplicate = errors.New("duplicate")

// ErrConflict is returned when an update cannot be applied because of the
// row's current state, such as linking a payment that is already linked.
var ErrConflict = errors.New("conflict")

// mysqlDuplicateEntry is the server error number for a unique key violation.
const mysqlDuplicateEntry = 1062

// translate maps driver errors to the sentinels above.
func translate(err error) error {
    if err == nil {
        return nil
    }
    var me *mysql.MySQLError
    if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
        return ErrDuplicate
    }
    return err
}

package store

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/poigraph/corepipeline/pkg/corerr"
)

// classifyWriteErr turns a raw SQLite error into the §7 taxonomy: busy/
// locked is transient, constraint violations are domain-level (the caller
// decides whether that's an upsert-and-continue or a hard failure), and
// anything else corrupts-looking is fatal.
func classifyWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return corerr.TransientErr(op, err)
		case sqlite3.ErrConstraint:
			return corerr.DomainErr(op, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return corerr.FatalErr(op, corerr.ErrStoreCorruption)
		}
	}

	if strings.Contains(err.Error(), "database disk image is malformed") {
		return corerr.FatalErr(op, corerr.ErrStoreCorruption)
	}

	return corerr.TransientErr(op, err)
}

// IsConstraintViolation reports whether err is a uniqueness/foreign-key
// constraint failure, used by workers to decide upsert-vs-insert paths.
func IsConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

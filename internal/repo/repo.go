package repo

import (
	"database/sql"
	"errors"
)

// Repo is thin SQL data access over the obratrack schema.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrDuplicateNumber indicates a work number collision among live works.
var ErrDuplicateNumber = errors.New("work number already in use")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

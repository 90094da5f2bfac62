package models

import "github.com/cockroachdb/errors"

// ErrNotFound is returned by every store lookup that matches no row for the tenant.
var ErrNotFound = errors.New("not found")

// BacklogEntry is one row of a top-N backlog breakdown.
type BacklogEntry struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

package persistence

import "errors"

// ErrNotFound maps sql.ErrNoRows at the adapter boundary so services never
// import database/sql.
var ErrNotFound = errors.New("not found")

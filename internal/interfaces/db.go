package interfaces

import (
	"context"
	"database/sql"
)

// DB exposes the read-write and read-only handles a handler may need.
// Extraction fetches that don't require fresh writes use RO so reporting
// load does not contend with the write path; everything else uses RW.
type DB interface {
	RW() *sql.DB
	RO() *sql.DB

	// WithTx runs fn inside a transaction on the RW handle, committing on
	// nil return and rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

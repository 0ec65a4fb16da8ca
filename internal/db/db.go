package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ternarybob/arbor"
)

// Handle implements interfaces.DB. RW and RO may point at the same
// underlying database (the common case for the bundled sqlite driver) or
// at a primary/replica pair in production.
type Handle struct {
	rw     *sql.DB
	ro     *sql.DB
	logger arbor.ILogger
}

// Open opens the read-write and read-only connections named by the two
// DSNs. Both are expected in the "sqlite://path" or "postgres://..." shape
// used throughout the config; only the sqlite driver is wired in this
// build (see DESIGN.md for why a second relational driver was not added).
func Open(logger arbor.ILogger, rwDSN, roDSN string) (*Handle, error) {
	rw, err := openDSN(rwDSN)
	if err != nil {
		return nil, fmt.Errorf("open rw db: %w", err)
	}

	ro := rw
	if roDSN != "" && roDSN != rwDSN {
		ro, err = openDSN(roDSN)
		if err != nil {
			return nil, fmt.Errorf("open ro db: %w", err)
		}
	}

	return &Handle{rw: rw, ro: ro, logger: logger}, nil
}

func openDSN(dsn string) (*sql.DB, error) {
	driver, source := "sqlite", dsn
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		driver, source = dsnScheme(dsn[:idx]), dsn[idx+3:]
	}
	if driver != "sqlite" {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return sql.Open("sqlite", source)
}

func dsnScheme(scheme string) string {
	if scheme == "postgres" || scheme == "postgresql" {
		return "postgres"
	}
	return "sqlite"
}

func (h *Handle) RW() *sql.DB { return h.rw }
func (h *Handle) RO() *sql.DB { return h.ro }

// WithTx runs fn inside an RW transaction, committing on nil return and
// rolling back otherwise.
func (h *Handle) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := h.rw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			h.logger.Warn().Err(rbErr).Msg("rollback failed after handler error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (h *Handle) Close() error {
	if h.ro != h.rw {
		if err := h.ro.Close(); err != nil {
			h.logger.Warn().Err(err).Msg("failed to close ro db")
		}
	}
	return h.rw.Close()
}

// RetryOnBusy runs operation, retrying with exponential backoff on sqlite
// contention errors. It bails immediately on context cancellation or any
// non-busy error.
func RetryOnBusy(ctx context.Context, logger arbor.ILogger, operation func() error) error {
	const maxRetries = 5
	backoff := 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !isBusyError(lastErr) {
			return lastErr
		}

		if attempt == maxRetries {
			break
		}

		logger.Debug().Int("attempt", attempt+1).Err(lastErr).Msg("database busy, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("database busy after %d retries: %w", maxRetries, lastErr)
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

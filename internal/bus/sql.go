package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	tesseradb "github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/models"
)

// SQLBus is the durable production transport: messages live in a
// relational table so a process restart does not lose in-flight work.
// It follows the same visible-until/attempts shape as MemoryBus, backed
// by a single bus_messages table instead of in-memory slices, and reuses
// the teacher's busy-retry helper around every write.
type SQLBus struct {
	conn              *sql.DB
	logger            arbor.ILogger
	visibilityTimeout time.Duration
	maxDeliveries     int
}

// NewSQLBus wires a SQL-backed bus on top of an already-migrated
// connection (see db.Migrate).
func NewSQLBus(conn *sql.DB, logger arbor.ILogger, visibilityTimeout time.Duration, maxDeliveries int) (*SQLBus, error) {
	const ddl = `CREATE TABLE IF NOT EXISTS bus_messages (
		id TEXT PRIMARY KEY,
		queue_name TEXT NOT NULL,
		tenant_id INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		visible_at DATETIME NOT NULL,
		in_flight INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`
	if _, err := conn.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create bus_messages table: %w", err)
	}
	if _, err := conn.Exec(`CREATE INDEX IF NOT EXISTS idx_bus_messages_poll ON bus_messages(queue_name, in_flight, visible_at)`); err != nil {
		return nil, fmt.Errorf("create bus_messages index: %w", err)
	}

	return &SQLBus{conn: conn, logger: logger, visibilityTimeout: visibilityTimeout, maxDeliveries: maxDeliveries}, nil
}

func (b *SQLBus) Publish(ctx context.Context, queueName string, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return tesseradb.RetryOnBusy(ctx, b.logger, func() error {
		if msg.IdempotencyKey != "" {
			var count int
			row := b.conn.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM bus_messages WHERE queue_name = ? AND idempotency_key = ?`,
				queueName, msg.IdempotencyKey)
			if err := row.Scan(&count); err != nil {
				return fmt.Errorf("check idempotency: %w", err)
			}
			if count > 0 {
				return nil
			}
		}

		_, err := b.conn.ExecContext(ctx,
			`INSERT INTO bus_messages (id, queue_name, tenant_id, idempotency_key, payload_json, attempts, visible_at, in_flight, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?)`,
			uuid.NewString(), queueName, msg.TenantID, msg.IdempotencyKey, string(payload), time.Now(), time.Now())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

func (b *SQLBus) Receive(ctx context.Context, queueName string) (*models.Message, func() error, func() error, error) {
	// First reclaim any message whose visibility window lapsed, treating it
	// like a nack so attempts count toward the dead-letter threshold.
	if err := b.reclaimExpired(ctx, queueName); err != nil {
		return nil, nil, nil, err
	}

	var (
		id        string
		payload   string
		attempts  int
	)

	err := tesseradb.RetryOnBusy(ctx, b.logger, func() error {
		row := b.conn.QueryRowContext(ctx,
			`SELECT id, payload_json, attempts FROM bus_messages
			 WHERE queue_name = ? AND in_flight = 0 AND visible_at <= ?
			 ORDER BY created_at ASC LIMIT 1`,
			queueName, time.Now())

		if err := row.Scan(&id, &payload, &attempts); err != nil {
			if err == sql.ErrNoRows {
				return models.ErrNoMessage
			}
			return fmt.Errorf("select next message: %w", err)
		}

		_, err := b.conn.ExecContext(ctx,
			`UPDATE bus_messages SET in_flight = 1, attempts = attempts + 1, visible_at = ? WHERE id = ?`,
			time.Now().Add(b.visibilityTimeout), id)
		return err
	})
	if err != nil {
		if err == models.ErrNoMessage {
			return nil, nil, nil, models.ErrNoMessage
		}
		return nil, nil, nil, err
	}

	var msg models.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, nil, nil, fmt.Errorf("unmarshal message: %w", err)
	}

	ack := func() error {
		return tesseradb.RetryOnBusy(ctx, b.logger, func() error {
			_, err := b.conn.ExecContext(ctx, `DELETE FROM bus_messages WHERE id = ?`, id)
			return err
		})
	}

	nack := func() error {
		return b.nack(ctx, queueName, id, attempts+1, "handler nack")
	}

	return &msg, ack, nack, nil
}

func (b *SQLBus) reclaimExpired(ctx context.Context, queueName string) error {
	return tesseradb.RetryOnBusy(ctx, b.logger, func() error {
		rows, err := b.conn.QueryContext(ctx,
			`SELECT id, attempts FROM bus_messages WHERE queue_name = ? AND in_flight = 1 AND visible_at <= ?`,
			queueName, time.Now())
		if err != nil {
			return fmt.Errorf("select expired: %w", err)
		}
		type expired struct {
			id       string
			attempts int
		}
		var items []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.attempts); err != nil {
				rows.Close()
				return err
			}
			items = append(items, e)
		}
		rows.Close()

		for _, e := range items {
			if err := b.nack(ctx, queueName, e.id, e.attempts, "visibility timeout expired"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *SQLBus) nack(ctx context.Context, queueName, id string, attempts int, reason string) error {
	return tesseradb.RetryOnBusy(ctx, b.logger, func() error {
		if attempts >= b.maxDeliveries {
			var payload string
			var tenantID int64
			row := b.conn.QueryRowContext(ctx, `SELECT payload_json, tenant_id FROM bus_messages WHERE id = ?`, id)
			if err := row.Scan(&payload, &tenantID); err != nil {
				return err
			}
			if _, err := b.conn.ExecContext(ctx,
				`INSERT INTO dead_letters (queue_name, tenant_id, payload_json, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
				queueName, tenantID, payload, reason, time.Now()); err != nil {
				return err
			}
			_, err := b.conn.ExecContext(ctx, `DELETE FROM bus_messages WHERE id = ?`, id)
			return err
		}

		_, err := b.conn.ExecContext(ctx,
			`UPDATE bus_messages SET in_flight = 0, visible_at = ? WHERE id = ?`, time.Now(), id)
		return err
	})
}

func (b *SQLBus) Extend(ctx context.Context, queueName, messageID string, d time.Duration) error {
	return tesseradb.RetryOnBusy(ctx, b.logger, func() error {
		_, err := b.conn.ExecContext(ctx,
			`UPDATE bus_messages SET visible_at = ? WHERE id = ? AND queue_name = ?`,
			time.Now().Add(d), messageID, queueName)
		return err
	})
}

// Ping confirms the backing connection is reachable.
func (b *SQLBus) Ping(ctx context.Context) error {
	return b.conn.PingContext(ctx)
}

func (b *SQLBus) Close() error {
	return nil
}

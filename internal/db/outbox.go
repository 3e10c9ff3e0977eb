package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xtrntr/spotex/internal/models"
)

func (t *pgTx) AppendOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO outbox (topic, key, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, msg.Topic, msg.Key, msg.Payload).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append outbox message: %w", err)
	}
	return nil
}

// ClaimOutbox locks up to limit pending messages, skipping rows another
// dispatcher already holds, and marks the ones fn accepted as dispatched.
func (db *DB) ClaimOutbox(ctx context.Context, limit int, fn func(msg models.OutboxMessage) error) (int, error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, topic, key, payload, created_at
		FROM outbox
		WHERE dispatched_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox: %w", err)
	}
	var batch []models.OutboxMessage
	for rows.Next() {
		var msg models.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Key, &msg.Payload, &msg.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		batch = append(batch, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var delivered []int64
	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		if err := fn(msg); err != nil {
			continue
		}
		delivered = append(delivered, msg.ID)
	}
	if len(delivered) == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx, "UPDATE outbox SET dispatched_at = $1 WHERE id = ANY($2)",
		time.Now().UTC(), delivered); err != nil {
		return 0, fmt.Errorf("failed to mark outbox dispatched: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return len(delivered), nil
}

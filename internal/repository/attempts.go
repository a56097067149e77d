package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/lib/pq"
)

const attemptColumns = `gateway_reference_id, session_id, identity, payment_method, amount_due_now,
	snapshot_fingerprint, status, verify_count, order_placed, COALESCE(order_id, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*domain.SettlementAttempt, error) {
	var a domain.SettlementAttempt
	var method, status string
	err := row.Scan(
		&a.GatewayReferenceID,
		&a.SessionID,
		&a.Identity,
		&method,
		&a.AmountDueNow,
		&a.SnapshotFingerprint,
		&status,
		&a.VerifyCount,
		&a.OrderPlaced,
		&a.OrderID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.PaymentMethod = domain.PaymentMethod(method)
	a.Status = domain.SettlementStatus(status)
	return &a, nil
}

func (r *Repository) CreateAttempt(ctx context.Context, a *domain.SettlementAttempt) error {
	status := a.Status
	if status == "" {
		status = domain.SettlementStatusPending
	}

	query := `
		INSERT INTO settlement_attempts (
			gateway_reference_id, session_id, identity, payment_method,
			amount_due_now, snapshot_fingerprint, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING verify_count, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		a.GatewayReferenceID,
		a.SessionID,
		a.Identity,
		string(a.PaymentMethod),
		a.AmountDueNow,
		a.SnapshotFingerprint,
		string(status),
	).Scan(&a.VerifyCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateAttempt
		}
		return fmt.Errorf("failed to create settlement attempt: %w", err)
	}
	a.Status = status
	return nil
}

func (r *Repository) GetAttempt(ctx context.Context, reference string) (*domain.SettlementAttempt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM settlement_attempts WHERE gateway_reference_id = $1`,
		reference)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement attempt: %w", err)
	}
	return a, nil
}

type resolvedPayload struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	Previous    string `json:"previous_status"`
	VerifyCount int    `json:"verify_count"`
}

// RecordVerification stores the outcome of one gateway verification and
// returns the new verification count. A SUCCESS is never downgraded.
func (r *Repository) RecordVerification(ctx context.Context, reference string, status domain.SettlementStatus) (int, error) {
	var count int
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM settlement_attempts WHERE gateway_reference_id = $1 FOR UPDATE`,
			reference).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAttemptNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock settlement attempt: %w", err)
		}

		next := status
		if domain.SettlementStatus(current) == domain.SettlementStatusSuccess {
			next = domain.SettlementStatusSuccess
		}

		err = tx.QueryRowContext(ctx, `
			UPDATE settlement_attempts
			SET status = $2, verify_count = verify_count + 1, updated_at = NOW()
			WHERE gateway_reference_id = $1
			RETURNING verify_count`,
			reference, string(next)).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to record verification: %w", err)
		}

		if next.IsFinal() && string(next) != current {
			payload, err := json.Marshal(resolvedPayload{
				Reference:   reference,
				Status:      string(next),
				Previous:    current,
				VerifyCount: count,
			})
			if err != nil {
				return fmt.Errorf("marshal resolved event: %w", err)
			}
			return insertOutbox(ctx, tx, reference, EventSettlementResolved, payload)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// MarkCancelled records a user cancel at the gateway as FAILED.
func (r *Repository) MarkCancelled(ctx context.Context, reference string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		var placed bool
		err := tx.QueryRowContext(ctx,
			`SELECT status, order_placed FROM settlement_attempts WHERE gateway_reference_id = $1 FOR UPDATE`,
			reference).Scan(&status, &placed)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAttemptNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock settlement attempt: %w", err)
		}
		if placed || domain.SettlementStatus(status) == domain.SettlementStatusSuccess {
			return ErrAlreadySettled
		}
		if domain.SettlementStatus(status) == domain.SettlementStatusFailed {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE settlement_attempts SET status = $2, updated_at = NOW()
			WHERE gateway_reference_id = $1`,
			reference, string(domain.SettlementStatusFailed))
		if err != nil {
			return fmt.Errorf("failed to cancel settlement attempt: %w", err)
		}

		payload, err := json.Marshal(map[string]string{
			"reference":       reference,
			"status":          string(domain.SettlementStatusFailed),
			"previous_status": status,
			"reason":          "USER_CANCEL",
		})
		if err != nil {
			return fmt.Errorf("marshal cancel event: %w", err)
		}
		return insertOutbox(ctx, tx, reference, EventSettlementCancelled, payload)
	})
}

// MarkOrderPlaced flips order_placed and writes the OrderPlaced event in one transaction.
func (r *Repository) MarkOrderPlaced(ctx context.Context, reference, orderID string, payload []byte) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE settlement_attempts
			SET order_placed = TRUE, order_id = $2, updated_at = NOW()
			WHERE gateway_reference_id = $1 AND order_placed = FALSE`,
			reference, orderID)
		if err != nil {
			return fmt.Errorf("failed to mark order placed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM settlement_attempts WHERE gateway_reference_id = $1)`,
				reference).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check settlement attempt: %w", err)
			}
			if !exists {
				return ErrAttemptNotFound
			}
			return ErrOrderAlreadyPlaced
		}
		return insertOutbox(ctx, tx, reference, EventOrderPlaced, payload)
	})
}

// GetOrphanedAttempts returns SUCCESS attempts without an order whose last
// update is older than olderThan and that have not been reported yet.
func (r *Repository) GetOrphanedAttempts(ctx context.Context, olderThan time.Duration) ([]*domain.SettlementAttempt, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM settlement_attempts
		WHERE status = $1 AND order_placed = FALSE AND orphan_reported_at IS NULL AND updated_at < $2
		ORDER BY updated_at
		LIMIT 100`,
		string(domain.SettlementStatusSuccess), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.SettlementAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orphaned attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orphaned attempts: %w", err)
	}
	return attempts, nil
}

// ReportOrphanedAttempt stamps the attempt as reported and writes the
// SettlementOrphaned event. It returns false if another poller got there first.
func (r *Repository) ReportOrphanedAttempt(ctx context.Context, reference string, payload []byte) (bool, error) {
	reported := false
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE settlement_attempts SET orphan_reported_at = NOW()
			WHERE gateway_reference_id = $1 AND order_placed = FALSE AND orphan_reported_at IS NULL`,
			reference)
		if err != nil {
			return fmt.Errorf("failed to mark orphan reported: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return nil
		}
		reported = true
		return insertOutbox(ctx, tx, reference, EventSettlementOrphaned, payload)
	})
	return reported, err
}

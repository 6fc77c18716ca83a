package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/models"
)

const purchaseColumns = `id, datapod_id, buyer_id, seller_id, amount_paid, payment_ref, status,
	buyer_storage_ref, buyer_key_wrapped, buyer_key_digest, buyer_key_iv,
	fulfillment_attempts, refund_reason, created_at, updated_at, completed_at, refunded_at`

// PurchaseUpdate carries the columns written alongside a status transition.
type PurchaseUpdate struct {
	Completion   *models.Completion
	RefundReason string
	At           time.Time
}

// InsertPurchase inserts a purchase row. Unique violations are mapped to
// ErrDuplicatePaymentRef or ErrAlreadyPurchased.
func (tc *TiDBClient) InsertPurchase(ctx context.Context, p *models.Purchase) error {
	ctx, span := tracer.Start(ctx, "tidb.insert_purchase",
		trace.WithAttributes(
			attribute.String("purchase_id", p.ID),
			attribute.String("datapod_id", p.DataPodID),
			attribute.String("payment_ref", p.PaymentRef),
		),
	)
	defer span.End()

	query := `INSERT INTO purchases (id, datapod_id, buyer_id, seller_id, amount_paid, payment_ref, status,
				fulfillment_attempts, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tc.conn(ctx).ExecContext(ctx, query,
		p.ID, p.DataPodID, p.BuyerID, p.SellerID, p.AmountPaid, p.PaymentRef, string(p.Status),
		p.FulfillmentAttempts, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		switch duplicateKey(err) {
		case "":
			return fmt.Errorf("failed to insert purchase: %w", err)
		case "uq_purchases_payment_ref":
			return fmt.Errorf("%w: %s", apperr.ErrDuplicatePaymentRef, p.PaymentRef)
		case "uq_purchases_active":
			return fmt.Errorf("%w: buyer %s datapod %s", apperr.ErrAlreadyPurchased, p.BuyerID, p.DataPodID)
		default:
			return fmt.Errorf("failed to insert purchase: %w", err)
		}
	}
	return nil
}

// GetPurchase retrieves a purchase by ID
func (tc *TiDBClient) GetPurchase(ctx context.Context, id string) (*models.Purchase, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_purchase",
		trace.WithAttributes(attribute.String("purchase_id", id)),
	)
	defer span.End()

	row := tc.conn(ctx).QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("%w: %s", apperr.ErrPurchaseNotFound, id)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query purchase: %w", err)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return p, nil
}

// GetPurchaseByPaymentRef retrieves the purchase bound to a payment reference
func (tc *TiDBClient) GetPurchaseByPaymentRef(ctx context.Context, ref string) (*models.Purchase, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_purchase_by_payment_ref",
		trace.WithAttributes(attribute.String("payment_ref", ref)),
	)
	defer span.End()

	row := tc.conn(ctx).QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE payment_ref = ?`, ref)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment ref %s", apperr.ErrPurchaseNotFound, ref)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query purchase: %w", err)
	}
	return p, nil
}

// TransitionPurchase moves a purchase from one status to another with a single
// conditional update and records the transition. A purchase in any other
// status yields a StateError wrapping ErrInvalidStateTransition.
func (tc *TiDBClient) TransitionPurchase(ctx context.Context, id string, from, to models.PurchaseStatus, upd PurchaseUpdate) error {
	ctx, span := tracer.Start(ctx, "tidb.transition_purchase",
		trace.WithAttributes(
			attribute.String("purchase_id", id),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		),
	)
	defer span.End()

	if upd.At.IsZero() {
		upd.At = tc.now()
	}

	return tc.RunInTx(ctx, func(ctx context.Context) error {
		var (
			res sql.Result
			err error
		)
		switch to {
		case models.PurchaseCompleted:
			if upd.Completion == nil {
				return fmt.Errorf("completion data required for %s", to)
			}
			res, err = tc.conn(ctx).ExecContext(ctx,
				`UPDATE purchases SET status = ?, buyer_storage_ref = ?, buyer_key_wrapped = ?, buyer_key_digest = ?,
					buyer_key_iv = ?, completed_at = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(to), upd.Completion.BuyerStorageRef, upd.Completion.BuyerKey.Ciphertext,
				upd.Completion.BuyerKey.Digest, upd.Completion.BuyerKey.IV, upd.At, upd.At, id, string(from),
			)
		case models.PurchaseRefunded:
			res, err = tc.conn(ctx).ExecContext(ctx,
				`UPDATE purchases SET status = ?, refund_reason = ?, refunded_at = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(to), nullString(upd.RefundReason), upd.At, upd.At, id, string(from),
			)
		default:
			res, err = tc.conn(ctx).ExecContext(ctx,
				`UPDATE purchases SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				string(to), upd.At, id, string(from),
			)
		}
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to update purchase status: %w", err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			current, err := tc.GetPurchase(ctx, id)
			if err != nil {
				return err
			}
			return apperr.NewStateError(apperr.ErrInvalidStateTransition, "purchase", id,
				fmt.Sprintf("%s->%s", from, to), string(current.Status))
		}

		return tc.AppendPurchaseTransition(ctx, models.PurchaseTransition{
			PurchaseID: id, From: from, To: to, Reason: upd.RefundReason, At: upd.At,
		})
	})
}

// AppendPurchaseTransition records one status change in the audit trail
func (tc *TiDBClient) AppendPurchaseTransition(ctx context.Context, t models.PurchaseTransition) error {
	_, err := tc.conn(ctx).ExecContext(ctx,
		`INSERT INTO purchase_transitions (purchase_id, from_status, to_status, reason, at) VALUES (?, ?, ?, ?, ?)`,
		t.PurchaseID, string(t.From), string(t.To), nullString(t.Reason), t.At,
	)
	if err != nil {
		return fmt.Errorf("failed to insert purchase transition: %w", err)
	}
	return nil
}

// ListPurchaseTransitions returns the audit trail of a purchase in order
func (tc *TiDBClient) ListPurchaseTransitions(ctx context.Context, purchaseID string) ([]models.PurchaseTransition, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_purchase_transitions",
		trace.WithAttributes(attribute.String("purchase_id", purchaseID)),
	)
	defer span.End()

	rows, err := tc.conn(ctx).QueryContext(ctx,
		`SELECT purchase_id, from_status, to_status, reason, at FROM purchase_transitions
		 WHERE purchase_id = ? ORDER BY id ASC`, purchaseID,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []models.PurchaseTransition
	for rows.Next() {
		var (
			t        models.PurchaseTransition
			from, to string
			reason   sql.NullString
		)
		if err := rows.Scan(&t.PurchaseID, &from, &to, &reason, &t.At); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = models.PurchaseStatus(from)
		t.To = models.PurchaseStatus(to)
		t.Reason = reason.String
		t.At = t.At.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// IncrementFulfillmentAttempts bumps the attempt counter and returns the new value
func (tc *TiDBClient) IncrementFulfillmentAttempts(ctx context.Context, id string) (int, error) {
	ctx, span := tracer.Start(ctx, "tidb.increment_fulfillment_attempts",
		trace.WithAttributes(attribute.String("purchase_id", id)),
	)
	defer span.End()

	var attempts int
	err := tc.RunInTx(ctx, func(ctx context.Context) error {
		res, err := tc.conn(ctx).ExecContext(ctx,
			`UPDATE purchases SET fulfillment_attempts = fulfillment_attempts + 1, updated_at = ? WHERE id = ?`,
			tc.now(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to increment attempts: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", apperr.ErrPurchaseNotFound, id)
		}
		return tc.conn(ctx).QueryRowContext(ctx,
			`SELECT fulfillment_attempts FROM purchases WHERE id = ?`, id,
		).Scan(&attempts)
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	return attempts, nil
}

// ListStaleProcessing returns IDs of purchases stuck in processing since before olderThan
func (tc *TiDBClient) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_stale_processing")
	defer span.End()

	rows, err := tc.conn(ctx).QueryContext(ctx,
		`SELECT id FROM purchases WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`,
		string(models.PurchaseProcessing), olderThan, limit,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query stale purchases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan purchase id: %w", err)
		}
		ids = append(ids, id)
	}
	span.SetAttributes(attribute.Int("stale_count", len(ids)))
	return ids, rows.Err()
}

func scanPurchase(row rowScanner) (*models.Purchase, error) {
	var (
		p           models.Purchase
		status      string
		buyerRef    sql.NullString
		keyWrapped  []byte
		keyDigest   sql.NullString
		keyIV       []byte
		reason      sql.NullString
		completedAt sql.NullTime
		refundedAt  sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.DataPodID, &p.BuyerID, &p.SellerID, &p.AmountPaid, &p.PaymentRef, &status,
		&buyerRef, &keyWrapped, &keyDigest, &keyIV,
		&p.FulfillmentAttempts, &reason, &p.CreatedAt, &p.UpdatedAt, &completedAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = models.PurchaseStatus(status)
	p.BuyerStorageRef = buyerRef.String
	if keyDigest.Valid {
		p.BuyerKey = &models.WrappedKey{Ciphertext: keyWrapped, Digest: keyDigest.String, IV: keyIV}
	}
	p.RefundReason = reason.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.CompletedAt = timePtr(completedAt)
	p.RefundedAt = timePtr(refundedAt)
	return &p, nil
}

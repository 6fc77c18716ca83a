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

// InsertEscrow inserts a holding escrow row
func (tc *TiDBClient) InsertEscrow(ctx context.Context, e *models.Escrow) error {
	ctx, span := tracer.Start(ctx, "tidb.insert_escrow",
		trace.WithAttributes(
			attribute.String("escrow_id", e.ID),
			attribute.String("purchase_id", e.PurchaseID),
			attribute.Int64("amount", e.Amount),
		),
	)
	defer span.End()

	_, err := tc.conn(ctx).ExecContext(ctx,
		`INSERT INTO escrows (id, purchase_id, amount, beneficiary_id, status, created_at, settled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PurchaseID, e.Amount, e.BeneficiaryID, string(e.Status), e.CreatedAt, nullTime(e.SettledAt),
	)
	if err != nil {
		span.RecordError(err)
		if duplicateKey(err) == "uq_escrows_purchase" {
			return apperr.NewStateError(apperr.ErrEscrowNotHolding, "escrow", e.PurchaseID, "open", "exists")
		}
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

// GetEscrow retrieves the escrow of a purchase
func (tc *TiDBClient) GetEscrow(ctx context.Context, purchaseID string) (*models.Escrow, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_escrow",
		trace.WithAttributes(attribute.String("purchase_id", purchaseID)),
	)
	defer span.End()

	var (
		e         models.Escrow
		status    string
		settledAt sql.NullTime
	)
	err := tc.conn(ctx).QueryRowContext(ctx,
		`SELECT id, purchase_id, amount, beneficiary_id, status, created_at, settled_at
		 FROM escrows WHERE purchase_id = ?`, purchaseID,
	).Scan(&e.ID, &e.PurchaseID, &e.Amount, &e.BeneficiaryID, &status, &e.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: purchase %s", apperr.ErrEscrowNotFound, purchaseID)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query escrow: %w", err)
	}
	e.Status = models.EscrowStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.SettledAt = timePtr(settledAt)
	return &e, nil
}

// SettleEscrow moves a holding escrow to released or refunded in one
// conditional update. Anything but holding yields a StateError wrapping
// ErrEscrowNotHolding.
func (tc *TiDBClient) SettleEscrow(ctx context.Context, purchaseID string, to models.EscrowStatus, at time.Time) error {
	ctx, span := tracer.Start(ctx, "tidb.settle_escrow",
		trace.WithAttributes(
			attribute.String("purchase_id", purchaseID),
			attribute.String("to", string(to)),
		),
	)
	defer span.End()

	res, err := tc.conn(ctx).ExecContext(ctx,
		`UPDATE escrows SET status = ?, settled_at = ? WHERE purchase_id = ? AND status = ?`,
		string(to), at, purchaseID, string(models.EscrowHolding),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to settle escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	current, err := tc.GetEscrow(ctx, purchaseID)
	if err != nil {
		return err
	}
	return apperr.NewStateError(apperr.ErrEscrowNotHolding, "escrow", purchaseID, string(to), string(current.Status))
}

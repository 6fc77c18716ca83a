// Package escrow tracks custody of purchase funds. An escrow is opened in
// holding and settles exactly once, to released or refunded.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/metrics"
	"github.com/maneesh/sourcenet/internal/models"
)

var tracer = otel.Tracer("sourcenet-escrow")

// Store is the escrow persistence. Methods join a transaction carried by ctx.
type Store interface {
	InsertEscrow(ctx context.Context, e *models.Escrow) error
	GetEscrow(ctx context.Context, purchaseID string) (*models.Escrow, error)
	SettleEscrow(ctx context.Context, purchaseID string, to models.EscrowStatus, at time.Time) error
}

// Ledger is the escrow service.
type Ledger struct {
	store  Store
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewLedger returns a Ledger over store.
func NewLedger(store Store, logger logrus.FieldLogger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.WithField("component", "escrow"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open places amount in holding for purchaseID with sellerID as beneficiary.
func (l *Ledger) Open(ctx context.Context, purchaseID string, amount int64, sellerID string) (*models.Escrow, error) {
	ctx, span := tracer.Start(ctx, "escrow.open",
		trace.WithAttributes(
			attribute.String("purchase_id", purchaseID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return nil, fmt.Errorf("%w: escrow amount must be positive", apperr.ErrInvalidMetadata)
	}

	e := &models.Escrow{
		ID:            uuid.NewString(),
		PurchaseID:    purchaseID,
		Amount:        amount,
		BeneficiaryID: sellerID,
		Status:        models.EscrowHolding,
		CreatedAt:     l.now(),
	}
	if err := l.store.InsertEscrow(ctx, e); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return e, nil
}

// Release pays the held funds to the seller.
func (l *Ledger) Release(ctx context.Context, purchaseID string) error {
	return l.settle(ctx, purchaseID, models.EscrowReleased)
}

// Refund returns the held funds to the buyer.
func (l *Ledger) Refund(ctx context.Context, purchaseID string) error {
	return l.settle(ctx, purchaseID, models.EscrowRefunded)
}

// Get returns the escrow of a purchase.
func (l *Ledger) Get(ctx context.Context, purchaseID string) (*models.Escrow, error) {
	return l.store.GetEscrow(ctx, purchaseID)
}

func (l *Ledger) settle(ctx context.Context, purchaseID string, to models.EscrowStatus) error {
	ctx, span := tracer.Start(ctx, "escrow.settle",
		trace.WithAttributes(
			attribute.String("purchase_id", purchaseID),
			attribute.String("to", string(to)),
		),
	)
	defer span.End()

	err := l.store.SettleEscrow(ctx, purchaseID, to, l.now())
	if err != nil {
		span.RecordError(err)
		metrics.EscrowSettlements.WithLabelValues("rejected").Inc()

		var se *apperr.StateError
		if errors.As(err, &se) {
			l.logger.WithFields(logrus.Fields{
				"purchase_id": purchaseID,
				"attempted":   se.Attempted,
				"actual":      se.Actual,
			}).Warn("Escrow settlement rejected")
		}
		return err
	}

	metrics.EscrowSettlements.WithLabelValues(string(to)).Inc()
	l.logger.WithFields(logrus.Fields{
		"purchase_id": purchaseID,
		"status":      to,
	}).Info("Escrow settled")
	return nil
}

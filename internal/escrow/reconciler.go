package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/models"
)

// ChainEvent is a chain-confirmed escrow settlement.
type ChainEvent struct {
	PurchaseID string              `json:"purchase_id"`
	Kind       models.EscrowStatus `json:"kind"`
	TxDigest   string              `json:"tx_digest"`
}

// AlertFunc reports an operator-visible conflict.
type AlertFunc func(ctx context.Context, purchaseID, detail string)

// Reconciler projects chain events onto the ledger. Redelivery of an event
// whose target state is already current is a no-op.
type Reconciler struct {
	ledger *Ledger
	alert  AlertFunc
	logger logrus.FieldLogger
}

// NewReconciler returns a Reconciler. alert may be nil.
func NewReconciler(ledger *Ledger, alert AlertFunc, logger logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		alert:  alert,
		logger: logger.WithField("component", "escrow_reconciler"),
	}
}

// Apply settles the escrow named by ev. It returns the resulting escrow.
func (r *Reconciler) Apply(ctx context.Context, ev ChainEvent) (*models.Escrow, error) {
	if ev.PurchaseID == "" {
		return nil, fmt.Errorf("%w: purchase id is required", apperr.ErrInvalidMetadata)
	}
	if ev.Kind != models.EscrowReleased && ev.Kind != models.EscrowRefunded {
		return nil, fmt.Errorf("%w: unknown escrow event kind %q", apperr.ErrInvalidMetadata, ev.Kind)
	}

	log := r.logger.WithFields(logrus.Fields{
		"purchase_id": ev.PurchaseID,
		"kind":        ev.Kind,
		"tx_digest":   ev.TxDigest,
	})

	err := r.ledger.settle(ctx, ev.PurchaseID, ev.Kind)
	if err == nil {
		log.Info("Chain escrow event applied")
		return r.ledger.Get(ctx, ev.PurchaseID)
	}
	if !errors.Is(err, apperr.ErrEscrowNotHolding) {
		return nil, err
	}

	current, getErr := r.ledger.Get(ctx, ev.PurchaseID)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status == ev.Kind {
		log.Debug("Duplicate chain escrow event ignored")
		return current, nil
	}

	log.WithField("actual", current.Status).Error("Chain escrow event conflicts with ledger")
	if r.alert != nil {
		r.alert(ctx, ev.PurchaseID, fmt.Sprintf("chain reported %s but ledger is %s (tx %s)", ev.Kind, current.Status, ev.TxDigest))
	}
	return nil, err
}

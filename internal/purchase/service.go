// Package purchase owns the purchase lifecycle: creation against a verified
// payment, escrow, completion or refund, and download grants for completed
// purchases.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/metrics"
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/notify"
	"github.com/maneesh/sourcenet/internal/payment"
	"github.com/maneesh/sourcenet/internal/queue"
	"github.com/maneesh/sourcenet/internal/storage"
)

var tracer = otel.Tracer("sourcenet-purchase")

// Store is the purchase persistence. Methods join a transaction carried by ctx.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertPurchase(ctx context.Context, p *models.Purchase) error
	GetPurchase(ctx context.Context, id string) (*models.Purchase, error)
	GetPurchaseByPaymentRef(ctx context.Context, ref string) (*models.Purchase, error)
	TransitionPurchase(ctx context.Context, id string, from, to models.PurchaseStatus, upd storage.PurchaseUpdate) error
	AppendPurchaseTransition(ctx context.Context, t models.PurchaseTransition) error
	ListPurchaseTransitions(ctx context.Context, purchaseID string) ([]models.PurchaseTransition, error)
	IncrementFulfillmentAttempts(ctx context.Context, id string) (int, error)
}

// Catalog is the registry surface used here.
type Catalog interface {
	Get(ctx context.Context, id string) (*models.DataPod, error)
	GetPublished(ctx context.Context, id string) (*models.DataPod, error)
	IncrementSaleCount(ctx context.Context, id string) error
	InvalidateCache(ctx context.Context, id string)
}

// Escrow is the ledger surface used here.
type Escrow interface {
	Open(ctx context.Context, purchaseID string, amount int64, sellerID string) (*models.Escrow, error)
	Release(ctx context.Context, purchaseID string) error
	Refund(ctx context.Context, purchaseID string) error
	Get(ctx context.Context, purchaseID string) (*models.Escrow, error)
}

// PaymentVerifier is satisfied by payment.Client.
type PaymentVerifier interface {
	Verify(ctx context.Context, paymentRef, sender string) (*payment.Verification, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    Store
	Catalog  Catalog
	Escrow   Escrow
	Verifier PaymentVerifier
	Queue    queue.Queue
	Notifier *notify.Notifier

	// Download path; required only for GetDownloadGrant and RedeemGrant.
	Grants  GrantIssuer
	Replay  ReplayGuard
	Blobs   BlobReader
	Wrapper KeyUnwrapper
}

// Options tunes a Service.
type Options struct {
	VerifyTimeout time.Duration
}

// CreateInput is a buyer's purchase request.
type CreateInput struct {
	BuyerID    string `json:"buyer_id"`
	DataPodID  string `json:"datapod_id"`
	PaymentRef string `json:"payment_ref"`
	PaidAmount int64  `json:"paid_amount"`
}

// CreateResult is the outcome of CreatePurchase. Replayed is set when the
// payment reference was already bound to this purchase.
type CreateResult struct {
	Purchase *models.Purchase
	Replayed bool
}

// Service implements the purchase state machine.
type Service struct {
	deps   Deps
	opts   Options
	logger logrus.FieldLogger
	now    func() time.Time
}

// New returns a Service.
func New(deps Deps, opts Options, logger logrus.FieldLogger) *Service {
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.WithField("component", "purchase"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreatePurchase verifies the payment, records the purchase with its escrow
// and schedules fulfillment. Presenting the same payment reference again
// returns the original purchase without side effects.
func (s *Service) CreatePurchase(ctx context.Context, in CreateInput) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "purchase.create",
		trace.WithAttributes(
			attribute.String("datapod_id", in.DataPodID),
			attribute.String("payment_ref", in.PaymentRef),
		),
	)
	defer span.End()

	res, err := s.create(ctx, in)
	switch {
	case err != nil:
		span.RecordError(err)
		metrics.PurchasesCreated.WithLabelValues("rejected").Inc()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"datapod_id":  in.DataPodID,
			"payment_ref": in.PaymentRef,
		}).Info("Purchase rejected")
	case res.Replayed:
		metrics.PurchasesCreated.WithLabelValues("replayed").Inc()
	default:
		metrics.PurchasesCreated.WithLabelValues("created").Inc()
	}
	if res != nil {
		span.SetAttributes(
			attribute.String("purchase_id", res.Purchase.ID),
			attribute.Bool("replayed", res.Replayed),
		)
	}
	return res, err
}

func (s *Service) create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	in.BuyerID = strings.TrimSpace(in.BuyerID)
	in.PaymentRef = strings.TrimSpace(in.PaymentRef)
	if in.BuyerID == "" {
		return nil, fmt.Errorf("%w: buyer is required", apperr.ErrUnauthorized)
	}
	if in.DataPodID == "" || in.PaymentRef == "" {
		return nil, fmt.Errorf("%w: datapod id and payment reference are required", apperr.ErrInvalidMetadata)
	}

	pod, err := s.deps.Catalog.GetPublished(ctx, in.DataPodID)
	if err != nil {
		return nil, err
	}

	existing, err := s.deps.Store.GetPurchaseByPaymentRef(ctx, in.PaymentRef)
	if err == nil {
		return replay(existing, in)
	} else if !errors.Is(err, apperr.ErrPurchaseNotFound) {
		return nil, err
	}

	if in.PaidAmount < pod.Price {
		return nil, fmt.Errorf("%w: paid %d, price %d", apperr.ErrInsufficientPayment, in.PaidAmount, pod.Price)
	}

	if err := s.verifyPayment(ctx, in); err != nil {
		return nil, err
	}

	now := s.now()
	p := &models.Purchase{
		ID:         uuid.NewString(),
		DataPodID:  pod.ID,
		BuyerID:    in.BuyerID,
		SellerID:   pod.SellerID,
		AmountPaid: in.PaidAmount,
		PaymentRef: in.PaymentRef,
		Status:     models.PurchasePendingPayment,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.deps.Store.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.deps.Store.InsertPurchase(ctx, p); err != nil {
			return err
		}
		if err := s.deps.Store.AppendPurchaseTransition(ctx, models.PurchaseTransition{
			PurchaseID: p.ID, To: models.PurchasePendingPayment, At: now,
		}); err != nil {
			return err
		}
		if err := s.transition(ctx, p.ID, models.PurchasePendingPayment, models.PurchaseProcessing,
			storage.PurchaseUpdate{At: now}); err != nil {
			return err
		}
		if _, err := s.deps.Escrow.Open(ctx, p.ID, p.AmountPaid, p.SellerID); err != nil {
			return err
		}
		return s.deps.Catalog.IncrementSaleCount(ctx, p.DataPodID)
	})
	if errors.Is(err, apperr.ErrDuplicatePaymentRef) {
		winner, getErr := s.deps.Store.GetPurchaseByPaymentRef(ctx, in.PaymentRef)
		if getErr != nil {
			return nil, getErr
		}
		return replay(winner, in)
	}
	if err != nil {
		return nil, err
	}
	p.Status = models.PurchaseProcessing
	s.deps.Catalog.InvalidateCache(ctx, p.DataPodID)

	log := s.logger.WithFields(logrus.Fields{
		"purchase_id": p.ID,
		"datapod_id":  p.DataPodID,
		"amount":      p.AmountPaid,
	})
	log.Info("Purchase created")

	s.deps.Notifier.Notify(ctx, notify.Event{
		Type:       notify.EventPurchaseCreated,
		PurchaseID: p.ID,
		DataPodID:  p.DataPodID,
		BuyerID:    p.BuyerID,
		SellerID:   p.SellerID,
	})

	if _, err := s.deps.Queue.Enqueue(ctx, FulfillmentTask(p.ID), 0); err != nil {
		log.WithError(err).Warn("failed to enqueue fulfillment, recovery sweep will retry")
	}

	return &CreateResult{Purchase: p}, nil
}

func (s *Service) verifyPayment(ctx context.Context, in CreateInput) error {
	if s.opts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.VerifyTimeout)
		defer cancel()
	}

	v, err := s.deps.Verifier.Verify(ctx, in.PaymentRef, in.BuyerID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: verification timed out", apperr.ErrPaymentNotConfirmed)
		}
		return err
	}
	if !v.Confirmed {
		return fmt.Errorf("%w: transaction %s is not final", apperr.ErrPaymentNotConfirmed, in.PaymentRef)
	}
	if !sameWallet(v.Sender, in.BuyerID) {
		return fmt.Errorf("%w: sender does not match buyer", apperr.ErrPaymentVerificationFailed)
	}
	if v.Amount != in.PaidAmount {
		return fmt.Errorf("%w: on-chain amount %d, claimed %d", apperr.ErrPaymentVerificationFailed, v.Amount, in.PaidAmount)
	}
	return nil
}

func replay(existing *models.Purchase, in CreateInput) (*CreateResult, error) {
	if !sameWallet(existing.BuyerID, in.BuyerID) || existing.DataPodID != in.DataPodID {
		return nil, fmt.Errorf("%w: payment reference already used", apperr.ErrPaymentVerificationFailed)
	}
	return &CreateResult{Purchase: existing, Replayed: true}, nil
}

// FulfillmentTask is the queue task that fulfills purchaseID.
func FulfillmentTask(purchaseID string) queue.Task {
	return queue.Task{Type: queue.TypeFulfillment, Key: purchaseID, Payload: []byte(purchaseID)}
}

// CompleteFulfillment records the buyer copy and releases escrow. It fails
// with ErrInvalidStateTransition unless the purchase is processing.
func (s *Service) CompleteFulfillment(ctx context.Context, purchaseID, blobRef string, buyerKey models.WrappedKey) error {
	ctx, span := tracer.Start(ctx, "purchase.complete",
		trace.WithAttributes(attribute.String("purchase_id", purchaseID)),
	)
	defer span.End()

	var p *models.Purchase
	err := s.deps.Store.RunInTx(ctx, func(ctx context.Context) error {
		upd := storage.PurchaseUpdate{
			Completion: &models.Completion{BuyerStorageRef: blobRef, BuyerKey: buyerKey},
			At:         s.now(),
		}
		if err := s.transition(ctx, purchaseID, models.PurchaseProcessing, models.PurchaseCompleted, upd); err != nil {
			return err
		}
		if err := s.deps.Escrow.Release(ctx, purchaseID); err != nil && !s.settledOnChain(ctx, purchaseID, models.EscrowReleased, err) {
			return err
		}
		var err error
		p, err = s.deps.Store.GetPurchase(ctx, purchaseID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.logger.WithField("purchase_id", purchaseID).Info("Purchase completed")
	s.deps.Notifier.Notify(ctx, notify.Event{
		Type:       notify.EventPurchaseCompleted,
		PurchaseID: p.ID,
		DataPodID:  p.DataPodID,
		BuyerID:    p.BuyerID,
		SellerID:   p.SellerID,
	})
	return nil
}

// RefundPurchase refunds a processing purchase and its escrow.
func (s *Service) RefundPurchase(ctx context.Context, purchaseID, reason string) (*models.Purchase, error) {
	ctx, span := tracer.Start(ctx, "purchase.refund",
		trace.WithAttributes(attribute.String("purchase_id", purchaseID)),
	)
	defer span.End()

	var p *models.Purchase
	err := s.deps.Store.RunInTx(ctx, func(ctx context.Context) error {
		upd := storage.PurchaseUpdate{RefundReason: reason, At: s.now()}
		if err := s.transition(ctx, purchaseID, models.PurchaseProcessing, models.PurchaseRefunded, upd); err != nil {
			return err
		}
		if err := s.deps.Escrow.Refund(ctx, purchaseID); err != nil && !s.settledOnChain(ctx, purchaseID, models.EscrowRefunded, err) {
			return err
		}
		var err error
		p, err = s.deps.Store.GetPurchase(ctx, purchaseID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"purchase_id": purchaseID,
		"reason":      reason,
	}).Warn("Purchase refunded")
	s.deps.Notifier.Notify(ctx, notify.Event{
		Type:       notify.EventPurchaseRefunded,
		PurchaseID: p.ID,
		DataPodID:  p.DataPodID,
		BuyerID:    p.BuyerID,
		SellerID:   p.SellerID,
		Reason:     reason,
	})
	return p, nil
}

// GetPurchase returns a purchase to its buyer or seller.
func (s *Service) GetPurchase(ctx context.Context, id, requesterID string) (*models.Purchase, error) {
	p, err := s.deps.Store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || (!sameWallet(p.BuyerID, requesterID) && !sameWallet(p.SellerID, requesterID)) {
		return nil, fmt.Errorf("%w: not a party to purchase %s", apperr.ErrUnauthorized, id)
	}
	return p, nil
}

// History returns the audited status changes of a purchase, oldest first.
func (s *Service) History(ctx context.Context, id, requesterID string) ([]models.PurchaseTransition, error) {
	if _, err := s.GetPurchase(ctx, id, requesterID); err != nil {
		return nil, err
	}
	return s.deps.Store.ListPurchaseTransitions(ctx, id)
}

// Fetch returns a purchase without an ownership check. Used by workers.
func (s *Service) Fetch(ctx context.Context, id string) (*models.Purchase, error) {
	return s.deps.Store.GetPurchase(ctx, id)
}

// settledOnChain reports whether a failed settlement found the escrow already
// in the wanted state, as happens when the chain reconciler got there first.
func (s *Service) settledOnChain(ctx context.Context, purchaseID string, want models.EscrowStatus, err error) bool {
	if !errors.Is(err, apperr.ErrEscrowNotHolding) {
		return false
	}
	e, getErr := s.deps.Escrow.Get(ctx, purchaseID)
	if getErr != nil || e.Status != want {
		return false
	}
	s.logger.WithFields(logrus.Fields{
		"purchase_id": purchaseID,
		"escrow":      want,
	}).Info("Escrow already settled on chain")
	return true
}

// sameWallet compares wallet addresses, which are hex and case-insensitive.
func sameWallet(a, b string) bool {
	return strings.EqualFold(a, b)
}

// RecordFulfillmentFailure counts one failed fulfillment attempt.
func (s *Service) RecordFulfillmentFailure(ctx context.Context, purchaseID string) (int, error) {
	return s.deps.Store.IncrementFulfillmentAttempts(ctx, purchaseID)
}

func (s *Service) transition(ctx context.Context, id string, from, to models.PurchaseStatus, upd storage.PurchaseUpdate) error {
	if !CanTransition(from, to) {
		return apperr.NewStateError(apperr.ErrInvalidStateTransition, "purchase", id,
			fmt.Sprintf("%s->%s", from, to), string(from))
	}
	if err := s.deps.Store.TransitionPurchase(ctx, id, from, to, upd); err != nil {
		return err
	}
	metrics.PurchaseTransitions.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

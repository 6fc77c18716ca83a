// Package fulfillment runs the workers that turn a paid purchase into a
// buyer-specific encrypted copy, and the sweeper that recovers purchases
// whose task was lost.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/metrics"
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/notify"
	"github.com/maneesh/sourcenet/internal/queue"
	"github.com/maneesh/sourcenet/internal/vault"
)

var tracer = otel.Tracer("sourcenet-fulfillment")

// errAttemptsExhausted marks a delivery that only needs its refund retried.
var errAttemptsExhausted = errors.New("fulfillment attempts exhausted")

// Purchases is satisfied by purchase.Service.
type Purchases interface {
	Fetch(ctx context.Context, id string) (*models.Purchase, error)
	CompleteFulfillment(ctx context.Context, purchaseID, blobRef string, buyerKey models.WrappedKey) error
	RefundPurchase(ctx context.Context, purchaseID, reason string) (*models.Purchase, error)
	RecordFulfillmentFailure(ctx context.Context, purchaseID string) (int, error)
}

// Pods reads pods and their custodied keys.
type Pods interface {
	GetDataPod(ctx context.Context, id string) (*models.DataPod, error)
	GetDataPodKey(ctx context.Context, id string) (models.WrappedKey, error)
}

// Vault is satisfied by vault.Store.
type Vault interface {
	EncryptAndStore(ctx context.Context, plaintext []byte, folderTag string) (*vault.StoredBlob, error)
	RetrieveAndDecrypt(ctx context.Context, blobRef string, km vault.KeyMaterial) ([]byte, error)
	Delete(ctx context.Context, blobRef string) error
}

// Keys is satisfied by vault.KeyWrapper.
type Keys interface {
	Wrap(km vault.KeyMaterial) (models.WrappedKey, error)
	Unwrap(wk models.WrappedKey) (vault.KeyMaterial, error)
}

// Deps are the collaborators of a Pool.
type Deps struct {
	Queue     queue.Queue
	Purchases Purchases
	Pods      Pods
	Vault     Vault
	Keys      Keys
	Locker    Locker
	Notifier  *notify.Notifier
}

// Options tunes a Pool. After MaxAttempts failed attempts the purchase is
// refunded; a refund that still fails after RefundAttempts more tries is
// escalated to operators and never retried again.
type Options struct {
	Concurrency    int
	MaxAttempts    int
	RefundAttempts int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	LockTTL        time.Duration
	LockRetryDelay time.Duration
	PollInterval   time.Duration
}

// Pool consumes fulfillment tasks.
type Pool struct {
	deps   Deps
	opts   Options
	logger logrus.FieldLogger
}

// NewPool returns a Pool. Zero options fall back to small defaults.
func NewPool(deps Deps, opts Options, logger logrus.FieldLogger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RefundAttempts <= 0 {
		opts.RefundAttempts = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.AttemptTimeout * 2
	}
	return &Pool{
		deps:   deps,
		opts:   opts,
		logger: logger.WithField("component", "fulfillment"),
	}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.WithField("workers", p.opts.Concurrency).Info("Fulfillment pool started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("Fulfillment pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) {
	log := p.logger.WithField("worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := p.deps.Queue.Consume(ctx, queue.TypeFulfillment)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				log.WithError(err).Warn("failed to consume fulfillment task")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		p.handle(ctx, d)
	}
}

// handle processes one delivery and settles it on the queue.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	purchaseID := d.Task.Key
	log := p.logger.WithFields(logrus.Fields{
		"purchase_id": purchaseID,
		"delivery":    d.Deliveries,
	})

	release, ok, err := p.deps.Locker.TryLock(ctx, "purchase:"+purchaseID, p.opts.LockTTL)
	if err != nil || !ok {
		if err != nil {
			log.WithError(err).Warn("failed to take purchase lock")
		}
		metrics.FulfillmentAttempts.WithLabelValues("locked").Inc()
		p.retry(ctx, d, p.opts.LockRetryDelay, log)
		return
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("failed to release purchase lock")
		}
	}()

	start := time.Now()
	skipped, err := p.attempt(ctx, purchaseID)
	metrics.FulfillmentDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil && skipped:
		metrics.FulfillmentAttempts.WithLabelValues("skipped").Inc()
		p.ack(ctx, d, log)
	case err == nil:
		metrics.FulfillmentAttempts.WithLabelValues("completed").Inc()
		p.ack(ctx, d, log)
	case ctx.Err() != nil:
		// Shutdown interrupted the attempt; the lease expires and the task
		// is redelivered without counting against the purchase.
	default:
		p.fail(context.WithoutCancel(ctx), d, err, log)
	}
}

// attempt fulfills one purchase. It reports skipped when the purchase no
// longer needs fulfillment.
func (p *Pool) attempt(ctx context.Context, purchaseID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "fulfillment.attempt",
		trace.WithAttributes(attribute.String("purchase_id", purchaseID)),
	)
	defer span.End()

	purchase, err := p.deps.Purchases.Fetch(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, apperr.ErrPurchaseNotFound) {
			return true, nil
		}
		return false, err
	}
	if purchase.Status != models.PurchaseProcessing {
		span.SetAttributes(attribute.String("status", string(purchase.Status)))
		return true, nil
	}
	switch {
	case purchase.FulfillmentAttempts >= p.escalateAt():
		// Already handed to operators.
		return true, nil
	case purchase.FulfillmentAttempts >= p.opts.MaxAttempts:
		return false, errAttemptsExhausted
	}

	pod, err := p.deps.Pods.GetDataPod(ctx, purchase.DataPodID)
	if err != nil {
		return false, err
	}
	sellerKey, err := p.deps.Pods.GetDataPodKey(ctx, pod.ID)
	if err != nil {
		return false, err
	}
	km, err := p.deps.Keys.Unwrap(sellerKey)
	if err != nil {
		return false, err
	}

	plaintext, err := p.deps.Vault.RetrieveAndDecrypt(ctx, pod.StorageRef, km)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if err := vault.VerifyIntegrity(plaintext, pod.ContentHash); err != nil {
		return false, err
	}

	blob, err := p.deps.Vault.EncryptAndStore(ctx, plaintext, "purchases/"+purchaseID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	buyerKey, err := p.deps.Keys.Wrap(blob.Key)
	if err != nil {
		p.discard(ctx, blob.BlobRef)
		return false, err
	}

	if err := p.deps.Purchases.CompleteFulfillment(ctx, purchaseID, blob.BlobRef, buyerKey); err != nil {
		p.discard(ctx, blob.BlobRef)
		if errors.Is(err, apperr.ErrInvalidStateTransition) {
			p.logger.WithField("purchase_id", purchaseID).Info("Purchase settled elsewhere, buyer copy discarded")
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (p *Pool) fail(ctx context.Context, d *queue.Delivery, cause error, log logrus.FieldLogger) {
	purchaseID := d.Task.Key
	attempts, err := p.deps.Purchases.RecordFulfillmentFailure(ctx, purchaseID)
	if err != nil {
		log.WithError(err).Error("failed to record fulfillment failure")
		metrics.FulfillmentAttempts.WithLabelValues("retry").Inc()
		p.retry(ctx, d, p.backoff(d.Deliveries), log)
		return
	}

	log = log.WithError(cause).WithField("attempts", attempts)
	terminal := apperr.KindOf(cause) == apperr.KindIntegrity || errors.Is(cause, apperr.ErrEscrowNotHolding)
	if !terminal && attempts < p.opts.MaxAttempts {
		delay := p.backoff(attempts)
		log.WithField("retry_in", delay).Warn("Fulfillment attempt failed")
		metrics.FulfillmentAttempts.WithLabelValues("retry").Inc()
		p.retry(ctx, d, delay, log)
		return
	}

	var reason, alertReason string
	switch {
	case errors.Is(cause, errAttemptsExhausted):
		reason, alertReason = fmt.Sprintf("fulfillment failed after %d attempts", p.opts.MaxAttempts), notify.AlertFulfillmentExhausted
	case terminal:
		reason, alertReason = fmt.Sprintf("fulfillment failed permanently: %v", cause), notify.AlertFulfillmentTerminal
	default:
		reason, alertReason = fmt.Sprintf("fulfillment failed after %d attempts: %v", attempts, cause), notify.AlertFulfillmentExhausted
	}

	_, err = p.deps.Purchases.RefundPurchase(ctx, purchaseID, reason)
	switch {
	case err == nil:
		metrics.FulfillmentAttempts.WithLabelValues("refunded").Inc()
		p.deps.Notifier.Alert(ctx, notify.Alert{Reason: alertReason, PurchaseID: purchaseID, Detail: reason})
	case errors.Is(err, apperr.ErrInvalidStateTransition):
		log.Info("Purchase settled before refund")
	case attempts < p.escalateAt():
		log.WithError(err).Error("failed to refund purchase")
		metrics.FulfillmentAttempts.WithLabelValues("retry").Inc()
		p.retry(ctx, d, p.backoff(attempts), log)
		return
	default:
		p.escalate(ctx, purchaseID, reason, err, log)
	}
	p.ack(ctx, d, log)
}

// escalate gives up on a purchase whose refund keeps failing. The purchase
// stays processing and later deliveries skip it.
func (p *Pool) escalate(ctx context.Context, purchaseID, reason string, err error, log logrus.FieldLogger) {
	alertReason := notify.AlertRefundFailed
	if errors.Is(err, apperr.ErrEscrowNotHolding) || errors.Is(err, apperr.ErrEscrowNotFound) {
		alertReason = notify.AlertEscrowConflict
	}
	log.WithError(err).Error("Refund failed repeatedly, escalating to operators")
	metrics.FulfillmentAttempts.WithLabelValues("escalated").Inc()
	p.deps.Notifier.Alert(ctx, notify.Alert{
		Reason:     alertReason,
		PurchaseID: purchaseID,
		Detail:     fmt.Sprintf("%s; refund failed: %v", reason, err),
	})
}

func (p *Pool) escalateAt() int {
	return p.opts.MaxAttempts + p.opts.RefundAttempts
}

func (p *Pool) backoff(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    p.opts.BaseBackoff,
		Max:    p.opts.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	if attempt < 1 {
		attempt = 1
	}
	return b.ForAttempt(float64(attempt - 1))
}

func (p *Pool) discard(ctx context.Context, blobRef string) {
	if err := p.deps.Vault.Delete(context.WithoutCancel(ctx), blobRef); err != nil {
		p.logger.WithError(err).WithField("blob_ref", blobRef).Warn("failed to delete orphaned buyer copy")
	}
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery, log logrus.FieldLogger) {
	if err := p.deps.Queue.Ack(ctx, d); err != nil {
		log.WithError(err).Warn("failed to ack fulfillment task")
	}
}

func (p *Pool) retry(ctx context.Context, d *queue.Delivery, delay time.Duration, log logrus.FieldLogger) {
	if err := p.deps.Queue.Retry(ctx, d, delay); err != nil {
		log.WithError(err).Warn("failed to requeue fulfillment task")
	}
}

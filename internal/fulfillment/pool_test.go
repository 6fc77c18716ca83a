package fulfillment

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/escrow"
	"github.com/maneesh/sourcenet/internal/logging"
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/notify"
	"github.com/maneesh/sourcenet/internal/payment"
	"github.com/maneesh/sourcenet/internal/purchase"
	"github.com/maneesh/sourcenet/internal/queue"
	"github.com/maneesh/sourcenet/internal/registry"
	"github.com/maneesh/sourcenet/internal/storage/memstore"
	"github.com/maneesh/sourcenet/internal/vault"
)

const (
	seller = "0xseller"
	buyer  = "0xbuyer"
	price  = int64(1_000)
)

type okVerifier struct{}

func (okVerifier) Verify(_ context.Context, _, sender string) (*payment.Verification, error) {
	return &payment.Verification{Confirmed: true, Amount: price, Sender: sender}, nil
}

// outageBackend fails every Get while down is set.
type outageBackend struct {
	*vault.MemoryBackend
	down atomic.Bool
}

func (b *outageBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.down.Load() {
		return nil, errors.New("connection refused")
	}
	return b.MemoryBackend.Get(ctx, key)
}

type harness struct {
	store    *memstore.Store
	backend  *outageBackend
	vault    *vault.Store
	wrapper  *vault.KeyWrapper
	registry *registry.Registry
	ledger   *escrow.Ledger
	purchase *purchase.Service
	queue    *queue.Memory
	events   *notify.Recorder
	locker   *LocalLocker
	pool     *Pool
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := logging.Discard()
	h := &harness{
		store:   memstore.New(),
		backend: &outageBackend{MemoryBackend: vault.NewMemoryBackend()},
		queue:   queue.NewMemory(time.Minute),
		events:  notify.NewRecorder(),
		locker:  NewLocalLocker(),
	}
	notifier := notify.New(h.events, logger)

	var err error
	h.wrapper, err = vault.NewKeyWrapper(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	h.vault = vault.NewStore(h.backend, vault.Options{
		ChunkSize: 32, MaxPayloadBytes: 1 << 20, MaxRetries: 1, RetryBaseDelay: time.Millisecond,
	}, logger)
	h.registry = registry.New(h.store, nil, notifier, logger)
	h.ledger = escrow.NewLedger(h.store, logger)
	h.purchase = purchase.New(purchase.Deps{
		Store:    h.store,
		Catalog:  h.registry,
		Escrow:   h.ledger,
		Verifier: okVerifier{},
		Queue:    h.queue,
		Notifier: notifier,
	}, purchase.Options{}, logger)

	h.pool = NewPool(Deps{
		Queue:     h.queue,
		Purchases: h.purchase,
		Pods:      h.store,
		Vault:     h.vault,
		Keys:      h.wrapper,
		Locker:    h.locker,
		Notifier:  notifier,
	}, opts, logger)
	return h
}

func testOptions() Options {
	return Options{
		Concurrency:    2,
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
		LockTTL:        time.Second,
		LockRetryDelay: time.Millisecond,
		PollInterval:   2 * time.Millisecond,
	}
}

// buy publishes payload and purchases it, leaving one fulfillment task queued.
func (h *harness) buy(t *testing.T, payload []byte) *models.Purchase {
	t.Helper()
	ctx := context.Background()
	blob, err := h.vault.EncryptAndStore(ctx, payload, "datapods/"+seller)
	require.NoError(t, err)
	wk, err := h.wrapper.Wrap(blob.Key)
	require.NoError(t, err)
	pod, err := h.registry.Create(ctx, registry.CreateInput{
		SellerID:      seller,
		Metadata:      registry.Metadata{Title: "Traffic counts", Category: "mobility", Price: price},
		StorageRef:    blob.BlobRef,
		IntegrityHash: blob.IntegrityHash,
		Encryption:    blob.Meta(),
		WrappedKey:    wk,
		SizeBytes:     blob.SizeBytes,
	})
	require.NoError(t, err)
	_, err = h.registry.Publish(ctx, pod.ID, seller)
	require.NoError(t, err)

	res, err := h.purchase.CreatePurchase(ctx, purchase.CreateInput{
		BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-" + pod.ID, PaidAmount: price,
	})
	require.NoError(t, err)
	return res.Purchase
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitForStatus(t *testing.T, id string, want models.PurchaseStatus) *models.Purchase {
	t.Helper()
	var p *models.Purchase
	require.Eventually(t, func() bool {
		var err error
		p, err = h.store.GetPurchase(context.Background(), id)
		return err == nil && p.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return p
}

func TestPool_FulfillsPurchase(t *testing.T) {
	h := newHarness(t, testOptions())
	payload := bytes.Repeat([]byte("station,count\n"), 20)
	p := h.buy(t, payload)
	h.run(t)

	done := h.waitForStatus(t, p.ID, models.PurchaseCompleted)
	require.NotNil(t, done.BuyerKey)
	assert.Contains(t, done.BuyerStorageRef, "purchases/"+p.ID+"/")

	pod, err := h.store.GetDataPod(context.Background(), p.DataPodID)
	require.NoError(t, err)
	assert.NotEqual(t, pod.Encryption.KeyDigest, done.BuyerKey.Digest, "buyer copy uses a fresh key")
	assert.NotEqual(t, pod.StorageRef, done.BuyerStorageRef)

	km, err := h.wrapper.Unwrap(*done.BuyerKey)
	require.NoError(t, err)
	plain, err := h.vault.RetrieveAndDecrypt(context.Background(), done.BuyerStorageRef, km)
	require.NoError(t, err)
	assert.Equal(t, payload, plain)

	esc, err := h.ledger.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, esc.Status)

	require.Eventually(t, func() bool { return h.queue.Len(queue.TypeFulfillment) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.events.Alerts())
}

func TestPool_ExhaustionRefundsAndAlertsOnce(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.buy(t, []byte("rows"))
	h.backend.down.Store(true)
	h.run(t)

	refunded := h.waitForStatus(t, p.ID, models.PurchaseRefunded)
	assert.Equal(t, 3, refunded.FulfillmentAttempts)
	assert.Contains(t, refunded.RefundReason, "after 3 attempts")

	esc, err := h.ledger.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowRefunded, esc.Status)

	require.Eventually(t, func() bool { return h.queue.Len(queue.TypeFulfillment) == 0 }, time.Second, 5*time.Millisecond)
	alerts := h.events.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.AlertFulfillmentExhausted, alerts[0].Reason)
	assert.Equal(t, p.ID, alerts[0].PurchaseID)
}

func TestPool_DecryptionFailureIsTerminal(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.buy(t, bytes.Repeat([]byte("x"), 100))

	pod, err := h.store.GetDataPod(context.Background(), p.DataPodID)
	require.NoError(t, err)
	h.backend.Corrupt(pod.StorageRef, 20)
	h.run(t)

	refunded := h.waitForStatus(t, p.ID, models.PurchaseRefunded)
	assert.Equal(t, 1, refunded.FulfillmentAttempts)

	require.Eventually(t, func() bool { return len(h.events.Alerts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, notify.AlertFulfillmentTerminal, h.events.Alerts()[0].Reason)
}

func TestHandle_LockBusyRequeuesWithoutCountingAttempt(t *testing.T) {
	opts := testOptions()
	opts.LockRetryDelay = time.Hour
	h := newHarness(t, opts)
	p := h.buy(t, []byte("rows"))
	ctx := context.Background()

	release, ok, err := h.locker.TryLock(ctx, "purchase:"+p.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	d, err := h.queue.Consume(ctx, queue.TypeFulfillment)
	require.NoError(t, err)
	h.pool.handle(ctx, d)

	_, err = h.queue.Consume(ctx, queue.TypeFulfillment)
	assert.ErrorIs(t, err, queue.ErrEmpty, "requeued with delay")
	assert.Equal(t, 1, h.queue.Len(queue.TypeFulfillment))

	got, err := h.store.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FulfillmentAttempts)
	assert.Equal(t, models.PurchaseProcessing, got.Status)
	require.NoError(t, release(ctx))
}

func TestHandle_SkipsSettledPurchase(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.buy(t, []byte("rows"))
	ctx := context.Background()

	_, err := h.purchase.RefundPurchase(ctx, p.ID, "manual")
	require.NoError(t, err)

	d, err := h.queue.Consume(ctx, queue.TypeFulfillment)
	require.NoError(t, err)
	h.pool.handle(ctx, d)

	assert.Zero(t, h.queue.Len(queue.TypeFulfillment))
	assert.Equal(t, 1, h.backend.Len(), "no buyer copy written")
}

// refundingPurchases refunds the purchase just before completion is recorded.
type refundingPurchases struct {
	*purchase.Service
	once sync.Once
}

func (r *refundingPurchases) CompleteFulfillment(ctx context.Context, id, ref string, wk models.WrappedKey) error {
	r.once.Do(func() {
		_, _ = r.Service.RefundPurchase(ctx, id, "raced")
	})
	return r.Service.CompleteFulfillment(ctx, id, ref, wk)
}

func TestAttempt_LosingToRefundDeletesBuyerCopy(t *testing.T) {
	h := newHarness(t, testOptions())
	h.pool.deps.Purchases = &refundingPurchases{Service: h.purchase}
	p := h.buy(t, []byte("rows"))
	ctx := context.Background()

	skipped, err := h.pool.attempt(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Equal(t, 1, h.backend.Len(), "only the seller blob remains")

	got, err := h.store.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRefunded, got.Status)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	release2, ok, _ := l.TryLock(ctx, "k", time.Minute)
	assert.True(t, ok, "expired lock can be taken over")

	require.NoError(t, release(ctx))
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok, "stale holder cannot release the new holder's lock")

	require.NoError(t, release2(ctx))
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestSweeper_RequeuesStaleProcessing(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.buy(t, []byte("rows"))
	ctx := context.Background()

	d, err := h.queue.Consume(ctx, queue.TypeFulfillment)
	require.NoError(t, err)
	require.NoError(t, h.queue.Ack(ctx, d))
	require.Zero(t, h.queue.Len(queue.TypeFulfillment))

	s := NewSweeper(h.store, h.queue, time.Minute, 15*time.Minute, logging.Discard())
	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recent purchases are left alone")

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already queued")

	d, err = h.queue.Consume(ctx, queue.TypeFulfillment)
	require.NoError(t, err)
	assert.Equal(t, p.ID, d.Task.Key)
}

func TestPool_CompletesWhenChainReleasedFirst(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.buy(t, []byte("rows"))
	_, err := escrow.NewReconciler(h.ledger, nil, logging.Discard()).Apply(context.Background(), escrow.ChainEvent{
		PurchaseID: p.ID, Kind: models.EscrowReleased, TxDigest: "0xfeed",
	})
	require.NoError(t, err)
	h.run(t)

	done := h.waitForStatus(t, p.ID, models.PurchaseCompleted)
	assert.Zero(t, done.FulfillmentAttempts)
	require.Eventually(t, func() bool { return h.queue.Len(queue.TypeFulfillment) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.events.Alerts())
}

func TestPool_ChainRefundEndsRefunded(t *testing.T) {
	h := newHarness(t, testOptions())
	p := h.buy(t, []byte("rows"))
	require.NoError(t, h.ledger.Refund(context.Background(), p.ID))
	h.run(t)

	refunded := h.waitForStatus(t, p.ID, models.PurchaseRefunded)
	assert.Equal(t, 1, refunded.FulfillmentAttempts, "lost escrow is not retried")
	assert.Empty(t, refunded.BuyerStorageRef)
	assert.Equal(t, 1, h.backend.Len(), "buyer copy discarded")

	require.Eventually(t, func() bool { return len(h.events.Alerts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, notify.AlertFulfillmentTerminal, h.events.Alerts()[0].Reason)
}

// waitSettled waits until the queue drains and returns the purchase.
func (h *harness) waitSettled(t *testing.T, id string) *models.Purchase {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.events.Alerts()) > 0 && h.queue.Len(queue.TypeFulfillment) == 0
	}, 5*time.Second, 5*time.Millisecond)
	p, err := h.store.GetPurchase(context.Background(), id)
	require.NoError(t, err)
	return p
}

// redeliver queues the purchase again, as the recovery sweeper would, and
// waits for the pool to drain it.
func (h *harness) redeliver(t *testing.T, id string) {
	t.Helper()
	queued, err := h.queue.Enqueue(context.Background(), purchase.FulfillmentTask(id), 0)
	require.NoError(t, err)
	require.True(t, queued)
	require.Eventually(t, func() bool { return h.queue.Len(queue.TypeFulfillment) == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestPool_EscrowConflictEscalatesOnce(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 2
	opts.RefundAttempts = 2
	h := newHarness(t, opts)
	p := h.buy(t, bytes.Repeat([]byte("x"), 100))

	pod, err := h.store.GetDataPod(context.Background(), p.DataPodID)
	require.NoError(t, err)
	h.backend.Corrupt(pod.StorageRef, 20)
	require.NoError(t, h.ledger.Release(context.Background(), p.ID))
	h.run(t)

	got := h.waitSettled(t, p.ID)
	assert.Equal(t, models.PurchaseProcessing, got.Status, "released funds cannot be refunded")
	assert.Equal(t, 4, got.FulfillmentAttempts)

	h.redeliver(t, p.ID)
	alerts := h.events.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.AlertEscrowConflict, alerts[0].Reason)
	assert.Equal(t, p.ID, alerts[0].PurchaseID)

	again, err := h.store.GetPurchase(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, again.FulfillmentAttempts, "escalated purchases are skipped")
}

// brokenRefunds fails every refund.
type brokenRefunds struct {
	*purchase.Service
}

func (brokenRefunds) RefundPurchase(context.Context, string, string) (*models.Purchase, error) {
	return nil, apperr.ErrStorageUnavailable
}

func TestPool_PersistentRefundFailureEscalatesOnce(t *testing.T) {
	h := newHarness(t, testOptions())
	h.pool.deps.Purchases = brokenRefunds{Service: h.purchase}
	p := h.buy(t, []byte("rows"))
	h.backend.down.Store(true)
	h.run(t)

	got := h.waitSettled(t, p.ID)
	assert.Equal(t, models.PurchaseProcessing, got.Status)
	assert.Equal(t, 3+3, got.FulfillmentAttempts, "default refund budget")

	h.redeliver(t, p.ID)
	alerts := h.events.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.AlertRefundFailed, alerts[0].Reason)
}

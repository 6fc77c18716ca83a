package purchase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/escrow"
	"github.com/maneesh/sourcenet/internal/grant"
	"github.com/maneesh/sourcenet/internal/logging"
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/notify"
	"github.com/maneesh/sourcenet/internal/payment"
	"github.com/maneesh/sourcenet/internal/queue"
	"github.com/maneesh/sourcenet/internal/registry"
	"github.com/maneesh/sourcenet/internal/storage/memstore"
	"github.com/maneesh/sourcenet/internal/vault"
)

const (
	seller = "0xseller"
	buyer  = "0xbuyer"
	price  = int64(5_000_000_000)
)

type fakeVerifier struct {
	mu    sync.Mutex
	txs   map[string]payment.Verification
	err   error
	delay time.Duration
	calls int
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{txs: make(map[string]payment.Verification)}
}

func (f *fakeVerifier) confirm(ref, sender string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[ref] = payment.Verification{Confirmed: true, Amount: amount, Sender: sender}
}

func (f *fakeVerifier) Verify(ctx context.Context, ref, _ string) (*payment.Verification, error) {
	f.mu.Lock()
	f.calls++
	delay, err := f.delay, f.err
	v, ok := f.txs[ref]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &payment.Verification{}, nil
	}
	return &v, nil
}

func (f *fakeVerifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memReplay struct {
	mu   sync.Mutex
	used map[string]bool
}

func (m *memReplay) ConsumeOnce(_ context.Context, id string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used[id] {
		return false, nil
	}
	m.used[id] = true
	return true, nil
}

type env struct {
	svc      *Service
	store    *memstore.Store
	registry *registry.Registry
	ledger   *escrow.Ledger
	queue    *queue.Memory
	events   *notify.Recorder
	verifier *fakeVerifier
	vault    *vault.Store
	wrapper  *vault.KeyWrapper
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := logging.Discard()
	store := memstore.New()
	rec := notify.NewRecorder()
	notifier := notify.New(rec, logger)
	reg := registry.New(store, nil, notifier, logger)
	ledger := escrow.NewLedger(store, logger)
	q := queue.NewMemory(time.Minute)
	verifier := newFakeVerifier()

	wrapper, err := vault.NewKeyWrapper(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	grants, err := grant.NewManager(bytes.Repeat([]byte("k"), 32), time.Minute)
	require.NoError(t, err)
	vs := vault.NewStore(vault.NewMemoryBackend(), vault.Options{
		ChunkSize: 64, MaxPayloadBytes: 1 << 20, MaxRetries: 1, RetryBaseDelay: time.Millisecond,
	}, logger)

	svc := New(Deps{
		Store:    store,
		Catalog:  reg,
		Escrow:   ledger,
		Verifier: verifier,
		Queue:    q,
		Notifier: notifier,
		Grants:   grants,
		Replay:   &memReplay{used: make(map[string]bool)},
		Blobs:    vs,
		Wrapper:  wrapper,
	}, Options{VerifyTimeout: time.Second}, logger)

	return &env{
		svc: svc, store: store, registry: reg, ledger: ledger, queue: q,
		events: rec, verifier: verifier, vault: vs, wrapper: wrapper,
	}
}

// publishPod encrypts payload as seller and publishes it.
func (e *env) publishPod(t *testing.T, payload []byte) *models.DataPod {
	t.Helper()
	ctx := context.Background()
	blob, err := e.vault.EncryptAndStore(ctx, payload, "datapods/"+seller)
	require.NoError(t, err)
	wk, err := e.wrapper.Wrap(blob.Key)
	require.NoError(t, err)

	pod, err := e.registry.Create(ctx, registry.CreateInput{
		SellerID:      seller,
		Metadata:      registry.Metadata{Title: "Weather 2025", Category: "climate", Price: price},
		StorageRef:    blob.BlobRef,
		IntegrityHash: blob.IntegrityHash,
		Encryption:    blob.Meta(),
		WrappedKey:    wk,
		SizeBytes:     blob.SizeBytes,
	})
	require.NoError(t, err)
	res, err := e.registry.Publish(ctx, pod.ID, seller)
	require.NoError(t, err)
	return res.Pod
}

// fulfill performs the re-encryption a worker would and completes the purchase.
func (e *env) fulfill(t *testing.T, p *models.Purchase) {
	t.Helper()
	ctx := context.Background()
	sellerKey, err := e.store.GetDataPodKey(ctx, p.DataPodID)
	require.NoError(t, err)
	pod, err := e.store.GetDataPod(ctx, p.DataPodID)
	require.NoError(t, err)
	km, err := e.wrapper.Unwrap(sellerKey)
	require.NoError(t, err)
	plain, err := e.vault.RetrieveAndDecrypt(ctx, pod.StorageRef, km)
	require.NoError(t, err)
	blob, err := e.vault.EncryptAndStore(ctx, plain, "purchases/"+p.ID)
	require.NoError(t, err)
	wk, err := e.wrapper.Wrap(blob.Key)
	require.NoError(t, err)
	require.NoError(t, e.svc.CompleteFulfillment(ctx, p.ID, blob.BlobRef, wk))
}

func TestCreatePurchase_HappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	payload := []byte("temperature,humidity\n21.5,40\n")
	pod := e.publishPod(t, payload)
	e.verifier.confirm("tx-1", buyer, price)

	res, err := e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	p := res.Purchase
	assert.Equal(t, models.PurchaseProcessing, p.Status)
	assert.Equal(t, seller, p.SellerID)

	esc, err := e.ledger.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowHolding, esc.Status)
	assert.Equal(t, price, esc.Amount)

	got, err := e.registry.Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SaleCount)
	assert.Equal(t, 1, e.queue.Len(queue.TypeFulfillment))

	_, err = e.svc.GetDownloadGrant(ctx, p.ID, buyer)
	assert.ErrorIs(t, err, apperr.ErrNotReady)

	e.fulfill(t, p)

	esc, err = e.ledger.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, esc.Status)

	_, err = e.svc.GetDownloadGrant(ctx, p.ID, "0xstranger")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	g, err := e.svc.GetDownloadGrant(ctx, p.ID, buyer)
	require.NoError(t, err)
	assert.NotEmpty(t, g.Token)

	dl, err := e.svc.RedeemGrant(ctx, g.Token)
	require.NoError(t, err)
	assert.Equal(t, payload, dl.Plaintext)
	assert.Equal(t, "weather-2025.bin", dl.FileName)

	_, err = e.svc.RedeemGrant(ctx, g.Token)
	assert.ErrorIs(t, err, apperr.ErrGrantInvalid, "grants are single use")

	history, err := e.svc.History(ctx, p.ID, buyer)
	require.NoError(t, err)
	var seq []models.PurchaseStatus
	for _, tr := range history {
		seq = append(seq, tr.To)
	}
	assert.Equal(t, []models.PurchaseStatus{
		models.PurchasePendingPayment, models.PurchaseProcessing, models.PurchaseCompleted,
	}, seq)

	var types []string
	for _, ev := range e.events.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{notify.EventDataPodPublished, notify.EventPurchaseCreated, notify.EventPurchaseCompleted}, types)
}

func TestCreatePurchase_IdempotentReplay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pod := e.publishPod(t, []byte("rows"))
	e.verifier.confirm("tx-1", buyer, price)

	in := CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price}
	first, err := e.svc.CreatePurchase(ctx, in)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := e.svc.CreatePurchase(ctx, in)
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.Purchase.ID, again.Purchase.ID)
	}
	assert.Equal(t, 1, e.verifier.Calls(), "replays never reach the verifier")

	got, err := e.registry.Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SaleCount)

	_, err = e.svc.CreatePurchase(ctx, CreateInput{BuyerID: "0xother", DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price})
	assert.ErrorIs(t, err, apperr.ErrPaymentVerificationFailed, "another buyer cannot claim a used reference")
}

func TestCreatePurchase_ConcurrentSameReference(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pod := e.publishPod(t, []byte("rows"))
	e.verifier.confirm("tx-1", buyer, price)

	in := CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price}
	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.svc.CreatePurchase(ctx, in)
			if assert.NoError(t, err) {
				ids[i] = res.Purchase.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	got, err := e.registry.Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SaleCount)
}

func TestCreatePurchase_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pod := e.publishPod(t, []byte("rows"))

	draft, err := e.registry.Create(ctx, registry.CreateInput{
		SellerID: seller, Metadata: registry.Metadata{Title: "draft", Category: "c", Price: 1},
		StorageRef: "ref", IntegrityHash: "h",
	})
	require.NoError(t, err)

	e.verifier.confirm("tx-under", buyer, price-1)
	e.verifier.confirm("tx-sender", "0xsomeoneelse", price)
	e.verifier.confirm("tx-amount", buyer, price+1)

	tests := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"unpublished pod", CreateInput{BuyerID: buyer, DataPodID: draft.ID, PaymentRef: "tx-x", PaidAmount: 1}, apperr.ErrDataPodNotFound},
		{"missing pod", CreateInput{BuyerID: buyer, DataPodID: "nope", PaymentRef: "tx-x", PaidAmount: price}, apperr.ErrDataPodNotFound},
		{"underpayment", CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-under", PaidAmount: price - 1}, apperr.ErrInsufficientPayment},
		{"not final", CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-pending", PaidAmount: price}, apperr.ErrPaymentNotConfirmed},
		{"sender mismatch", CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-sender", PaidAmount: price}, apperr.ErrPaymentVerificationFailed},
		{"amount mismatch", CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-amount", PaidAmount: price}, apperr.ErrPaymentVerificationFailed},
		{"no buyer", CreateInput{DataPodID: pod.ID, PaymentRef: "tx-x", PaidAmount: price}, apperr.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.CreatePurchase(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = e.store.GetPurchaseByPaymentRef(ctx, "tx-under")
	assert.ErrorIs(t, err, apperr.ErrPurchaseNotFound, "rejected attempts persist nothing")
	assert.Equal(t, 0, e.queue.Len(queue.TypeFulfillment))

	// A payment that later confirms can still be used.
	e.verifier.confirm("tx-pending", buyer, price)
	res, err := e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-pending", PaidAmount: price})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestCreatePurchase_VerifierTimeout(t *testing.T) {
	e := newEnv(t)
	e.svc.opts.VerifyTimeout = 20 * time.Millisecond
	pod := e.publishPod(t, []byte("rows"))
	e.verifier.confirm("tx-1", buyer, price)
	e.verifier.delay = time.Second

	_, err := e.svc.CreatePurchase(context.Background(), CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price})
	require.ErrorIs(t, err, apperr.ErrPaymentNotConfirmed)
	assert.True(t, apperr.Retryable(err))
}

func TestCreatePurchase_AlreadyPurchased(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pod := e.publishPod(t, []byte("rows"))
	e.verifier.confirm("tx-1", buyer, price)
	e.verifier.confirm("tx-2", buyer, price)

	first, err := e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price})
	require.NoError(t, err)

	_, err = e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-2", PaidAmount: price})
	assert.ErrorIs(t, err, apperr.ErrAlreadyPurchased)

	_, err = e.svc.RefundPurchase(ctx, first.Purchase.ID, "test")
	require.NoError(t, err)

	_, err = e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-2", PaidAmount: price})
	assert.NoError(t, err, "a refunded purchase frees the slot")
}

func TestCreatePurchase_RollsBackOnEscrowFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pod := e.publishPod(t, []byte("rows"))
	e.verifier.confirm("tx-1", buyer, price)

	e.store.FailNext("InsertEscrow", errors.New("disk full"))
	_, err := e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price})
	require.Error(t, err)

	_, err = e.store.GetPurchaseByPaymentRef(ctx, "tx-1")
	assert.ErrorIs(t, err, apperr.ErrPurchaseNotFound)
	got, err := e.registry.Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SaleCount)
}

func TestCompleteAndRefund_AreExclusive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pod := e.publishPod(t, []byte("rows"))
	e.verifier.confirm("tx-1", buyer, price)

	res, err := e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price})
	require.NoError(t, err)
	id := res.Purchase.ID

	refunded, err := e.svc.RefundPurchase(ctx, id, "manual")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRefunded, refunded.Status)
	assert.Equal(t, "manual", refunded.RefundReason)

	err = e.svc.CompleteFulfillment(ctx, id, "purchases/x/y", models.WrappedKey{Digest: "d"})
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	_, err = e.svc.RefundPurchase(ctx, id, "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	esc, err := e.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowRefunded, esc.Status)

	p, err := e.svc.GetPurchase(ctx, id, seller)
	require.NoError(t, err)
	assert.Empty(t, p.BuyerStorageRef)

	_, err = e.svc.GetPurchase(ctx, id, "0xstranger")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestRecordFulfillmentFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pod := e.publishPod(t, []byte("rows"))
	e.verifier.confirm("tx-1", buyer, price)
	res, err := e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := e.svc.RecordFulfillmentFailure(ctx, res.Purchase.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func (e *env) buy(t *testing.T, buyerID, ref string) *models.Purchase {
	t.Helper()
	pod := e.publishPod(t, []byte("rows"))
	e.verifier.confirm(ref, buyerID, price)
	res, err := e.svc.CreatePurchase(context.Background(), CreateInput{
		BuyerID: buyerID, DataPodID: pod.ID, PaymentRef: ref, PaidAmount: price,
	})
	require.NoError(t, err)
	return res.Purchase
}

func TestCompleteFulfillment_EscrowReleasedOnChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.buy(t, buyer, "tx-1")

	_, err := escrow.NewReconciler(e.ledger, nil, logging.Discard()).Apply(ctx, escrow.ChainEvent{
		PurchaseID: p.ID, Kind: models.EscrowReleased, TxDigest: "0xfeed",
	})
	require.NoError(t, err)

	e.fulfill(t, p)

	got, err := e.svc.Fetch(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, got.Status)
	assert.NotEmpty(t, got.BuyerStorageRef)
}

func TestRefundPurchase_EscrowRefundedOnChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.buy(t, buyer, "tx-1")
	require.NoError(t, e.ledger.Refund(ctx, p.ID))

	err := e.svc.CompleteFulfillment(ctx, p.ID, "purchases/x/y", models.WrappedKey{Digest: "d"})
	assert.ErrorIs(t, err, apperr.ErrEscrowNotHolding, "released is the only settled state completion accepts")
	got, err := e.svc.Fetch(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseProcessing, got.Status, "rolled back")

	refunded, err := e.svc.RefundPurchase(ctx, p.ID, "chain refund")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRefunded, refunded.Status)
}

func TestRefundPurchase_EscrowReleasedOnChainConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.buy(t, buyer, "tx-1")
	require.NoError(t, e.ledger.Release(ctx, p.ID))

	_, err := e.svc.RefundPurchase(ctx, p.ID, "too late")
	var se *apperr.StateError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, apperr.ErrEscrowNotHolding)
	assert.Equal(t, string(models.EscrowReleased), se.Actual)

	got, err := e.svc.Fetch(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseProcessing, got.Status)
}

// flakyBlobs fails the first n reads.
type flakyBlobs struct {
	BlobReader
	mu sync.Mutex
	n  int
}

func (f *flakyBlobs) RetrieveAndDecrypt(ctx context.Context, ref string, km vault.KeyMaterial) ([]byte, error) {
	f.mu.Lock()
	fail := f.n > 0
	if fail {
		f.n--
	}
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: minio timeout", apperr.ErrStorageUnavailable)
	}
	return f.BlobReader.RetrieveAndDecrypt(ctx, ref, km)
}

func TestRedeemGrant_TransientFailureKeepsGrant(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.buy(t, buyer, "tx-1")
	e.fulfill(t, p)
	e.svc.deps.Blobs = &flakyBlobs{BlobReader: e.vault, n: 1}

	g, err := e.svc.GetDownloadGrant(ctx, p.ID, buyer)
	require.NoError(t, err)

	_, err = e.svc.RedeemGrant(ctx, g.Token)
	require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.True(t, apperr.Retryable(err))

	dl, err := e.svc.RedeemGrant(ctx, g.Token)
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), dl.Plaintext)

	_, err = e.svc.RedeemGrant(ctx, g.Token)
	assert.ErrorIs(t, err, apperr.ErrGrantInvalid)
}

func TestWalletAddresses_CaseInsensitive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.buy(t, "0xABCDEF01", "tx-1")

	res, err := e.svc.CreatePurchase(ctx, CreateInput{
		BuyerID: "0xabcdef01", DataPodID: p.DataPodID, PaymentRef: "tx-1", PaidAmount: price,
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, p.ID, res.Purchase.ID)

	_, err = e.svc.GetPurchase(ctx, p.ID, "0xAbCdEf01")
	require.NoError(t, err)

	e.fulfill(t, p)
	g, err := e.svc.GetDownloadGrant(ctx, p.ID, "0xabcdef01")
	require.NoError(t, err)
	_, err = e.svc.RedeemGrant(ctx, g.Token)
	require.NoError(t, err)
}

package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/logging"
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/storage/memstore"
)

func setup(t testing.TB, purchaseID string) (*Ledger, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	ctx := context.Background()
	pod := &models.DataPod{ID: "pod-" + purchaseID, SellerID: "0xseller", StorageRef: "ref-" + purchaseID, Price: 10}
	require.NoError(t, store.CreateDataPod(ctx, pod, models.WrappedKey{}))
	require.NoError(t, store.InsertPurchase(ctx, &models.Purchase{
		ID: purchaseID, DataPodID: pod.ID, BuyerID: "0xbuyer", PaymentRef: "tx-" + purchaseID, Status: models.PurchaseProcessing,
	}))
	return NewLedger(store, logging.Discard()), store
}

func TestLedger_OpenReleaseRefund(t *testing.T) {
	ledger, _ := setup(t, "p-1")
	ctx := context.Background()

	e, err := ledger.Open(ctx, "p-1", 10, "0xseller")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowHolding, e.Status)

	_, err = ledger.Open(ctx, "p-1", 10, "0xseller")
	assert.ErrorIs(t, err, apperr.ErrEscrowNotHolding, "one escrow per purchase")

	require.NoError(t, ledger.Release(ctx, "p-1"))

	err = ledger.Refund(ctx, "p-1")
	require.ErrorIs(t, err, apperr.ErrEscrowNotHolding)
	var se *apperr.StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, string(models.EscrowRefunded), se.Attempted)
	assert.Equal(t, string(models.EscrowReleased), se.Actual)

	err = ledger.Release(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrEscrowNotFound)

	_, err = ledger.Open(ctx, "p-1", 0, "0xseller")
	assert.ErrorIs(t, err, apperr.ErrInvalidMetadata)
}

func TestLedger_ConcurrentSettlementSettlesOnce(t *testing.T) {
	ledger, _ := setup(t, "p-1")
	ctx := context.Background()
	_, err := ledger.Open(ctx, "p-1", 10, "0xseller")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		settle := ledger.Release
		if i%2 == 0 {
			settle = ledger.Refund
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if settle(ctx, "p-1") == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

// Any sequence of settlement calls leaves the escrow settled at most once and
// never back in holding.
func TestLedger_Property_NoDoubleSettlement(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ledger, _ := setup(t, "p-prop")
		ctx := context.Background()
		_, err := ledger.Open(ctx, "p-prop", 10, "0xseller")
		if err != nil {
			rt.Fatalf("open: %v", err)
		}

		ops := rapid.SliceOfN(rapid.Bool(), 1, 12).Draw(rt, "releases")
		var settled models.EscrowStatus
		for _, release := range ops {
			to, op := models.EscrowRefunded, ledger.Refund
			if release {
				to, op = models.EscrowReleased, ledger.Release
			}
			err := op(ctx, "p-prop")
			if settled == "" {
				if err != nil {
					rt.Fatalf("first settlement failed: %v", err)
				}
				settled = to
				continue
			}
			if !errors.Is(err, apperr.ErrEscrowNotHolding) {
				rt.Fatalf("second settlement must fail with ErrEscrowNotHolding, got %v", err)
			}
		}

		e, err := ledger.Get(ctx, "p-prop")
		if err != nil {
			rt.Fatalf("get: %v", err)
		}
		if e.Status != settled {
			rt.Fatalf("status %s, want %s", e.Status, settled)
		}
	})
}

func TestReconciler_Apply(t *testing.T) {
	ledger, _ := setup(t, "p-1")
	ctx := context.Background()
	_, err := ledger.Open(ctx, "p-1", 10, "0xseller")
	require.NoError(t, err)

	var alerts []string
	r := NewReconciler(ledger, func(_ context.Context, id, detail string) {
		alerts = append(alerts, id)
	}, logging.Discard())

	ev := ChainEvent{PurchaseID: "p-1", Kind: models.EscrowReleased, TxDigest: "0xabc"}
	e, err := r.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, e.Status)

	e, err = r.Apply(ctx, ev)
	require.NoError(t, err, "duplicate delivery is a no-op")
	assert.Equal(t, models.EscrowReleased, e.Status)
	assert.Empty(t, alerts)

	_, err = r.Apply(ctx, ChainEvent{PurchaseID: "p-1", Kind: models.EscrowRefunded})
	assert.ErrorIs(t, err, apperr.ErrEscrowNotHolding)
	assert.Equal(t, []string{"p-1"}, alerts)

	_, err = r.Apply(ctx, ChainEvent{PurchaseID: "p-1", Kind: models.EscrowHolding})
	assert.ErrorIs(t, err, apperr.ErrInvalidMetadata)

	_, err = r.Apply(ctx, ChainEvent{PurchaseID: "missing", Kind: models.EscrowReleased})
	assert.ErrorIs(t, err, apperr.ErrEscrowNotFound)
}

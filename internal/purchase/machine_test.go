package purchase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/models"
)

var allStatuses = []models.PurchaseStatus{
	models.PurchasePendingPayment,
	models.PurchaseProcessing,
	models.PurchaseCompleted,
	models.PurchaseRefunded,
}

func rank(s models.PurchaseStatus) int {
	switch s {
	case models.PurchasePendingPayment:
		return 0
	case models.PurchaseProcessing:
		return 1
	default:
		return 2
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]models.PurchaseStatus]bool{
		{models.PurchasePendingPayment, models.PurchaseProcessing}: true,
		{models.PurchaseProcessing, models.PurchaseCompleted}:      true,
		{models.PurchaseProcessing, models.PurchaseRefunded}:       true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, allowed[[2]models.PurchaseStatus{from, to}], CanTransition(from, to))
			})
		}
	}
	for _, s := range []models.PurchaseStatus{models.PurchaseCompleted, models.PurchaseRefunded} {
		assert.True(t, s.Terminal())
	}
}

// Random interleavings of complete and refund calls never move a purchase
// backwards and settle it at most once.
func TestPurchase_Property_MonotonicStatus(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e := newEnv(t)
		ctx := context.Background()
		pod := e.publishPod(t, []byte("rows"))
		e.verifier.confirm("tx-1", buyer, price)
		res, err := e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price})
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		id := res.Purchase.ID

		ops := rapid.SliceOfN(rapid.SampledFrom([]string{"complete", "refund", "replay"}), 1, 10).Draw(rt, "ops")
		last := models.PurchaseProcessing
		successes := 0
		for _, op := range ops {
			var err error
			switch op {
			case "complete":
				err = e.svc.CompleteFulfillment(ctx, id, "purchases/"+id+"/blob", models.WrappedKey{Digest: "d"})
			case "refund":
				_, err = e.svc.RefundPurchase(ctx, id, "property")
			case "replay":
				r, rerr := e.svc.CreatePurchase(ctx, CreateInput{BuyerID: buyer, DataPodID: pod.ID, PaymentRef: "tx-1", PaidAmount: price})
				if rerr != nil || !r.Replayed || r.Purchase.ID != id {
					rt.Fatalf("replay must return the original purchase: %v", rerr)
				}
			}
			if op != "replay" {
				if err == nil {
					successes++
				} else if !errors.Is(err, apperr.ErrInvalidStateTransition) {
					rt.Fatalf("%s: unexpected error %v", op, err)
				}
			}

			p, err := e.store.GetPurchase(ctx, id)
			if err != nil {
				rt.Fatalf("get: %v", err)
			}
			if rank(p.Status) < rank(last) {
				rt.Fatalf("status moved backwards: %s -> %s", last, p.Status)
			}
			if last.Terminal() && p.Status != last {
				rt.Fatalf("terminal status changed: %s -> %s", last, p.Status)
			}
			last = p.Status
		}
		if successes > 1 {
			rt.Fatalf("%d settlements succeeded", successes)
		}

		history, err := e.store.ListPurchaseTransitions(ctx, id)
		if err != nil {
			rt.Fatalf("history: %v", err)
		}
		for i := 1; i < len(history); i++ {
			if !CanTransition(history[i].From, history[i].To) {
				rt.Fatalf("illegal audited transition %s -> %s", history[i].From, history[i].To)
			}
		}
	})
}

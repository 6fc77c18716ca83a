// Package memstore is an in-memory implementation of the relational store.
// It mirrors the TiDB client's method set and transaction semantics so
// services can be exercised without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/storage"
)

type txKey struct{}

type state struct {
	pods        map[string]models.DataPod
	keys        map[string]models.WrappedKey
	purchases   map[string]models.Purchase
	transitions []models.PurchaseTransition
	escrows     map[string]models.Escrow
	reviews     map[string]models.Review
}

func (s *state) clone() *state {
	c := &state{
		pods:        make(map[string]models.DataPod, len(s.pods)),
		keys:        make(map[string]models.WrappedKey, len(s.keys)),
		purchases:   make(map[string]models.Purchase, len(s.purchases)),
		transitions: append([]models.PurchaseTransition(nil), s.transitions...),
		escrows:     make(map[string]models.Escrow, len(s.escrows)),
		reviews:     make(map[string]models.Review, len(s.reviews)),
	}
	for k, v := range s.pods {
		c.pods[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for k, v := range s.purchases {
		c.purchases[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.reviews {
		c.reviews[k] = v
	}
	return c
}

// Store is safe for concurrent use. Every top-level call is serialized; a
// transaction holds the lock until it commits or rolls back.
type Store struct {
	mu     sync.Mutex
	st     *state
	now    func() time.Time
	faults map[string]error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		st: &state{
			pods:      make(map[string]models.DataPod),
			keys:      make(map[string]models.WrappedKey),
			purchases: make(map[string]models.Purchase),
			escrows:   make(map[string]models.Escrow),
			reviews:   make(map[string]models.Review),
		},
		now:    func() time.Time { return time.Now().UTC() },
		faults: make(map[string]error),
	}
}

// SetClock replaces the store clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next call of the named method return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

// RunInTx runs fn atomically. Nested calls join the outer transaction; on
// error every change made by fn is discarded.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// do runs fn under the store lock unless ctx already carries a transaction.
func (s *Store) do(ctx context.Context, method string, fn func() error) error {
	if !s.inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if err, ok := s.faults[method]; ok {
		delete(s.faults, method)
		return err
	}
	return fn()
}

// CreateDataPod inserts a draft DataPod and its wrapped key.
func (s *Store) CreateDataPod(ctx context.Context, pod *models.DataPod, key models.WrappedKey) error {
	return s.do(ctx, "CreateDataPod", func() error {
		if _, ok := s.st.pods[pod.ID]; ok {
			return fmt.Errorf("datapod %s already exists", pod.ID)
		}
		for _, p := range s.st.pods {
			if p.StorageRef == pod.StorageRef {
				return fmt.Errorf("storage ref %s already registered", pod.StorageRef)
			}
		}
		s.st.pods[pod.ID] = copyPod(*pod)
		s.st.keys[pod.ID] = copyKey(key)
		return nil
	})
}

func (s *Store) GetDataPod(ctx context.Context, id string) (*models.DataPod, error) {
	var out *models.DataPod
	err := s.do(ctx, "GetDataPod", func() error {
		p, ok := s.st.pods[id]
		if !ok {
			return fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, id)
		}
		cp := copyPod(p)
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) GetDataPodKey(ctx context.Context, id string) (models.WrappedKey, error) {
	var out models.WrappedKey
	err := s.do(ctx, "GetDataPodKey", func() error {
		k, ok := s.st.keys[id]
		if !ok {
			return fmt.Errorf("%w: key for %s", apperr.ErrDataPodNotFound, id)
		}
		out = copyKey(k)
		return nil
	})
	return out, err
}

func (s *Store) PublishDataPod(ctx context.Context, id string, at time.Time) error {
	return s.do(ctx, "PublishDataPod", func() error {
		p, ok := s.st.pods[id]
		switch {
		case !ok:
			return fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, id)
		case p.ArchivedAt != nil:
			return fmt.Errorf("%w: %s is archived", apperr.ErrDataPodNotFound, id)
		case p.Published:
			return apperr.ErrAlreadyPublished
		}
		p.Published = true
		p.PublishedAt = &at
		p.UpdatedAt = at
		s.st.pods[id] = p
		return nil
	})
}

func (s *Store) ArchiveDataPod(ctx context.Context, id string, at time.Time) error {
	return s.do(ctx, "ArchiveDataPod", func() error {
		p, ok := s.st.pods[id]
		if !ok {
			return fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, id)
		}
		if p.ArchivedAt != nil {
			return nil
		}
		p.ArchivedAt = &at
		p.UpdatedAt = at
		s.st.pods[id] = p
		return nil
	})
}

func (s *Store) ListPublishedDataPods(ctx context.Context, filter models.DataPodFilter, page models.Page) ([]*models.DataPod, error) {
	var out []*models.DataPod
	err := s.do(ctx, "ListPublishedDataPods", func() error {
		var matched []models.DataPod
		for _, p := range s.st.pods {
			if p.Purchasable() && matches(p, filter) {
				matched = append(matched, p)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].ID > matched[j].ID
			}
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		})
		if page.Offset >= len(matched) {
			return nil
		}
		matched = matched[page.Offset:]
		if page.Limit < len(matched) {
			matched = matched[:page.Limit]
		}
		for _, p := range matched {
			cp := copyPod(p)
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

func (s *Store) IncrementSaleCount(ctx context.Context, id string) error {
	return s.do(ctx, "IncrementSaleCount", func() error {
		p, ok := s.st.pods[id]
		if !ok {
			return fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, id)
		}
		p.SaleCount++
		p.UpdatedAt = s.now()
		s.st.pods[id] = p
		return nil
	})
}

func (s *Store) RefreshDataPodRating(ctx context.Context, id string) (models.Rating, error) {
	var rating models.Rating
	err := s.do(ctx, "RefreshDataPodRating", func() error {
		rating = aggregate(s.st.reviews, func(r models.Review) bool { return r.DataPodID == id })
		p, ok := s.st.pods[id]
		if !ok {
			return fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, id)
		}
		p.RatingAvg = rating.Average
		p.RatingCount = rating.Count
		p.UpdatedAt = s.now()
		s.st.pods[id] = p
		return nil
	})
	return rating, err
}

func (s *Store) InsertPurchase(ctx context.Context, p *models.Purchase) error {
	return s.do(ctx, "InsertPurchase", func() error {
		for _, existing := range s.st.purchases {
			if existing.PaymentRef == p.PaymentRef {
				return fmt.Errorf("%w: %s", apperr.ErrDuplicatePaymentRef, p.PaymentRef)
			}
		}
		if p.Status != models.PurchaseRefunded {
			for _, existing := range s.st.purchases {
				if existing.Status != models.PurchaseRefunded &&
					existing.BuyerID == p.BuyerID && existing.DataPodID == p.DataPodID {
					return fmt.Errorf("%w: buyer %s datapod %s", apperr.ErrAlreadyPurchased, p.BuyerID, p.DataPodID)
				}
			}
		}
		if _, ok := s.st.pods[p.DataPodID]; !ok {
			return fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, p.DataPodID)
		}
		s.st.purchases[p.ID] = copyPurchase(*p)
		return nil
	})
}

func (s *Store) GetPurchase(ctx context.Context, id string) (*models.Purchase, error) {
	var out *models.Purchase
	err := s.do(ctx, "GetPurchase", func() error {
		p, ok := s.st.purchases[id]
		if !ok {
			return fmt.Errorf("%w: %s", apperr.ErrPurchaseNotFound, id)
		}
		cp := copyPurchase(p)
		out = &cp
		return nil
	})
	return out, err
}

func (s *Store) GetPurchaseByPaymentRef(ctx context.Context, ref string) (*models.Purchase, error) {
	var out *models.Purchase
	err := s.do(ctx, "GetPurchaseByPaymentRef", func() error {
		for _, p := range s.st.purchases {
			if p.PaymentRef == ref {
				cp := copyPurchase(p)
				out = &cp
				return nil
			}
		}
		return fmt.Errorf("%w: payment ref %s", apperr.ErrPurchaseNotFound, ref)
	})
	return out, err
}

func (s *Store) TransitionPurchase(ctx context.Context, id string, from, to models.PurchaseStatus, upd storage.PurchaseUpdate) error {
	return s.do(ctx, "TransitionPurchase", func() error {
		p, ok := s.st.purchases[id]
		if !ok {
			return fmt.Errorf("%w: %s", apperr.ErrPurchaseNotFound, id)
		}
		if p.Status != from {
			return apperr.NewStateError(apperr.ErrInvalidStateTransition, "purchase", id,
				fmt.Sprintf("%s->%s", from, to), string(p.Status))
		}
		at := upd.At
		if at.IsZero() {
			at = s.now()
		}
		switch to {
		case models.PurchaseCompleted:
			if upd.Completion == nil {
				return fmt.Errorf("completion data required for %s", to)
			}
			key := copyKey(upd.Completion.BuyerKey)
			p.BuyerStorageRef = upd.Completion.BuyerStorageRef
			p.BuyerKey = &key
			p.CompletedAt = &at
		case models.PurchaseRefunded:
			p.RefundReason = upd.RefundReason
			p.RefundedAt = &at
		}
		p.Status = to
		p.UpdatedAt = at
		s.st.purchases[id] = p
		s.st.transitions = append(s.st.transitions, models.PurchaseTransition{
			PurchaseID: id, From: from, To: to, Reason: upd.RefundReason, At: at,
		})
		return nil
	})
}

func (s *Store) AppendPurchaseTransition(ctx context.Context, t models.PurchaseTransition) error {
	return s.do(ctx, "AppendPurchaseTransition", func() error {
		s.st.transitions = append(s.st.transitions, t)
		return nil
	})
}

func (s *Store) ListPurchaseTransitions(ctx context.Context, purchaseID string) ([]models.PurchaseTransition, error) {
	var out []models.PurchaseTransition
	err := s.do(ctx, "ListPurchaseTransitions", func() error {
		for _, t := range s.st.transitions {
			if t.PurchaseID == purchaseID {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) IncrementFulfillmentAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.do(ctx, "IncrementFulfillmentAttempts", func() error {
		p, ok := s.st.purchases[id]
		if !ok {
			return fmt.Errorf("%w: %s", apperr.ErrPurchaseNotFound, id)
		}
		p.FulfillmentAttempts++
		p.UpdatedAt = s.now()
		s.st.purchases[id] = p
		attempts = p.FulfillmentAttempts
		return nil
	})
	return attempts, err
}

func (s *Store) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	var out []string
	err := s.do(ctx, "ListStaleProcessing", func() error {
		var stale []models.Purchase
		for _, p := range s.st.purchases {
			if p.Status == models.PurchaseProcessing && p.UpdatedAt.Before(olderThan) {
				stale = append(stale, p)
			}
		}
		sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
		for i, p := range stale {
			if i == limit {
				break
			}
			out = append(out, p.ID)
		}
		return nil
	})
	return out, err
}

func (s *Store) InsertEscrow(ctx context.Context, e *models.Escrow) error {
	return s.do(ctx, "InsertEscrow", func() error {
		if _, ok := s.st.escrows[e.PurchaseID]; ok {
			return apperr.NewStateError(apperr.ErrEscrowNotHolding, "escrow", e.PurchaseID, "open", "exists")
		}
		if _, ok := s.st.purchases[e.PurchaseID]; !ok {
			return fmt.Errorf("%w: %s", apperr.ErrPurchaseNotFound, e.PurchaseID)
		}
		s.st.escrows[e.PurchaseID] = *e
		return nil
	})
}

func (s *Store) GetEscrow(ctx context.Context, purchaseID string) (*models.Escrow, error) {
	var out *models.Escrow
	err := s.do(ctx, "GetEscrow", func() error {
		e, ok := s.st.escrows[purchaseID]
		if !ok {
			return fmt.Errorf("%w: purchase %s", apperr.ErrEscrowNotFound, purchaseID)
		}
		out = &e
		return nil
	})
	return out, err
}

func (s *Store) SettleEscrow(ctx context.Context, purchaseID string, to models.EscrowStatus, at time.Time) error {
	return s.do(ctx, "SettleEscrow", func() error {
		e, ok := s.st.escrows[purchaseID]
		if !ok {
			return fmt.Errorf("%w: purchase %s", apperr.ErrEscrowNotFound, purchaseID)
		}
		if e.Status != models.EscrowHolding {
			return apperr.NewStateError(apperr.ErrEscrowNotHolding, "escrow", purchaseID, string(to), string(e.Status))
		}
		e.Status = to
		e.SettledAt = &at
		s.st.escrows[purchaseID] = e
		return nil
	})
}

func (s *Store) InsertReview(ctx context.Context, r *models.Review) error {
	return s.do(ctx, "InsertReview", func() error {
		if _, ok := s.st.reviews[r.PurchaseID]; ok {
			return fmt.Errorf("%w: %s", apperr.ErrAlreadyReviewed, r.PurchaseID)
		}
		s.st.reviews[r.PurchaseID] = *r
		return nil
	})
}

func (s *Store) SellerRating(ctx context.Context, sellerID string) (models.Rating, error) {
	var rating models.Rating
	err := s.do(ctx, "SellerRating", func() error {
		rating = aggregate(s.st.reviews, func(r models.Review) bool { return r.SellerID == sellerID })
		return nil
	})
	return rating, err
}

func matches(p models.DataPod, f models.DataPodFilter) bool {
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.SellerID != "" && p.SellerID != f.SellerID {
		return false
	}
	if f.MinPrice > 0 && p.Price < f.MinPrice {
		return false
	}
	if f.MaxPrice > 0 && p.Price > f.MaxPrice {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		hay := strings.ToLower(p.Title + "\n" + p.Description + "\n" + strings.Join(p.Tags, ","))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

func aggregate(reviews map[string]models.Review, keep func(models.Review) bool) models.Rating {
	var sum, n int64
	for _, r := range reviews {
		if keep(r) {
			sum += int64(r.Rating)
			n++
		}
	}
	if n == 0 {
		return models.Rating{}
	}
	return models.Rating{Average: float64(sum) / float64(n), Count: n}
}

func copyPod(p models.DataPod) models.DataPod {
	p.Tags = append([]string(nil), p.Tags...)
	p.Encryption.IV = append([]byte(nil), p.Encryption.IV...)
	return p
}

func copyKey(k models.WrappedKey) models.WrappedKey {
	return models.WrappedKey{
		Ciphertext: append([]byte(nil), k.Ciphertext...),
		Digest:     k.Digest,
		IV:         append([]byte(nil), k.IV...),
	}
}

func copyPurchase(p models.Purchase) models.Purchase {
	if p.BuyerKey != nil {
		k := copyKey(*p.BuyerKey)
		p.BuyerKey = &k
	}
	return p
}

// Package registry owns DataPod listings: creation, publication, discovery,
// sale counts and review aggregates.
package registry

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
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/notify"
)

var tracer = otel.Tracer("sourcenet-registry")

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Store is the persistence the registry needs. *storage.TiDBClient and
// *memstore.Store implement it.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateDataPod(ctx context.Context, pod *models.DataPod, key models.WrappedKey) error
	GetDataPod(ctx context.Context, id string) (*models.DataPod, error)
	PublishDataPod(ctx context.Context, id string, at time.Time) error
	ArchiveDataPod(ctx context.Context, id string, at time.Time) error
	ListPublishedDataPods(ctx context.Context, filter models.DataPodFilter, page models.Page) ([]*models.DataPod, error)
	IncrementSaleCount(ctx context.Context, id string) error
	RefreshDataPodRating(ctx context.Context, id string) (models.Rating, error)
	GetPurchase(ctx context.Context, id string) (*models.Purchase, error)
	InsertReview(ctx context.Context, r *models.Review) error
	SellerRating(ctx context.Context, sellerID string) (models.Rating, error)
}

// Cache is the DataPod read-through cache. *storage.RedisClient implements it.
type Cache interface {
	GetCachedDataPod(ctx context.Context, id string) (*models.DataPod, error)
	CacheDataPod(ctx context.Context, pod *models.DataPod) error
	InvalidateDataPod(ctx context.Context, id string) error
}

// Metadata is the seller-supplied description of a dataset.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags,omitempty"`
	Price       int64    `json:"price"`
}

// CreateInput describes a freshly stored dataset.
type CreateInput struct {
	SellerID      string
	Metadata      Metadata
	StorageRef    string
	IntegrityHash string
	Encryption    models.EncryptionMeta
	WrappedKey    models.WrappedKey
	SizeBytes     int64
}

// PublishResult reports the pod after publish and whether it was already live.
type PublishResult struct {
	Pod              *models.DataPod
	AlreadyPublished bool
}

// ReviewInput is a buyer's rating of a completed purchase.
type ReviewInput struct {
	PurchaseID string
	BuyerID    string
	Rating     int
	Comment    string
}

// Registry is the DataPod service.
type Registry struct {
	store    Store
	cache    Cache
	notifier *notify.Notifier
	logger   logrus.FieldLogger
	now      func() time.Time
}

// New creates a Registry. cache may be nil.
func New(store Store, cache Cache, notifier *notify.Notifier, logger logrus.FieldLogger) *Registry {
	return &Registry{
		store:    store,
		cache:    cache,
		notifier: notifier,
		logger:   logger.WithField("component", "registry"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a draft DataPod.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*models.DataPod, error) {
	ctx, span := tracer.Start(ctx, "registry.create",
		trace.WithAttributes(attribute.String("seller_id", in.SellerID)),
	)
	defer span.End()

	if err := validateCreate(in); err != nil {
		return nil, err
	}

	now := r.now()
	pod := &models.DataPod{
		ID:          uuid.NewString(),
		SellerID:    in.SellerID,
		Title:       strings.TrimSpace(in.Metadata.Title),
		Description: strings.TrimSpace(in.Metadata.Description),
		Category:    strings.TrimSpace(in.Metadata.Category),
		Tags:        normalizeTags(in.Metadata.Tags),
		Price:       in.Metadata.Price,
		ContentHash: in.IntegrityHash,
		StorageRef:  in.StorageRef,
		SizeBytes:   in.SizeBytes,
		Encryption:  in.Encryption,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.store.CreateDataPod(ctx, pod, in.WrappedKey); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("datapod_id", pod.ID))
	r.logger.WithFields(logrus.Fields{
		"datapod_id": pod.ID,
		"seller_id":  pod.SellerID,
		"size_bytes": pod.SizeBytes,
	}).Info("DataPod created")
	return pod, nil
}

// Publish makes a draft visible to buyers. Publishing twice returns the
// current pod with AlreadyPublished set.
func (r *Registry) Publish(ctx context.Context, id, requesterID string) (*PublishResult, error) {
	ctx, span := tracer.Start(ctx, "registry.publish",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	pod, err := r.store.GetDataPod(ctx, id)
	if err != nil {
		return nil, err
	}
	if pod.SellerID != requesterID {
		return nil, fmt.Errorf("%w: only the seller may publish %s", apperr.ErrUnauthorized, id)
	}
	if pod.ArchivedAt != nil {
		return nil, fmt.Errorf("%w: %s is archived", apperr.ErrDataPodNotFound, id)
	}

	err = r.store.PublishDataPod(ctx, id, r.now())
	already := errors.Is(err, apperr.ErrAlreadyPublished)
	if err != nil && !already {
		span.RecordError(err)
		return nil, err
	}
	r.invalidate(ctx, id)

	pod, err = r.store.GetDataPod(ctx, id)
	if err != nil {
		return nil, err
	}

	if already {
		r.logger.WithField("datapod_id", id).Info("DataPod already published")
	} else {
		r.logger.WithField("datapod_id", id).Info("DataPod published")
		r.notifier.Notify(ctx, notify.Event{Type: notify.EventDataPodPublished, DataPodID: id, SellerID: pod.SellerID})
	}
	span.SetAttributes(attribute.Bool("already_published", already))
	return &PublishResult{Pod: pod, AlreadyPublished: already}, nil
}

// Archive hides a pod from listings and new purchases. Existing purchases
// are unaffected.
func (r *Registry) Archive(ctx context.Context, id, requesterID string) (*models.DataPod, error) {
	ctx, span := tracer.Start(ctx, "registry.archive",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	pod, err := r.store.GetDataPod(ctx, id)
	if err != nil {
		return nil, err
	}
	if pod.SellerID != requesterID {
		return nil, fmt.Errorf("%w: only the seller may archive %s", apperr.ErrUnauthorized, id)
	}
	if err := r.store.ArchiveDataPod(ctx, id, r.now()); err != nil {
		span.RecordError(err)
		return nil, err
	}
	r.invalidate(ctx, id)
	return r.store.GetDataPod(ctx, id)
}

// Get returns a pod in any state, reading through the cache.
func (r *Registry) Get(ctx context.Context, id string) (*models.DataPod, error) {
	ctx, span := tracer.Start(ctx, "registry.get",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	if r.cache != nil {
		pod, err := r.cache.GetCachedDataPod(ctx, id)
		if err != nil {
			r.logger.WithError(err).Warn("DataPod cache lookup failed")
		} else if pod != nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return pod, nil
		}
	}

	pod, err := r.store.GetDataPod(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.CacheDataPod(ctx, pod); err != nil {
			r.logger.WithError(err).Warn("failed to update DataPod cache")
		}
	}
	return pod, nil
}

// GetPublished returns a pod only if buyers may see it.
func (r *Registry) GetPublished(ctx context.Context, id string) (*models.DataPod, error) {
	pod, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pod.Purchasable() {
		return nil, fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, id)
	}
	return pod, nil
}

// ListPublished returns published, unarchived pods newest first.
func (r *Registry) ListPublished(ctx context.Context, filter models.DataPodFilter, page models.Page) ([]*models.DataPod, error) {
	ctx, span := tracer.Start(ctx, "registry.list_published")
	defer span.End()

	if filter.MinPrice < 0 || filter.MaxPrice < 0 || (filter.MaxPrice > 0 && filter.MinPrice > filter.MaxPrice) {
		return nil, fmt.Errorf("%w: invalid price range", apperr.ErrInvalidMetadata)
	}
	page = ClampPage(page)

	pods, err := r.store.ListPublishedDataPods(ctx, filter, page)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if pods == nil {
		pods = []*models.DataPod{}
	}
	return pods, nil
}

// IncrementSaleCount adds one sale. It joins the caller's transaction and
// leaves the cache alone; callers evict with InvalidateCache after commit.
func (r *Registry) IncrementSaleCount(ctx context.Context, id string) error {
	return r.store.IncrementSaleCount(ctx, id)
}

// InvalidateCache evicts a pod from the read-through cache.
func (r *Registry) InvalidateCache(ctx context.Context, id string) {
	r.invalidate(ctx, id)
}

// SubmitReview records a buyer's review and refreshes the pod's rating.
func (r *Registry) SubmitReview(ctx context.Context, in ReviewInput) (*models.Review, error) {
	ctx, span := tracer.Start(ctx, "registry.submit_review",
		trace.WithAttributes(attribute.String("purchase_id", in.PurchaseID)),
	)
	defer span.End()

	if in.Rating < 1 || in.Rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", apperr.ErrInvalidMetadata)
	}
	if len(in.Comment) > 2000 {
		return nil, fmt.Errorf("%w: comment too long", apperr.ErrInvalidMetadata)
	}

	var review *models.Review
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		p, err := r.store.GetPurchase(ctx, in.PurchaseID)
		if err != nil {
			return err
		}
		if p.BuyerID != in.BuyerID {
			return fmt.Errorf("%w: only the buyer may review %s", apperr.ErrUnauthorized, in.PurchaseID)
		}
		if p.Status != models.PurchaseCompleted {
			return apperr.NewStateError(apperr.ErrNotReady, "purchase", p.ID, "review", string(p.Status))
		}

		review = &models.Review{
			ID:         uuid.NewString(),
			PurchaseID: p.ID,
			DataPodID:  p.DataPodID,
			BuyerID:    p.BuyerID,
			SellerID:   p.SellerID,
			Rating:     in.Rating,
			Comment:    strings.TrimSpace(in.Comment),
			CreatedAt:  r.now(),
		}
		if err := r.store.InsertReview(ctx, review); err != nil {
			return err
		}
		_, err = r.store.RefreshDataPodRating(ctx, p.DataPodID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	r.invalidate(ctx, review.DataPodID)
	return review, nil
}

// SellerRating aggregates every review a seller received.
func (r *Registry) SellerRating(ctx context.Context, sellerID string) (models.Rating, error) {
	return r.store.SellerRating(ctx, sellerID)
}

// ClampPage applies the default and bounds to a page request.
func ClampPage(p models.Page) models.Page {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageLimit
	case p.Limit > MaxPageLimit:
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

func (r *Registry) invalidate(ctx context.Context, id string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.InvalidateDataPod(ctx, id); err != nil {
		r.logger.WithError(err).WithField("datapod_id", id).Warn("failed to invalidate DataPod cache")
	}
}

func validateCreate(in CreateInput) error {
	var problems []string
	if strings.TrimSpace(in.SellerID) == "" {
		problems = append(problems, "seller is required")
	}
	if strings.TrimSpace(in.Metadata.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(in.Metadata.Category) == "" {
		problems = append(problems, "category is required")
	}
	if in.Metadata.Price <= 0 {
		problems = append(problems, "price must be positive")
	}
	if in.StorageRef == "" {
		problems = append(problems, "storage reference is required")
	}
	if in.IntegrityHash == "" {
		problems = append(problems, "integrity hash is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperr.ErrInvalidMetadata, strings.Join(problems, "; "))
	}
	return nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(t, ",", " ")))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

package storage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/models"
)

// InsertReview stores a review. One review per purchase.
func (tc *TiDBClient) InsertReview(ctx context.Context, r *models.Review) error {
	ctx, span := tracer.Start(ctx, "tidb.insert_review",
		trace.WithAttributes(
			attribute.String("review_id", r.ID),
			attribute.String("purchase_id", r.PurchaseID),
			attribute.Int("rating", r.Rating),
		),
	)
	defer span.End()

	_, err := tc.conn(ctx).ExecContext(ctx,
		`INSERT INTO reviews (id, purchase_id, datapod_id, buyer_id, seller_id, rating, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PurchaseID, r.DataPodID, r.BuyerID, r.SellerID, r.Rating, r.Comment, r.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		if duplicateKey(err) == "uq_reviews_purchase" {
			return fmt.Errorf("%w: %s", apperr.ErrAlreadyReviewed, r.PurchaseID)
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

// SellerRating aggregates all reviews received by a seller
func (tc *TiDBClient) SellerRating(ctx context.Context, sellerID string) (models.Rating, error) {
	ctx, span := tracer.Start(ctx, "tidb.seller_rating",
		trace.WithAttributes(attribute.String("seller_id", sellerID)),
	)
	defer span.End()

	var rating models.Rating
	err := tc.conn(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(AVG(rating), 0), COUNT(*) FROM reviews WHERE seller_id = ?`, sellerID,
	).Scan(&rating.Average, &rating.Count)
	if err != nil {
		span.RecordError(err)
		return models.Rating{}, fmt.Errorf("failed to aggregate seller rating: %w", err)
	}
	return rating, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/models"
)

const datapodColumns = `id, seller_id, title, description, category, tags, price, content_hash,
	storage_ref, size_bytes, enc_algorithm, enc_key_digest, enc_iv, enc_chunk_size,
	published, published_at, archived_at, sale_count, rating_avg, rating_count,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateDataPod inserts a draft DataPod together with its wrapped data key
func (tc *TiDBClient) CreateDataPod(ctx context.Context, pod *models.DataPod, key models.WrappedKey) error {
	ctx, span := tracer.Start(ctx, "tidb.create_datapod",
		trace.WithAttributes(
			attribute.String("datapod_id", pod.ID),
			attribute.String("seller_id", pod.SellerID),
			attribute.Int64("size_bytes", pod.SizeBytes),
		),
	)
	defer span.End()

	return tc.RunInTx(ctx, func(ctx context.Context) error {
		query := `INSERT INTO datapods (` + datapodColumns + `)
				  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err := tc.conn(ctx).ExecContext(ctx, query,
			pod.ID, pod.SellerID, pod.Title, pod.Description, pod.Category, strings.Join(pod.Tags, ","),
			pod.Price, pod.ContentHash, pod.StorageRef, pod.SizeBytes,
			pod.Encryption.Algorithm, pod.Encryption.KeyDigest, pod.Encryption.IV, pod.Encryption.ChunkSize,
			pod.Published, nullTime(pod.PublishedAt), nullTime(pod.ArchivedAt),
			pod.SaleCount, pod.RatingAvg, pod.RatingCount, pod.CreatedAt, pod.UpdatedAt,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert datapod: %w", err)
		}

		_, err = tc.conn(ctx).ExecContext(ctx,
			`INSERT INTO datapod_keys (datapod_id, wrapped_key, key_digest, iv, created_at) VALUES (?, ?, ?, ?, ?)`,
			pod.ID, key.Ciphertext, key.Digest, key.IV, pod.CreatedAt,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert datapod key: %w", err)
		}

		span.SetAttributes(attribute.Bool("insert_success", true))
		return nil
	})
}

// GetDataPod retrieves a DataPod by ID with tracing
func (tc *TiDBClient) GetDataPod(ctx context.Context, id string) (*models.DataPod, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_datapod",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	row := tc.conn(ctx).QueryRowContext(ctx, `SELECT `+datapodColumns+` FROM datapods WHERE id = ?`, id)
	pod, err := scanDataPod(row)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, id)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query datapod: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return pod, nil
}

// GetDataPodKey returns the wrapped seller key of a DataPod
func (tc *TiDBClient) GetDataPodKey(ctx context.Context, id string) (models.WrappedKey, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_datapod_key",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	var key models.WrappedKey
	err := tc.conn(ctx).QueryRowContext(ctx,
		`SELECT wrapped_key, key_digest, iv FROM datapod_keys WHERE datapod_id = ?`, id,
	).Scan(&key.Ciphertext, &key.Digest, &key.IV)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WrappedKey{}, fmt.Errorf("%w: key for %s", apperr.ErrDataPodNotFound, id)
	} else if err != nil {
		span.RecordError(err)
		return models.WrappedKey{}, fmt.Errorf("failed to query datapod key: %w", err)
	}
	return key, nil
}

// PublishDataPod flips published false→true. A pod that is already published
// yields ErrAlreadyPublished; storage_ref and content_hash are never touched.
func (tc *TiDBClient) PublishDataPod(ctx context.Context, id string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "tidb.publish_datapod",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	res, err := tc.conn(ctx).ExecContext(ctx,
		`UPDATE datapods SET published = 1, published_at = ?, updated_at = ?
		 WHERE id = ? AND published = 0 AND archived_at IS NULL`,
		at, at, id,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish datapod: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	pod, err := tc.GetDataPod(ctx, id)
	if err != nil {
		return err
	}
	if pod.ArchivedAt != nil {
		return fmt.Errorf("%w: %s is archived", apperr.ErrDataPodNotFound, id)
	}
	return apperr.ErrAlreadyPublished
}

// ArchiveDataPod soft-archives a pod. Archiving twice is a no-op.
func (tc *TiDBClient) ArchiveDataPod(ctx context.Context, id string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "tidb.archive_datapod",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	res, err := tc.conn(ctx).ExecContext(ctx,
		`UPDATE datapods SET archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		at, at, id,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to archive datapod: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tc.GetDataPod(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListPublishedDataPods returns published, unarchived pods newest first
func (tc *TiDBClient) ListPublishedDataPods(ctx context.Context, filter models.DataPodFilter, page models.Page) ([]*models.DataPod, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_published_datapods",
		trace.WithAttributes(
			attribute.String("category", filter.Category),
			attribute.Int("limit", page.Limit),
			attribute.Int("offset", page.Offset),
		),
	)
	defer span.End()

	where := []string{"published = 1", "archived_at IS NULL"}
	var args []any
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.SellerID != "" {
		where = append(where, "seller_id = ?")
		args = append(args, filter.SellerID)
	}
	if filter.MinPrice > 0 {
		where = append(where, "price >= ?")
		args = append(args, filter.MinPrice)
	}
	if filter.MaxPrice > 0 {
		where = append(where, "price <= ?")
		args = append(args, filter.MaxPrice)
	}
	if filter.Query != "" {
		where = append(where, "(title LIKE ? OR description LIKE ? OR tags LIKE ?)")
		like := "%" + escapeLike(filter.Query) + "%"
		args = append(args, like, like, like)
	}

	query := `SELECT ` + datapodColumns + ` FROM datapods WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	rows, err := tc.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query datapods: %w", err)
	}
	defer rows.Close()

	var pods []*models.DataPod
	for rows.Next() {
		pod, err := scanDataPod(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan datapod: %w", err)
		}
		pods = append(pods, pod)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating datapods: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(pods)))
	return pods, nil
}

// IncrementSaleCount bumps sale_count by one in a single statement
func (tc *TiDBClient) IncrementSaleCount(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "tidb.increment_sale_count",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	res, err := tc.conn(ctx).ExecContext(ctx,
		`UPDATE datapods SET sale_count = sale_count + 1, updated_at = ? WHERE id = ?`,
		tc.now(), id,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to increment sale count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, id)
	}
	return nil
}

// RefreshDataPodRating recomputes the rating aggregate of a pod from its reviews
func (tc *TiDBClient) RefreshDataPodRating(ctx context.Context, id string) (models.Rating, error) {
	ctx, span := tracer.Start(ctx, "tidb.refresh_datapod_rating",
		trace.WithAttributes(attribute.String("datapod_id", id)),
	)
	defer span.End()

	var rating models.Rating
	err := tc.conn(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(AVG(rating), 0), COUNT(*) FROM reviews WHERE datapod_id = ?`, id,
	).Scan(&rating.Average, &rating.Count)
	if err != nil {
		span.RecordError(err)
		return models.Rating{}, fmt.Errorf("failed to aggregate ratings: %w", err)
	}

	_, err = tc.conn(ctx).ExecContext(ctx,
		`UPDATE datapods SET rating_avg = ?, rating_count = ?, updated_at = ? WHERE id = ?`,
		rating.Average, rating.Count, tc.now(), id,
	)
	if err != nil {
		span.RecordError(err)
		return models.Rating{}, fmt.Errorf("failed to update rating: %w", err)
	}
	return rating, nil
}

func scanDataPod(row rowScanner) (*models.DataPod, error) {
	var (
		pod         models.DataPod
		tags        string
		publishedAt sql.NullTime
		archivedAt  sql.NullTime
	)
	err := row.Scan(
		&pod.ID, &pod.SellerID, &pod.Title, &pod.Description, &pod.Category, &tags,
		&pod.Price, &pod.ContentHash, &pod.StorageRef, &pod.SizeBytes,
		&pod.Encryption.Algorithm, &pod.Encryption.KeyDigest, &pod.Encryption.IV, &pod.Encryption.ChunkSize,
		&pod.Published, &publishedAt, &archivedAt,
		&pod.SaleCount, &pod.RatingAvg, &pod.RatingCount, &pod.CreatedAt, &pod.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tags != "" {
		pod.Tags = strings.Split(tags, ",")
	}
	pod.PublishedAt = timePtr(publishedAt)
	pod.ArchivedAt = timePtr(archivedAt)
	pod.CreatedAt = pod.CreatedAt.UTC()
	pod.UpdatedAt = pod.UpdatedAt.UTC()
	return &pod, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

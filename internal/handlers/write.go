package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/registry"
	"github.com/maneesh/sourcenet/internal/vault"
)

var tracer = otel.Tracer("sourcenet-handlers")

// WriteHandler handles dataset uploads. The body is encrypted, stored and
// registered as a draft DataPod owned by the uploader.
type WriteHandler struct {
	vault    *vault.Store
	wrapper  *vault.KeyWrapper
	registry *registry.Registry
	logger   logrus.FieldLogger
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(
	vaultStore *vault.Store,
	wrapper *vault.KeyWrapper,
	reg *registry.Registry,
	logger logrus.FieldLogger,
) *WriteHandler {
	return &WriteHandler{
		vault:    vaultStore,
		wrapper:  wrapper,
		registry: reg,
		logger:   logger.WithField("component", "write_handler"),
	}
}

// ServeHTTP handles POST /v1/datapods?title=&category=&price=&description=&tags=
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "upload_datapod",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	sellerID, ok := requireRequester(w, r)
	if !ok {
		return
	}

	meta, err := parseMetadata(r)
	if err != nil {
		writeError(w, wh.logger, err)
		return
	}
	span.SetAttributes(attribute.String("seller_id", sellerID))

	// Step 1: Read the payload, refusing anything above the configured limit
	limit := wh.vault.MaxPayloadBytes()
	payload, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		span.RecordError(err)
		writeError(w, wh.logger, fmt.Errorf("%w: read body: %v", apperr.ErrInvalidMetadata, err))
		return
	}
	if int64(len(payload)) > limit {
		writeError(w, wh.logger, fmt.Errorf("%w: limit is %d bytes", apperr.ErrPayloadTooLarge, limit))
		return
	}
	if len(payload) == 0 {
		writeError(w, wh.logger, fmt.Errorf("%w: empty payload", apperr.ErrInvalidMetadata))
		return
	}

	// Step 2: Encrypt and store
	blob, err := wh.vault.EncryptAndStore(ctx, payload, "datapods/"+sellerID)
	if err != nil {
		span.RecordError(err)
		writeError(w, wh.logger, err)
		return
	}

	// Step 3: Seal the data key for custody
	wrapped, err := wh.wrapper.Wrap(blob.Key)
	if err != nil {
		span.RecordError(err)
		wh.discard(ctx, blob.BlobRef)
		writeError(w, wh.logger, err)
		return
	}

	// Step 4: Register the draft
	pod, err := wh.registry.Create(ctx, registry.CreateInput{
		SellerID:      sellerID,
		Metadata:      meta,
		StorageRef:    blob.BlobRef,
		IntegrityHash: blob.IntegrityHash,
		Encryption:    blob.Meta(),
		WrappedKey:    wrapped,
		SizeBytes:     blob.SizeBytes,
	})
	if err != nil {
		span.RecordError(err)
		wh.discard(ctx, blob.BlobRef)
		writeError(w, wh.logger, err)
		return
	}

	span.SetAttributes(
		attribute.String("datapod_id", pod.ID),
		attribute.Int64("size_bytes", pod.SizeBytes),
	)
	writeJSON(w, http.StatusCreated, pod)
}

func (wh *WriteHandler) discard(ctx context.Context, blobRef string) {
	if err := wh.vault.Delete(context.WithoutCancel(ctx), blobRef); err != nil {
		wh.logger.WithError(err).WithField("blob_ref", blobRef).Warn("failed to delete unregistered blob")
	}
}

func parseMetadata(r *http.Request) (registry.Metadata, error) {
	q := r.URL.Query()
	price, err := strconv.ParseInt(q.Get("price"), 10, 64)
	if err != nil {
		return registry.Metadata{}, fmt.Errorf("%w: price must be an integer amount", apperr.ErrInvalidMetadata)
	}
	var tags []string
	if raw := q.Get("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}
	return registry.Metadata{
		Title:       q.Get("title"),
		Description: q.Get("description"),
		Category:    q.Get("category"),
		Tags:        tags,
		Price:       price,
	}, nil
}

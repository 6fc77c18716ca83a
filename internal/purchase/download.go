package purchase

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/grant"
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/vault"
)

// GrantIssuer is satisfied by grant.Manager.
type GrantIssuer interface {
	Issue(purchaseID, buyerID string) (grant.Grant, error)
	Verify(token string) (*grant.Claims, error)
}

// ReplayGuard records single-use token IDs. It is satisfied by
// storage.RedisClient.
type ReplayGuard interface {
	ConsumeOnce(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// BlobReader is satisfied by vault.Store.
type BlobReader interface {
	RetrieveAndDecrypt(ctx context.Context, blobRef string, km vault.KeyMaterial) ([]byte, error)
}

// KeyUnwrapper is satisfied by vault.KeyWrapper.
type KeyUnwrapper interface {
	Unwrap(wk models.WrappedKey) (vault.KeyMaterial, error)
}

// Download is a decrypted buyer copy.
type Download struct {
	FileName  string
	Plaintext []byte
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// GetDownloadGrant issues a short-lived grant to the buyer of a completed
// purchase.
func (s *Service) GetDownloadGrant(ctx context.Context, purchaseID, requesterID string) (grant.Grant, error) {
	ctx, span := tracer.Start(ctx, "purchase.grant",
		trace.WithAttributes(attribute.String("purchase_id", purchaseID)),
	)
	defer span.End()

	p, err := s.deps.Store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return grant.Grant{}, err
	}
	if !sameWallet(p.BuyerID, requesterID) {
		return grant.Grant{}, fmt.Errorf("%w: only the buyer may download %s", apperr.ErrUnauthorized, purchaseID)
	}
	if p.Status != models.PurchaseCompleted {
		return grant.Grant{}, apperr.NewStateError(apperr.ErrNotReady, "purchase", p.ID, "grant", string(p.Status))
	}

	g, err := s.deps.Grants.Issue(p.ID, p.BuyerID)
	if err != nil {
		span.RecordError(err)
		return grant.Grant{}, err
	}
	s.logger.WithField("purchase_id", p.ID).Info("Download grant issued")
	return g, nil
}

// RedeemGrant consumes a grant and returns the decrypted buyer copy. A grant
// is accepted once; it is consumed only by a redemption that succeeds.
func (s *Service) RedeemGrant(ctx context.Context, token string) (*Download, error) {
	ctx, span := tracer.Start(ctx, "purchase.redeem")
	defer span.End()

	claims, err := s.deps.Grants.Verify(token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("purchase_id", claims.PurchaseID))

	p, err := s.deps.Store.GetPurchase(ctx, claims.PurchaseID)
	if err != nil {
		return nil, err
	}
	if !sameWallet(p.BuyerID, claims.Subject) {
		return nil, fmt.Errorf("%w: grant subject mismatch", apperr.ErrGrantInvalid)
	}
	if p.Status != models.PurchaseCompleted || p.BuyerKey == nil || p.BuyerStorageRef == "" {
		return nil, apperr.NewStateError(apperr.ErrNotReady, "purchase", p.ID, "download", string(p.Status))
	}

	pod, err := s.deps.Catalog.Get(ctx, p.DataPodID)
	if err != nil {
		return nil, err
	}

	km, err := s.deps.Wrapper.Unwrap(*p.BuyerKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	plaintext, err := s.deps.Blobs.RetrieveAndDecrypt(ctx, p.BuyerStorageRef, km)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := vault.VerifyIntegrity(plaintext, pod.ContentHash); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Consumed only once the copy is readable, so a transient failure leaves
	// the grant usable.
	ttl := time.Until(claims.ExpiresAt.Time) + time.Minute
	first, err := s.deps.Replay.ConsumeOnce(ctx, claims.ID, ttl)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", apperr.ErrStorageUnavailable, err)
	}
	if !first {
		return nil, fmt.Errorf("%w: already used", apperr.ErrGrantInvalid)
	}

	s.logger.WithField("purchase_id", p.ID).Info("Download served")
	return &Download{FileName: fileName(pod), Plaintext: plaintext}, nil
}

func fileName(pod *models.DataPod) string {
	base := strings.Trim(unsafeFileChars.ReplaceAllString(strings.ToLower(pod.Title), "-"), "-.")
	if base == "" {
		base = pod.ID
	}
	return base + ".bin"
}

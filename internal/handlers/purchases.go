package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/purchase"
	"github.com/maneesh/sourcenet/internal/registry"
)

const maxJSONBody = 1 << 16

// PurchaseHandler serves the purchase endpoints.
type PurchaseHandler struct {
	purchases *purchase.Service
	registry  *registry.Registry
	logger    logrus.FieldLogger
}

// NewPurchaseHandler creates a new purchase handler
func NewPurchaseHandler(svc *purchase.Service, reg *registry.Registry, logger logrus.FieldLogger) *PurchaseHandler {
	return &PurchaseHandler{
		purchases: svc,
		registry:  reg,
		logger:    logger.WithField("component", "purchase_handler"),
	}
}

// CreatePurchaseRequest is the body of POST /v1/purchases.
type CreatePurchaseRequest struct {
	DataPodID  string `json:"datapod_id"`
	PaymentRef string `json:"payment_ref"`
	PaidAmount int64  `json:"paid_amount"`
}

// PurchaseResponse is a purchase with its audited history.
type PurchaseResponse struct {
	Purchase    *models.Purchase            `json:"purchase"`
	Replayed    bool                        `json:"replayed,omitempty"`
	Transitions []models.PurchaseTransition `json:"transitions,omitempty"`
}

// RefundRequest is the body of POST /v1/purchases/{id}/refund.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// ReviewRequest is the body of POST /v1/purchases/{id}/reviews.
type ReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// Create handles POST /v1/purchases
func (h *PurchaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := requireRequester(w, r)
	if !ok {
		return
	}
	var req CreatePurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.purchases.CreatePurchase(r.Context(), purchase.CreateInput{
		BuyerID:    buyerID,
		DataPodID:  req.DataPodID,
		PaymentRef: req.PaymentRef,
		PaidAmount: req.PaidAmount,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, PurchaseResponse{Purchase: res.Purchase, Replayed: res.Replayed})
}

// Get handles GET /v1/purchases/{id}
func (h *PurchaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	p, err := h.purchases.GetPurchase(ctx, id, requester(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	history, err := h.purchases.History(ctx, id, requester(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseResponse{Purchase: p, Transitions: history})
}

// Grant handles POST /v1/purchases/{id}/grant
func (h *PurchaseHandler) Grant(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := requireRequester(w, r)
	if !ok {
		return
	}
	g, err := h.purchases.GetDownloadGrant(r.Context(), mux.Vars(r)["id"], buyerID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Refund handles POST /v1/purchases/{id}/refund. Operator only.
func (h *PurchaseHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual refund"
	}
	p, err := h.purchases.RefundPurchase(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseResponse{Purchase: p})
}

// Review handles POST /v1/purchases/{id}/reviews
func (h *PurchaseHandler) Review(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := requireRequester(w, r)
	if !ok {
		return
	}
	var req ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	review, err := h.registry.SubmitReview(r.Context(), registry.ReviewInput{
		PurchaseID: mux.Vars(r)["id"],
		BuyerID:    buyerID,
		Rating:     req.Rating,
		Comment:    req.Comment,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("%w: malformed request body: %v", apperr.ErrInvalidMetadata, err)
	}
	return nil
}

package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/maneesh/sourcenet/internal/apperr"
	"github.com/maneesh/sourcenet/internal/models"
	"github.com/maneesh/sourcenet/internal/registry"
)

// DataPodHandler serves the catalog endpoints.
type DataPodHandler struct {
	registry *registry.Registry
	logger   logrus.FieldLogger
}

// NewDataPodHandler creates a new catalog handler
func NewDataPodHandler(reg *registry.Registry, logger logrus.FieldLogger) *DataPodHandler {
	return &DataPodHandler{
		registry: reg,
		logger:   logger.WithField("component", "datapod_handler"),
	}
}

// ListResponse is a page of published pods.
type ListResponse struct {
	DataPods []*models.DataPod `json:"datapods"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// PublishResponse reports the pod after publishing.
type PublishResponse struct {
	DataPod          *models.DataPod `json:"datapod"`
	AlreadyPublished bool            `json:"already_published"`
}

// List handles GET /v1/datapods
func (h *DataPodHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, page, err := listFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	page = registry.ClampPage(page)
	pods, err := h.registry.ListPublished(r.Context(), filter, page)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{DataPods: pods, Limit: page.Limit, Offset: page.Offset})
}

// Get handles GET /v1/datapods/{id}. Sellers see their own drafts and
// archived pods; everyone else sees published pods only.
func (h *DataPodHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	pod, err := h.registry.Get(r.Context(), id)
	if err == nil && !pod.Purchasable() && pod.SellerID != requester(r) {
		err = fmt.Errorf("%w: %s", apperr.ErrDataPodNotFound, id)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pod)
}

// Publish handles POST /v1/datapods/{id}/publish
func (h *DataPodHandler) Publish(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := requireRequester(w, r)
	if !ok {
		return
	}
	res, err := h.registry.Publish(r.Context(), mux.Vars(r)["id"], sellerID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, PublishResponse{DataPod: res.Pod, AlreadyPublished: res.AlreadyPublished})
}

// Archive handles POST /v1/datapods/{id}/archive
func (h *DataPodHandler) Archive(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := requireRequester(w, r)
	if !ok {
		return
	}
	pod, err := h.registry.Archive(r.Context(), mux.Vars(r)["id"], sellerID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pod)
}

// SellerRating handles GET /v1/sellers/{id}/rating
func (h *DataPodHandler) SellerRating(w http.ResponseWriter, r *http.Request) {
	rating, err := h.registry.SellerRating(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

// listFilter parses the query of GET /v1/datapods.
func listFilter(r *http.Request) (models.DataPodFilter, models.Page, error) {
	q := r.URL.Query()
	var (
		f   models.DataPodFilter
		p   models.Page
		err error
	)
	f.Category = q.Get("category")
	f.SellerID = q.Get("seller")
	f.Query = q.Get("q")

	ints := []struct {
		name string
		dst  *int64
	}{
		{"min_price", &f.MinPrice},
		{"max_price", &f.MaxPrice},
	}
	for _, it := range ints {
		if raw := q.Get(it.name); raw != "" {
			if *it.dst, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return f, p, fmt.Errorf("%w: %s must be an integer", apperr.ErrInvalidMetadata, it.name)
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if p.Limit, err = strconv.Atoi(raw); err != nil {
			return f, p, fmt.Errorf("%w: limit must be an integer", apperr.ErrInvalidMetadata)
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if p.Offset, err = strconv.Atoi(raw); err != nil {
			return f, p, fmt.Errorf("%w: offset must be an integer", apperr.ErrInvalidMetadata)
		}
	}
	return f, p, nil
}

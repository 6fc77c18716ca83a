package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/purchase"
)

// ReadHandler redeems download grants
type ReadHandler struct {
	purchases *purchase.Service
	logger    logrus.FieldLogger
}

// NewReadHandler creates a new read handler
func NewReadHandler(svc *purchase.Service, logger logrus.FieldLogger) *ReadHandler {
	return &ReadHandler{
		purchases: svc,
		logger:    logger.WithField("component", "read_handler"),
	}
}

// ServeHTTP handles GET /v1/downloads/{token}
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "redeem_download",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	token := mux.Vars(r)["token"]
	if token == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_metadata", Message: "missing token in path"})
		return
	}

	dl, err := rh.purchases.RedeemGrant(ctx, token)
	if err != nil {
		span.RecordError(err)
		writeError(w, rh.logger, err)
		return
	}

	span.SetAttributes(attribute.Int("size_bytes", len(dl.Plaintext)))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", dl.FileName))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(dl.Plaintext)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(dl.Plaintext); err != nil {
		rh.logger.WithError(err).Warn("download interrupted")
	}
}

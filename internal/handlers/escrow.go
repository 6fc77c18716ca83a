package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/maneesh/sourcenet/internal/escrow"
)

// EscrowHandler receives chain-confirmed settlement events.
type EscrowHandler struct {
	reconciler *escrow.Reconciler
	logger     logrus.FieldLogger
}

// NewEscrowHandler creates a new escrow webhook handler
func NewEscrowHandler(reconciler *escrow.Reconciler, logger logrus.FieldLogger) *EscrowHandler {
	return &EscrowHandler{
		reconciler: reconciler,
		logger:     logger.WithField("component", "escrow_handler"),
	}
}

// ServeHTTP handles POST /v1/escrow/events
func (eh *EscrowHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ev escrow.ChainEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, eh.logger, err)
		return
	}
	e, err := eh.reconciler.Apply(r.Context(), ev)
	if err != nil {
		writeError(w, eh.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

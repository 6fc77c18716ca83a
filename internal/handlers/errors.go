package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/maneesh/sourcenet/internal/apperr"
)

// WalletHeader carries the requester's wallet address, set by the login gateway.
const WalletHeader = "X-Wallet-Address"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// Ordered so that more specific sentinels win.
var errorMappings = []errorMapping{
	{apperr.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "payload_too_large"},
	{apperr.ErrInvalidMetadata, http.StatusBadRequest, "invalid_metadata"},
	{apperr.ErrInsufficientPayment, http.StatusBadRequest, "insufficient_payment"},
	{apperr.ErrGrantInvalid, http.StatusUnauthorized, "grant_invalid"},
	{apperr.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{apperr.ErrDataPodNotFound, http.StatusNotFound, "datapod_not_found"},
	{apperr.ErrPurchaseNotFound, http.StatusNotFound, "purchase_not_found"},
	{apperr.ErrEscrowNotFound, http.StatusNotFound, "escrow_not_found"},
	{apperr.ErrBlobNotFound, http.StatusNotFound, "blob_not_found"},
	{apperr.ErrPaymentVerificationFailed, http.StatusPaymentRequired, "payment_verification_failed"},
	{apperr.ErrPaymentNotConfirmed, http.StatusConflict, "payment_not_confirmed"},
	{apperr.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
	{apperr.ErrDecryptionFailed, http.StatusInternalServerError, "decryption_failed"},
	{apperr.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{apperr.ErrAlreadyPublished, http.StatusConflict, "already_published"},
	{apperr.ErrEscrowNotHolding, http.StatusConflict, "escrow_not_holding"},
	{apperr.ErrNotReady, http.StatusConflict, "not_ready"},
	{apperr.ErrAlreadyPurchased, http.StatusConflict, "already_purchased"},
	{apperr.ErrAlreadyReviewed, http.StatusConflict, "already_reviewed"},
	{apperr.ErrDuplicatePaymentRef, http.StatusConflict, "duplicate_payment_ref"},
}

// statusFor maps an error to its HTTP status and code.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, logger logrus.FieldLogger, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithError(err).Error("request failed")
		if code == "internal" {
			msg = "internal error"
		}
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg, Retryable: apperr.Retryable(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requester(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(WalletHeader))
}

// requireRequester writes 403 and returns false when no wallet is attached.
func requireRequester(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := requester(r)
	if id == "" {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Code: "unauthorized", Message: "missing " + WalletHeader + " header"})
		return "", false
	}
	return id, true
}

// operatorOnly guards endpoints reserved for operators and chain relays.
func operatorOnly(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: "operator_token_invalid", Message: "operator token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

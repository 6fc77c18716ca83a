// Package apperr defines the error taxonomy shared by the fulfillment pipeline.
//
// Components return (possibly wrapped) sentinels from this package so callers can
// classify failures with errors.Is or KindOf without depending on each other.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how the caller is expected to react.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindExternal      Kind = "external"
	KindIntegrity     Kind = "integrity"
	KindState         Kind = "state"
	KindInternal      Kind = "internal"
)

// Validation errors.
var (
	ErrInvalidMetadata     = errors.New("invalid metadata")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrPayloadTooLarge     = errors.New("payload too large")
)

// Authorization errors.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrGrantInvalid = errors.New("download grant invalid or already used")
)

// Not-found errors.
var (
	ErrDataPodNotFound  = errors.New("datapod not found")
	ErrPurchaseNotFound = errors.New("purchase not found")
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrBlobNotFound     = errors.New("blob not found")
)

// External-dependency errors.
var (
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
	ErrPaymentNotConfirmed       = errors.New("payment not confirmed")
	ErrStorageUnavailable        = errors.New("storage unavailable")
)

// Integrity errors.
var (
	ErrDecryptionFailed = errors.New("decryption failed")
)

// State-machine errors.
var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrAlreadyPublished       = errors.New("datapod already published")
	ErrEscrowNotHolding       = errors.New("escrow not holding")
	ErrNotReady               = errors.New("purchase not ready")
	ErrAlreadyPurchased       = errors.New("datapod already purchased by buyer")
	ErrAlreadyReviewed        = errors.New("purchase already reviewed")

	// ErrDuplicatePaymentRef is returned by stores when a payment reference is
	// already bound to a purchase. The purchase service resolves it to a replay.
	ErrDuplicatePaymentRef = errors.New("payment reference already used")
)

var kinds = map[error]Kind{
	ErrInvalidMetadata:           KindValidation,
	ErrInsufficientPayment:       KindValidation,
	ErrPayloadTooLarge:           KindValidation,
	ErrUnauthorized:              KindAuthorization,
	ErrGrantInvalid:              KindAuthorization,
	ErrDataPodNotFound:           KindNotFound,
	ErrPurchaseNotFound:          KindNotFound,
	ErrEscrowNotFound:            KindNotFound,
	ErrBlobNotFound:              KindNotFound,
	ErrPaymentVerificationFailed: KindExternal,
	ErrPaymentNotConfirmed:       KindExternal,
	ErrStorageUnavailable:        KindExternal,
	ErrDecryptionFailed:          KindIntegrity,
	ErrInvalidStateTransition:    KindState,
	ErrAlreadyPublished:          KindState,
	ErrEscrowNotHolding:          KindState,
	ErrNotReady:                  KindState,
	ErrAlreadyPurchased:          KindState,
	ErrAlreadyReviewed:           KindState,
	ErrDuplicatePaymentRef:       KindState,
}

// KindOf returns the kind of the first taxonomy sentinel found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// Retryable reports whether the same request may succeed later without changes.
func Retryable(err error) bool {
	return errors.Is(err, ErrPaymentNotConfirmed) || errors.Is(err, ErrStorageUnavailable)
}

// StateError describes a rejected state transition. It carries both the attempted
// and the actual state so racing retries can be told apart from bugs in logs.
type StateError struct {
	Err       error
	Entity    string
	ID        string
	Attempted string
	Actual    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: %v (attempted %s, actual %s)", e.Entity, e.ID, e.Err, e.Attempted, e.Actual)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// NewStateError builds a StateError around one of the state sentinels.
func NewStateError(err error, entity, id, attempted, actual string) *StateError {
	return &StateError{Err: err, Entity: entity, ID: id, Attempted: attempted, Actual: actual}
}

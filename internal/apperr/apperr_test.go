package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", ErrInsufficientPayment, KindValidation},
		{"wrapped not found", fmt.Errorf("lookup: %w", ErrDataPodNotFound), KindNotFound},
		{"integrity", ErrDecryptionFailed, KindIntegrity},
		{"state error", NewStateError(ErrEscrowNotHolding, "escrow", "p1", "released", "refunded"), KindState},
		{"unknown", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("verify: %w", ErrPaymentNotConfirmed)))
	assert.True(t, Retryable(ErrStorageUnavailable))
	assert.False(t, Retryable(ErrPaymentVerificationFailed))
	assert.False(t, Retryable(ErrDecryptionFailed))
}

func TestStateErrorMessage(t *testing.T) {
	err := NewStateError(ErrInvalidStateTransition, "purchase", "abc", "completed", "refunded")

	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Contains(t, err.Error(), "attempted completed")
	assert.Contains(t, err.Error(), "actual refunded")

	var se *StateError
	assert.True(t, errors.As(fmt.Errorf("wrap: %w", err), &se))
	assert.Equal(t, "abc", se.ID)
}

package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/sourcenet/internal/logging"
	"github.com/maneesh/sourcenet/internal/metrics"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("redis down")
}

func TestNotifier_PublishesEventsAndAlerts(t *testing.T) {
	rec := NewRecorder()
	n := New(rec, logging.Discard())
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.Alerts.WithLabelValues(AlertFulfillmentExhausted))

	n.Notify(ctx, Event{Type: EventPurchaseCompleted, PurchaseID: "p-1"})
	n.Alert(ctx, Alert{Reason: AlertFulfillmentExhausted, PurchaseID: "p-1", Detail: "gave up"})

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventPurchaseCompleted, events[0].Type)
	assert.False(t, events[0].At.IsZero())

	alerts := rec.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "p-1", alerts[0].PurchaseID)

	after := testutil.ToFloat64(metrics.Alerts.WithLabelValues(AlertFulfillmentExhausted))
	assert.Equal(t, before+1, after)
}

func TestNotifier_PublishFailureIsSwallowed(t *testing.T) {
	n := New(failingPublisher{}, logging.Discard())
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), Event{Type: EventPurchaseCreated})
		n.Alert(context.Background(), Alert{Reason: AlertEscrowConflict})
	})

	nilPub := New(nil, logging.Discard())
	assert.NotPanics(t, func() {
		nilPub.Notify(context.Background(), Event{Type: EventPurchaseCreated})
	})
}

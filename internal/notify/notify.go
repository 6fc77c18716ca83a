// Package notify emits marketplace events and operator alerts. Delivery is
// fire-and-forget: a failed publish is logged and never fails the caller.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maneesh/sourcenet/internal/metrics"
)

const (
	EventsChannel = "sourcenet.events"
	AlertsChannel = "sourcenet.alerts"
)

// Event types.
const (
	EventDataPodPublished  = "datapod.published"
	EventPurchaseCreated   = "purchase.created"
	EventPurchaseCompleted = "purchase.completed"
	EventPurchaseRefunded  = "purchase.refunded"
)

// Alert reasons.
const (
	AlertFulfillmentExhausted = "fulfillment_exhausted"
	AlertFulfillmentTerminal  = "fulfillment_terminal"
	AlertEscrowConflict       = "escrow_conflict"
	AlertRefundFailed         = "refund_failed"
)

// Publisher is satisfied by storage.RedisClient.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Event is a marketplace notification.
type Event struct {
	Type       string    `json:"type"`
	PurchaseID string    `json:"purchase_id,omitempty"`
	DataPodID  string    `json:"datapod_id,omitempty"`
	BuyerID    string    `json:"buyer_id,omitempty"`
	SellerID   string    `json:"seller_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Alert is an operator-facing failure report.
type Alert struct {
	Reason     string    `json:"reason"`
	PurchaseID string    `json:"purchase_id,omitempty"`
	Detail     string    `json:"detail"`
	At         time.Time `json:"at"`
}

// Notifier publishes events and alerts.
type Notifier struct {
	pub    Publisher
	logger logrus.FieldLogger
	now    func() time.Time
}

// New returns a Notifier. pub may be nil, in which case messages are only logged.
func New(pub Publisher, logger logrus.FieldLogger) *Notifier {
	return &Notifier{
		pub:    pub,
		logger: logger.WithField("component", "notify"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Notify publishes e on the events channel.
func (n *Notifier) Notify(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = n.now()
	}
	n.logger.WithFields(logrus.Fields{
		"event":       e.Type,
		"purchase_id": e.PurchaseID,
		"datapod_id":  e.DataPodID,
	}).Info("Event emitted")
	n.publish(ctx, EventsChannel, e)
}

// Alert logs at error level, counts the alert and publishes it.
func (n *Notifier) Alert(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = n.now()
	}
	metrics.Alerts.WithLabelValues(a.Reason).Inc()
	n.logger.WithFields(logrus.Fields{
		"alert":       a.Reason,
		"purchase_id": a.PurchaseID,
	}).Error(a.Detail)
	n.publish(ctx, AlertsChannel, a)
}

func (n *Notifier) publish(ctx context.Context, channel string, v any) {
	if n.pub == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		n.logger.WithError(err).Warn("failed to marshal notification")
		return
	}
	if err := n.pub.Publish(ctx, channel, payload); err != nil {
		n.logger.WithError(err).WithField("channel", channel).Warn("failed to publish notification")
	}
}

// Recorder is an in-process Publisher that keeps every message.
type Recorder struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{messages: make(map[string][][]byte)}
}

func (r *Recorder) Publish(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[channel] = append(r.messages[channel], append([]byte(nil), payload...))
	return nil
}

// Events decodes everything published on the events channel.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.messages[EventsChannel]))
	for _, m := range r.messages[EventsChannel] {
		var e Event
		if json.Unmarshal(m, &e) == nil {
			out = append(out, e)
		}
	}
	return out
}

// Alerts decodes everything published on the alerts channel.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, 0, len(r.messages[AlertsChannel]))
	for _, m := range r.messages[AlertsChannel] {
		var a Alert
		if json.Unmarshal(m, &a) == nil {
			out = append(out, a)
		}
	}
	return out
}

// Package payment talks to the payment-verification service that observes
// on-chain transfers.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/sourcenet/internal/apperr"
)

var tracer = otel.Tracer("sourcenet-payment")

// Verification is the verifier's view of one on-chain transaction.
type Verification struct {
	Confirmed bool   `json:"confirmed"`
	Amount    int64  `json:"amount"`
	Sender    string `json:"sender"`
}

// Client queries GET {base}/v1/transactions/{ref}?sender={buyer}.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logrus.FieldLogger
}

// NewClient builds a client with an instrumented transport.
func NewClient(baseURL string, timeout time.Duration, logger logrus.FieldLogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.WithField("component", "payment"),
	}
}

// Verify fetches the transaction. A 404 is reported as an unconfirmed
// transaction; transport failures and 5xx wrap apperr.ErrPaymentNotConfirmed.
func (c *Client) Verify(ctx context.Context, paymentRef, sender string) (*Verification, error) {
	ctx, span := tracer.Start(ctx, "payment.verify",
		trace.WithAttributes(attribute.String("payment_ref", paymentRef)),
	)
	defer span.End()

	endpoint := fmt.Sprintf("%s/v1/transactions/%s?sender=%s",
		c.baseURL, url.PathEscape(paymentRef), url.QueryEscape(sender))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: verifier timed out", apperr.ErrPaymentNotConfirmed)
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrPaymentNotConfirmed, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &Verification{Confirmed: false}, nil
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.WithFields(logrus.Fields{
			"payment_ref": paymentRef,
			"status":      resp.StatusCode,
			"body":        string(body),
		}).Warn("payment verifier unavailable")
		return nil, fmt.Errorf("%w: verifier returned %d", apperr.ErrPaymentNotConfirmed, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: verifier returned %d", apperr.ErrPaymentVerificationFailed, resp.StatusCode)
	}

	var v Verification
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&v); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: decode verifier response: %v", apperr.ErrPaymentNotConfirmed, err)
	}

	span.SetAttributes(attribute.Bool("confirmed", v.Confirmed))
	return &v, nil
}

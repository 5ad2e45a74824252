package webhook_notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tuxpay/tuxpay/internal/core/ports"
)

var DefaultRetryDelays = []time.Duration{
	time.Minute, 10 * time.Minute, time.Hour,
}

const requestTimeout = 30 * time.Second

type payload struct {
	Invoice invoicePayload `json:"invoice"`
	Payment paymentPayload `json:"payment"`
}

type invoicePayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CustomerEmail string `json:"customer_email,omitempty"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	PaymentDate   int64  `json:"payment_date,omitempty"`
}

type paymentPayload struct {
	UUID           string   `json:"uuid"`
	Symbol         string   `json:"symbol"`
	Address        string   `json:"address"`
	Status         string   `json:"status"`
	AmountSats     int64    `json:"amount_sats"`
	PaidAmountSats int64    `json:"paid_amount_sats"`
	PaymentDate    int64    `json:"payment_date,omitempty"`
	Txids          []string `json:"txids"`
}

type webhookNotifier struct {
	url         string
	client      *http.Client
	scheduler   ports.SchedulerService
	retryDelays []time.Duration
}

// New returns a notifier POSTing every invoice event as JSON to the given
// callback url. A failed delivery is retried through the scheduler after each
// of the given delays, DefaultRetryDelays if none.
func New(
	callbackURL string, scheduler ports.SchedulerService, retryDelays ...time.Duration,
) (ports.Notifier, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("invalid callback url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid callback url scheme %s", u.Scheme)
	}
	if scheduler == nil {
		return nil, fmt.Errorf("missing scheduler")
	}
	if len(retryDelays) <= 0 {
		retryDelays = DefaultRetryDelays
	}
	return &webhookNotifier{
		url:         callbackURL,
		client:      &http.Client{Timeout: requestTimeout},
		scheduler:   scheduler,
		retryDelays: retryDelays,
	}, nil
}

// Notify delivers the event right away. If that fails the retries are
// scheduled and the error of the first attempt is returned.
func (n *webhookNotifier) Notify(ctx context.Context, event ports.InvoiceEvent) error {
	body, err := json.Marshal(newPayload(event))
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	err = n.post(ctx, body)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := n.scheduleRetry(event.Invoice.ID, body, 0); err != nil {
		log.WithError(err).Warnf("webhook: failed to schedule retry for invoice %s", event.Invoice.ID)
	}
	return fmt.Errorf("delivery failed, retrying in %s: %w", n.retryDelays[0], err)
}

func (n *webhookNotifier) scheduleRetry(invoiceID string, body []byte, attempt int) error {
	at := time.Now().Add(n.retryDelays[attempt]).Unix()
	return n.scheduler.ScheduleTaskOnce(at, func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		err := n.post(ctx, body)
		if err == nil {
			log.Infof("webhook: delivered event for invoice %s at retry %d", invoiceID, attempt+1)
			return
		}
		next := attempt + 1
		if next >= len(n.retryDelays) {
			log.WithError(err).Warnf("webhook: giving up delivery for invoice %s", invoiceID)
			return
		}
		log.WithError(err).Warnf(
			"webhook: delivery for invoice %s failed, retrying in %s",
			invoiceID, n.retryDelays[next],
		)
		if err := n.scheduleRetry(invoiceID, body, next); err != nil {
			log.WithError(err).Warnf("webhook: failed to schedule retry for invoice %s", invoiceID)
		}
	})
}

func (n *webhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return nil
}

func newPayload(event ports.InvoiceEvent) payload {
	inv, p := event.Invoice, event.Payment
	txids := make([]string, 0, len(p.Transactions))
	for _, tx := range p.Transactions {
		txids = append(txids, tx.Txid)
	}
	return payload{
		Invoice: invoicePayload{
			ID:            inv.ID,
			Name:          inv.Name,
			CustomerEmail: inv.CustomerEmail,
			AmountCents:   inv.AmountCents,
			Currency:      inv.Currency,
			Status:        string(inv.Status),
			PaymentDate:   unixOrZero(inv.PaymentDate),
		},
		Payment: paymentPayload{
			UUID:           p.UUID,
			Symbol:         p.Symbol,
			Address:        p.Address,
			Status:         string(p.Status),
			AmountSats:     p.AmountSats,
			PaidAmountSats: p.PaidAmountSats,
			PaymentDate:    unixOrZero(p.PaymentDate),
			Txids:          txids,
		},
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/tuxpay/tuxpay/internal/core/ports"
	"golang.org/x/sync/errgroup"
)

type multiNotifier struct {
	notifiers []ports.Notifier
}

// NewMulti returns a notifier forwarding every event to all the given ones.
// Nil notifiers are skipped.
func NewMulti(notifiers ...ports.Notifier) ports.Notifier {
	list := make([]ports.Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			list = append(list, n)
		}
	}
	return &multiNotifier{list}
}

// Notify runs the notifiers concurrently, a slow one never delays the others.
func (m *multiNotifier) Notify(ctx context.Context, event ports.InvoiceEvent) error {
	errs := make([]error, len(m.notifiers))
	g := new(errgroup.Group)
	for i, n := range m.notifiers {
		g.Go(func() error {
			if err := n.Notify(ctx, event); err != nil {
				errs[i] = fmt.Errorf("notifier %d: %w", i, err)
			}
			return nil
		})
	}
	//nolint:errcheck
	g.Wait()
	return errors.Join(errs...)
}

// Message returns the human readable text describing an invoice event.
func Message(event ports.InvoiceEvent) string {
	inv, p := event.Invoice, event.Payment
	return fmt.Sprintf(
		"Invoice %s (%s) is %s: payment %s of %d sats to %s on %s, received %d sats",
		inv.ID, inv.Name, inv.Status, p.UUID, p.AmountSats, p.Address, p.Symbol,
		p.PaidAmountSats,
	)
}

package email_notifier

import (
	"context"
	"fmt"

	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/internal/infrastructure/notifier"
	"github.com/wneessen/go-mail"
)

type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	FromName   string
	Recipients []string
}

type emailNotifier struct {
	cfg Config
}

// New returns a notifier mailing the customer and the configured recipients
// once an invoice is confirmed. Other events are ignored.
func New(cfg Config) (ports.Notifier, error) {
	if len(cfg.Host) <= 0 {
		return nil, fmt.Errorf("missing smtp host")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid smtp port %d", cfg.Port)
	}
	if len(cfg.Username) <= 0 {
		return nil, fmt.Errorf("missing smtp username")
	}
	return &emailNotifier{cfg}, nil
}

func (n *emailNotifier) Notify(ctx context.Context, event ports.InvoiceEvent) error {
	if event.Invoice.Status != domain.InvoiceConfirmed {
		return nil
	}

	msg, err := n.newMessage(event)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	client, err := mail.NewClient(
		n.cfg.Host,
		mail.WithPort(n.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.cfg.Username),
		mail.WithPassword(n.cfg.Password),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (n *emailNotifier) newMessage(event ports.InvoiceEvent) (*mail.Msg, error) {
	recipients := make([]string, 0, len(n.cfg.Recipients)+1)
	if len(event.Invoice.CustomerEmail) > 0 {
		recipients = append(recipients, event.Invoice.CustomerEmail)
	}
	recipients = append(recipients, n.cfg.Recipients...)
	if len(recipients) <= 0 {
		return nil, nil
	}

	msg := mail.NewMsg()
	if len(n.cfg.FromName) > 0 {
		if err := msg.FromFormat(n.cfg.FromName, n.cfg.Username); err != nil {
			return nil, fmt.Errorf("invalid sender: %w", err)
		}
	} else if err := msg.From(n.cfg.Username); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.To(recipients...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(fmt.Sprintf("Payment received for %s", event.Invoice.Name))
	msg.SetBodyString(mail.TypeTextPlain, notifier.Message(event))
	return msg, nil
}

package nostr_notifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
	log "github.com/sirupsen/logrus"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/internal/infrastructure/notifier"
)

type nostrNotifier struct {
	recipient nostr.ProfilePointer
}

// New expects the recipient as NIP-19 nprofile with at least one relay.
// Events are sent as NIP-04 direct messages signed by an ephemeral key.
func New(profile string) (ports.Notifier, error) {
	recipient, err := decodeProfile(profile)
	if err != nil {
		return nil, err
	}
	return &nostrNotifier{recipient}, nil
}

func (n *nostrNotifier) Notify(ctx context.Context, event ports.InvoiceEvent) error {
	ev, err := n.newEvent(notifier.Message(event))
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	published := atomic.Bool{}

	for _, url := range n.recipient.Relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()

			relay, err := nostr.RelayConnect(ctx, relayURL)
			if err != nil {
				log.WithError(err).Warnf("nostr: failed to connect to relay %s", relayURL)
				return
			}
			defer relay.Close()

			if err := relay.Publish(ctx, *ev); err != nil {
				log.WithError(err).Warnf("nostr: failed to publish to relay %s", relayURL)
				return
			}
			published.Store(true)
		}(url)
	}
	wg.Wait()

	if !published.Load() {
		return fmt.Errorf("failed to publish to any relay")
	}
	return nil
}

func (n *nostrNotifier) newEvent(message string) (*nostr.Event, error) {
	ephemeralSec := nostr.GeneratePrivateKey()
	ephemeralPub, err := nostr.GetPublicKey(ephemeralSec)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}

	sharedSecret, err := nip04.ComputeSharedSecret(n.recipient.PublicKey, ephemeralSec)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	content, err := nip04.Encrypt(message, sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	ev := &nostr.Event{
		PubKey:    ephemeralPub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", n.recipient.PublicKey}},
		Content:   content,
	}
	if err := ev.Sign(ephemeralSec); err != nil {
		return nil, fmt.Errorf("failed to sign event: %w", err)
	}
	return ev, nil
}

func decodeProfile(profile string) (nostr.ProfilePointer, error) {
	prefix, result, err := nip19.Decode(profile)
	if err != nil {
		return nostr.ProfilePointer{}, fmt.Errorf("failed to decode nostr profile: %w", err)
	}
	if prefix != "nprofile" {
		return nostr.ProfilePointer{}, fmt.Errorf("invalid NIP-19 prefix: %s", prefix)
	}
	recipient, ok := result.(nostr.ProfilePointer)
	if !ok {
		return nostr.ProfilePointer{}, fmt.Errorf("invalid NIP-19 result: %v", result)
	}

	if !nostr.IsValidPublicKey(recipient.PublicKey) {
		return nostr.ProfilePointer{}, fmt.Errorf("invalid nostr public key: %s", recipient.PublicKey)
	}
	if len(recipient.Relays) == 0 {
		return nostr.ProfilePointer{}, fmt.Errorf("nostr profile requires at least one relay")
	}
	for _, relay := range recipient.Relays {
		if !nostr.IsValidRelayURL(relay) {
			return nostr.ProfilePointer{}, fmt.Errorf("invalid relay url: %s", relay)
		}
	}
	return recipient, nil
}

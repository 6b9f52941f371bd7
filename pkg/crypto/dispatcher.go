package crypto

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// SubscriberFunc receives every successfully decrypted pairwise envelope. The
// original outer event is available as decrypted.Source.
type SubscriberFunc func(ctx context.Context, decrypted *DecryptedOlmEvent)

// Dispatcher fans out decrypted pairwise envelopes to subscribers. Individual
// decryption failures and subscriber panics are logged and skipped, so one
// bad event or one broken subscriber cannot halt processing of a batch.
type Dispatcher struct {
	log zerolog.Logger
	olm *OlmEngine

	mu          sync.RWMutex
	subscribers []SubscriberFunc
}

func NewDispatcher(log zerolog.Logger, olm *OlmEngine) *Dispatcher {
	return &Dispatcher{
		log: log.With().Str("component", "crypto-dispatcher").Logger(),
		olm: olm,
	}
}

// Subscribe registers a subscriber for decrypted envelopes. Subscribers are
// invoked in registration order, synchronously with Dispatch.
func (d *Dispatcher) Subscribe(fn SubscriberFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, fn)
}

// Dispatch decrypts a batch of encrypted to-device events and delivers each
// successfully decrypted envelope to all subscribers.
func (d *Dispatcher) Dispatch(ctx context.Context, evts []*event.Event) {
	d.mu.RLock()
	subscribers := make([]SubscriberFunc, len(d.subscribers))
	copy(subscribers, d.subscribers)
	d.mu.RUnlock()

	for _, evt := range evts {
		decrypted, err := d.olm.DecryptOlm(ctx, evt)
		if err != nil {
			d.log.Warn().
				Str("sender", evt.Sender.String()).
				Err(err).
				Msg("Failed to decrypt to-device event, skipping")
			continue
		}
		for _, fn := range subscribers {
			d.deliver(ctx, fn, decrypted)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, fn SubscriberFunc, decrypted *DecryptedOlmEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Any("panic", r).
				Str("sender", decrypted.Sender.String()).
				Msg("Subscriber panicked while handling decrypted event")
		}
	}()
	fn(ctx, decrypted)
}

package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/payment"
)

// LogNotifier writes one structured line per published event.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev payment.Event) error {
	entry := n.Logger.Info().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("payment_id", ev.PaymentID).
		Str("order_id", ev.OrderID).
		Str("gateway", string(ev.Gateway)).
		Str("status", string(ev.Status))
	if ev.Reason != "" {
		entry = entry.Str("reason", string(ev.Reason))
	}
	entry.Msg("payment event published")
	return nil
}

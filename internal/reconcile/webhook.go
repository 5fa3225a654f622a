package reconcile

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/common"
	"github.com/noah-isme/hostpay/internal/gateway"
	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/registry"
)

// maxWebhookBytes bounds provider notification bodies.
const maxWebhookBytes = 1 << 20

// Webhook handles provider callbacks for every gateway.
type Webhook struct {
	Engine   *Engine
	Registry *registry.Registry
	Logger   zerolog.Logger
}

// Handle serves POST /api/v1/webhooks/payment/{gateway} and
// /api/v1/webhooks/payment/{gateway}/{variant}. Duplicates and unmatched
// references answer 2xx so the provider stops retrying.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil || h.Registry == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	g, err := payment.ParseGateway(chi.URLParam(r, "gateway"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown gateway", nil)
		return
	}
	parser, variant, err := h.parserFor(g, chi.URLParam(r, "variant"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, payment.ErrorCode(err), err.Error(), nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}

	log := h.Logger.With().Str("gateway", string(g)).Str("variant", variant).Logger()
	sig, err := parser.ParseWebhook(r.Context(), r, body)
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrIgnoredEvent):
		common.Data(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	case errors.Is(err, payment.ErrSignatureInvalid), errors.Is(err, payment.ErrUnverifiedWebhook):
		log.Warn().Err(err).Msg("webhook_rejected")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	case errors.Is(err, payment.ErrMalformedSignal):
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	default:
		// Upstream lookups failed; a non-2xx makes the provider redeliver.
		log.Error().Err(err).Msg("webhook parse failed")
		common.JSONError(w, payment.HTTPStatus(err), payment.ErrorCode(err), err.Error(), nil)
		return
	}

	sig.Source = payment.SourceWebhook
	if len(sig.RawPayload) == 0 {
		sig.RawPayload = body
	}
	if !sig.Verified {
		log.Warn().Str("reference", sig.ClaimedReference).Msg("webhook_unverified")
	}

	res, err := h.Engine.ApplySignal(r.Context(), g, sig)
	if err != nil {
		var unmatched *payment.UnmatchedReferenceError
		switch {
		case errors.As(err, &unmatched):
			common.Data(w, http.StatusAccepted, map[string]any{"status": "unmatched"})
		case errors.Is(err, payment.ErrMalformedSignal):
			common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		default:
			log.Error().Err(err).Msg("webhook apply failed")
			common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_APPLY_FAILED", "unable to apply notification", nil)
		}
		return
	}
	common.Data(w, http.StatusOK, res)
}

// parserFor picks the adapter that receives a notification. Gateways with a
// single slot ignore the variant; crypto without a variant falls back to the
// only configured processor.
func (h Webhook) parserFor(g payment.Gateway, variant string) (gateway.WebhookParser, string, error) {
	variant = strings.TrimSpace(variant)
	var adapter gateway.Adapter
	switch {
	case !g.RequiresVariant():
		a, err := h.Registry.Lookup(g, "")
		if err != nil {
			return nil, "", err
		}
		adapter = a
	case variant != "":
		a, err := h.Registry.Lookup(g, variant)
		if err != nil {
			return nil, variant, err
		}
		adapter = a
	default:
		candidates := h.Registry.Adapters(g)
		if len(candidates) != 1 {
			return nil, "", &payment.NotConfiguredError{Gateway: g}
		}
		adapter = candidates[0]
	}
	parser, ok := adapter.(gateway.WebhookParser)
	if !ok {
		return nil, adapter.Variant(), &payment.NotConfiguredError{Gateway: g, Variant: adapter.Variant()}
	}
	return parser, adapter.Variant(), nil
}

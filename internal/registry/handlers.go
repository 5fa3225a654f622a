package registry

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hostpay/internal/common"
	"github.com/noah-isme/hostpay/internal/gateway"
	"github.com/noah-isme/hostpay/internal/payment"
	"github.com/noah-isme/hostpay/internal/store"
)

// Handler exposes gateway status and configuration endpoints.
type Handler struct {
	Registry *Registry
	Builder  Builder
	Configs  store.GatewayConfigs
	Logger   zerolog.Logger
	Now      func() time.Time
}

type configRequest struct {
	Variant     string            `json:"variant"`
	Credentials map[string]string `json:"credentials"`
	Sandbox     bool              `json:"sandbox"`
	Enabled     *bool             `json:"enabled"`
}

type configView struct {
	payment.GatewayConfig
	CredentialKeys []string `json:"credentialKeys"`
}

func viewOf(cfg payment.GatewayConfig) configView {
	keys := make([]string, 0, len(cfg.Credentials))
	for k, v := range cfg.Credentials {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return configView{GatewayConfig: cfg, CredentialKeys: keys}
}

// List handles GET /api/v1/admin/gateways.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Registry == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "registry not configured", nil)
		return
	}
	common.Data(w, http.StatusOK, h.Registry.ListConfigured(r.Context()))
}

// Upsert handles PUT /api/v1/admin/gateways/{gateway}. Enabled configs are
// built before they are stored so bad credentials never reach the registry.
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	if h.Registry == nil || h.Builder == nil || h.Configs == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "gateway configuration not available", nil)
		return
	}
	g, err := payment.ParseGateway(chi.URLParam(r, "gateway"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, payment.ErrorCode(err), err.Error(), nil)
		return
	}
	var req configRequest
	if err := common.DecodeJSON(w, r, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	variant := payment.NormaliseVariant(g, req.Variant)
	if g.RequiresVariant() && variant == "" {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "variant is required for "+string(g), nil)
		return
	}

	cfg := payment.GatewayConfig{
		Gateway:     g,
		Variant:     variant,
		Credentials: req.Credentials,
		Sandbox:     req.Sandbox,
		Enabled:     req.Enabled == nil || *req.Enabled,
		UpdatedAt:   h.now(),
	}
	if len(cfg.Credentials) == 0 {
		existing, err := h.Configs.GetGatewayConfig(r.Context(), g, variant)
		switch {
		case err == nil:
			cfg.Credentials = existing.Credentials
		case !errors.Is(err, store.ErrNotFound):
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "load gateway config", nil)
			return
		}
	}

	var adapter gateway.Adapter
	if cfg.Enabled {
		adapter, err = h.Builder.Build(cfg)
		if err != nil {
			var notCfg *payment.NotConfiguredError
			if errors.As(err, &notCfg) {
				common.JSONError(w, http.StatusUnprocessableEntity, "NOT_CONFIGURED", err.Error(), nil)
				return
			}
			common.JSONError(w, http.StatusBadRequest, "INVALID_GATEWAY_CONFIG", err.Error(), nil)
			return
		}
	}

	saved, err := h.Configs.UpsertGatewayConfig(r.Context(), cfg)
	if err != nil {
		h.Logger.Error().Err(err).Str("gateway", string(g)).Str("variant", variant).Msg("persist gateway config")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "persist gateway config", nil)
		return
	}
	if adapter != nil {
		if err := h.Registry.Register(adapter); err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
	} else {
		h.Registry.Unregister(g, variant)
	}
	common.Data(w, http.StatusOK, viewOf(saved))
}

// Countries handles GET /api/v1/gateways/countries: the profiles of the
// countries that currently have a configured country-bank adapter.
func (h *Handler) Countries(w http.ResponseWriter, _ *http.Request) {
	out := make([]gateway.CountryProfile, 0)
	if h.Registry != nil {
		for _, a := range h.Registry.Adapters(payment.GatewayCountryBank) {
			if profile, ok := gateway.Country(a.Variant()); ok {
				out = append(out, profile)
			}
		}
	}
	common.Data(w, http.StatusOK, out)
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"onchain-agent/internal/optimizer"
	"onchain-agent/internal/provider"
	"onchain-agent/internal/x402"
)

type optimizeRequest struct {
	Prompt        string  `json:"prompt"`
	Provider      string  `json:"provider,omitempty"`
	MaxCostUSD    float64 `json:"max_cost_usd,omitempty"`
	WalletAddress string  `json:"wallet_address,omitempty"`
}

func (a *API) handleOptimize(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(a.cfg.Observer.ServiceName).Start(r.Context(), "gateway.optimize")
	defer span.End()

	var req optimizeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WalletAddress != "" && !x402.ValidAddress(req.WalletAddress) {
		writeFailure(w, http.StatusBadRequest, "invalid wallet address")
		return
	}

	plan, err := a.opt.Optimize(req.Prompt, req.Provider, req.MaxCostUSD)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, optimizer.ErrCostCapExceeded):
			writeFailure(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeFailure(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	span.SetAttributes(
		attribute.String("optimize.provider", plan.RecommendedProvider),
		attribute.Float64("optimize.savings_usd", plan.SavingsUSD),
	)

	// When a wallet rides along, the platform fee accrues against it for
	// later settlement.
	if req.WalletAddress != "" {
		if _, err := a.store.UpdateWallet(req.WalletAddress, func(wallet *Wallet) error {
			next, addErr := wallet.AccruedFees.Add(usd(plan.FeeUSD))
			if addErr != nil {
				return addErr
			}
			wallet.AccruedFees = next
			return nil
		}); err != nil {
			if errors.Is(err, ErrWalletNotFound) {
				writeFailure(w, http.StatusNotFound, "wallet not connected")
				return
			}
			writeFailure(w, http.StatusInternalServerError, "accrue fee failed")
			return
		}
	}

	rec, _ := KeyFromContext(ctx)
	_, _ = a.store.UpdateKey(rec.ID, func(k *KeyRecord) {
		k.Usage.InputTokens += plan.OptimizedTokens
		k.Usage.CostUSD += plan.OptimizedCostUSD
		k.Usage.SavedUSD += plan.SavingsUSD
	})
	_ = a.store.RecordUsage(UsageEvent{
		KeyID:       rec.ID,
		Wallet:      strings.ToLower(req.WalletAddress),
		Action:      "optimize",
		Provider:    plan.RecommendedProvider,
		Model:       plan.RecommendedModel,
		InputTokens: plan.OptimizedTokens,
		CostUSD:     plan.OptimizedCostUSD,
		SavedUSD:    plan.SavingsUSD,
		FeeUSD:      plan.FeeUSD,
	})
	a.obs.MarkOptimize(ctx, plan.RecommendedProvider)
	writeSuccess(w, http.StatusOK, plan)
}

type chatRequest struct {
	Provider      string             `json:"provider,omitempty"`
	Model         string             `json:"model,omitempty"`
	Message       string             `json:"message,omitempty"`
	Messages      []provider.Message `json:"messages,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	MaxTokens     *int               `json:"max_tokens,omitempty"`
	WalletAddress string             `json:"wallet_address"`
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(a.cfg.Observer.ServiceName).Start(r.Context(), "gateway.chat")
	defer span.End()

	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 && strings.TrimSpace(req.Message) != "" {
		req.Messages = []provider.Message{{Role: "user", Content: req.Message}}
	}
	if len(req.Messages) == 0 {
		writeFailure(w, http.StatusBadRequest, "message or messages is required")
		return
	}
	if !x402.ValidAddress(req.WalletAddress) {
		writeFailure(w, http.StatusBadRequest, "valid wallet_address is required")
		return
	}
	if _, ok := a.store.GetWallet(req.WalletAddress); !ok {
		writeFailure(w, http.StatusNotFound, "wallet not connected")
		return
	}

	providerName := strings.ToLower(strings.TrimSpace(req.Provider))
	if providerName == "" {
		providerName = strings.ToLower(a.cfg.Optimizer.DefaultProvider)
	}
	upstream, ok := a.providers[providerName]
	if !ok {
		writeFailure(w, http.StatusBadRequest, "unknown provider: "+providerName)
		return
	}
	model := strings.TrimSpace(req.Model)
	var pricing optimizer.ModelPricing
	if model == "" {
		flagship, ok := optimizer.DefaultModelFor(a.opt.Catalog(), providerName)
		if !ok {
			writeFailure(w, http.StatusBadRequest, "no models configured for provider "+providerName)
			return
		}
		model = flagship.Model
		pricing = flagship
	} else {
		found, ok := optimizer.PricingFor(a.opt.Catalog(), providerName, model)
		if !ok {
			writeFailure(w, http.StatusBadRequest, "unknown model for provider "+providerName)
			return
		}
		pricing = found
	}
	span.SetAttributes(
		attribute.String("chat.provider", providerName),
		attribute.String("chat.model", model),
	)

	start := time.Now()
	resp, err := upstream.ChatCompletion(ctx, provider.Request{
		APIKey:      a.upstreams[providerName].APIKey,
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		writeFailure(w, upstreamErrorStatus(err), err.Error())
		return
	}
	elapsed := time.Since(start)

	cost := optimizer.CostUSD(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, pricing)
	if _, err := a.store.UpdateWallet(req.WalletAddress, func(wallet *Wallet) error {
		amount := usd(cost)
		if wallet.Balance.Cmp(amount) < 0 {
			return ErrInsufficientFunds
		}
		next, subErr := wallet.Balance.Sub(amount)
		if subErr != nil {
			return subErr
		}
		wallet.Balance = next
		return nil
	}); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			writeFailure(w, http.StatusPaymentRequired, "insufficient wallet balance")
			return
		}
		writeFailure(w, http.StatusInternalServerError, "debit wallet failed")
		return
	}

	rec, _ := KeyFromContext(ctx)
	_, _ = a.store.UpdateKey(rec.ID, func(k *KeyRecord) {
		k.Usage.InputTokens += resp.Usage.PromptTokens
		k.Usage.OutputTokens += resp.Usage.CompletionTokens
		k.Usage.CostUSD += cost
	})
	_ = a.store.RecordUsage(UsageEvent{
		KeyID:        rec.ID,
		Wallet:       strings.ToLower(req.WalletAddress),
		Action:       "chat",
		Provider:     providerName,
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CostUSD:      cost,
	})
	a.obs.MarkChat(ctx, providerName, elapsed.Milliseconds())

	writeSuccess(w, http.StatusOK, map[string]any{
		"id":            resp.ID,
		"provider":      providerName,
		"model":         resp.Model,
		"content":       resp.Content,
		"finish_reason": resp.FinishReason,
		"usage":         resp.Usage,
		"cost_usd":      cost,
	})
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("wallet_address"))
	if !x402.ValidAddress(address) {
		writeFailure(w, http.StatusBadRequest, "valid wallet_address query parameter is required")
		return
	}
	if _, ok := a.store.GetWallet(address); !ok {
		writeFailure(w, http.StatusNotFound, "wallet not connected")
		return
	}
	writeSuccess(w, http.StatusOK, a.store.WalletAnalytics(address))
}

// upstreamErrorStatus maps provider sentinel errors onto gateway responses.
func upstreamErrorStatus(err error) int {
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, provider.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrAuthFailed), errors.Is(err, provider.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// Package optimizer estimates AI prompt costs and produces savings plans.
// Savings rates are a fixed per-provider table with a deterministic per-prompt
// adjustment, so identical inputs always yield identical plans.
package optimizer

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrUnknownProvider is returned when the requested provider has no pricing.
	ErrUnknownProvider = errors.New("optimizer: unknown provider")
	// ErrCostCapExceeded is returned when the optimized cost still exceeds max_cost.
	ErrCostCapExceeded = errors.New("optimizer: optimized cost exceeds max cost")
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("optimizer: prompt is empty")
)

// Plan is the result of optimizing one prompt.
type Plan struct {
	Prompt              string  `json:"prompt,omitempty"`
	OptimizedPrompt     string  `json:"optimized_prompt"`
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	RecommendedProvider string  `json:"recommended_provider"`
	RecommendedModel    string  `json:"recommended_model"`
	BaselineTokens      int64   `json:"baseline_tokens"`
	OptimizedTokens     int64   `json:"optimized_tokens"`
	BaselineCostUSD     float64 `json:"baseline_cost_usd"`
	OptimizedCostUSD    float64 `json:"optimized_cost_usd"`
	SavingsUSD          float64 `json:"savings_usd"`
	SavingsPercent      float64 `json:"savings_percentage"`
	FeeUSD              float64 `json:"fee_usd"`
}

// Optimizer turns prompts into savings plans against a pricing catalog.
type Optimizer struct {
	catalog         []ModelPricing
	defaultProvider string
	feePercent      float64
}

// New creates an Optimizer. An empty catalog falls back to the built-in one.
func New(catalog []ModelPricing, defaultProvider string, feePercent float64) *Optimizer {
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	if strings.TrimSpace(defaultProvider) == "" {
		defaultProvider = "openai"
	}
	if feePercent <= 0 || feePercent >= 100 {
		feePercent = 20
	}
	return &Optimizer{
		catalog:         catalog,
		defaultProvider: strings.ToLower(defaultProvider),
		feePercent:      feePercent,
	}
}

// Catalog exposes the pricing table for the providers endpoint.
func (o *Optimizer) Catalog() []ModelPricing {
	out := make([]ModelPricing, len(o.catalog))
	copy(out, o.catalog)
	return out
}

// Optimize produces a savings plan for the prompt. maxCostUSD <= 0 means no cap.
func (o *Optimizer) Optimize(prompt, provider string, maxCostUSD float64) (Plan, error) {
	if strings.TrimSpace(prompt) == "" {
		return Plan{}, ErrEmptyPrompt
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = o.defaultProvider
	}
	baseline, ok := DefaultModelFor(o.catalog, provider)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	optimizedPrompt := TrimPrompt(prompt)
	baselineIn := EstimateTokens(prompt)
	optimizedIn := EstimateTokens(optimizedPrompt)
	baselineOut := estimateCompletionTokens(baselineIn)
	optimizedOut := estimateCompletionTokens(optimizedIn)

	baselineCost := CostUSD(baselineIn, baselineOut, baseline)

	// Route to the cheapest capable model across the whole catalog and apply
	// the provider savings rate on top of the trimmed prompt.
	recommended := baseline
	for _, name := range Providers(o.catalog) {
		candidate, ok := cheapestFor(o.catalog, name)
		if !ok {
			continue
		}
		if CostUSD(optimizedIn, optimizedOut, candidate) < CostUSD(optimizedIn, optimizedOut, recommended) {
			recommended = candidate
		}
	}
	rateBP := savingsRateBP[strings.ToLower(recommended.Provider)] + jitterBP(prompt)
	optimizedCost := CostUSD(optimizedIn, optimizedOut, recommended) * (1 - float64(rateBP)/10000)
	if optimizedCost > baselineCost {
		optimizedCost = baselineCost
	}
	if maxCostUSD > 0 && optimizedCost > maxCostUSD {
		return Plan{}, fmt.Errorf("%w: %.6f > %.6f", ErrCostCapExceeded, optimizedCost, maxCostUSD)
	}

	savings := baselineCost - optimizedCost
	plan := Plan{
		Prompt:              prompt,
		OptimizedPrompt:     optimizedPrompt,
		Provider:            strings.ToLower(baseline.Provider),
		Model:               baseline.Model,
		RecommendedProvider: strings.ToLower(recommended.Provider),
		RecommendedModel:    recommended.Model,
		BaselineTokens:      baselineIn,
		OptimizedTokens:     optimizedIn,
		BaselineCostUSD:     baselineCost,
		OptimizedCostUSD:    optimizedCost,
		SavingsUSD:          savings,
		FeeUSD:              savings * o.feePercent / 100,
	}
	if baselineCost > 0 {
		plan.SavingsPercent = savings / baselineCost * 100
	}
	return plan, nil
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	fillerPhrases = []string{
		"please ",
		"could you please ",
		"could you ",
		"would you kindly ",
		"i would like you to ",
		"i want you to ",
		"if possible, ",
		"kindly ",
	}
)

// TrimPrompt collapses whitespace and strips leading filler phrases.
// The trimmed prompt is what actually gets sent upstream.
func TrimPrompt(prompt string) string {
	out := whitespaceRun.ReplaceAllString(strings.TrimSpace(prompt), " ")
	lower := strings.ToLower(out)
	for _, filler := range fillerPhrases {
		if strings.HasPrefix(lower, filler) {
			out = out[len(filler):]
			lower = lower[len(filler):]
		}
	}
	return out
}

// jitterBP derives a small deterministic basis-point adjustment (±25bp) from
// the prompt itself, replacing the random jitter of the original estimator.
func jitterBP(prompt string) int {
	digest := sha256.Sum256([]byte(prompt))
	v := binary.BigEndian.Uint16(digest[:2])
	return int(v%51) - 25
}

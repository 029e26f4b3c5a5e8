package optimizer

// EstimateTokens provides a rough token count estimate for a prompt.
// Uses the approximation: ~4 chars per token + a small fixed overhead.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	// ~4 chars per token plus base request overhead
	return int64(len(text))/4 + 3
}

// estimateCompletionTokens guesses how many tokens a completion will use.
// Responses tend to run about half the prompt length, clamped to a sane range.
func estimateCompletionTokens(promptTokens int64) int64 {
	est := promptTokens / 2
	if est < 64 {
		est = 64
	}
	if est > 1024 {
		est = 1024
	}
	return est
}

// CostUSD computes the USD cost of a request given token counts and pricing.
func CostUSD(inputTokens, outputTokens int64, pricing ModelPricing) float64 {
	return float64(inputTokens)/1000*pricing.InputPer1K +
		float64(outputTokens)/1000*pricing.OutputPer1K
}

// Package cost estimates and prices LLM calls: a pre-execution token
// estimate from prompt sizes, and the exact post-execution cents conversion
// from real token counts.
package cost

import "math"

// TokenUsage aggregates token consumption for a single LLM call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Estimate produces a pre-execution token estimate from the composed
// prompt and system-prompt lengths: inputTokens = ceil((|prompt|+|system|)/4),
// outputTokens = ceil(inputTokens * 0.5).
func Estimate(prompt, system string) TokenUsage {
	input := int(math.Ceil(float64(len(prompt)+len(system)) / 4.0))
	output := int(math.Ceil(float64(input) * 0.5))
	return TokenUsage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}

// CentsForTokens converts a token count to cost in cents at ratePerMillion,
// rounded to 6 decimal places.
func CentsForTokens(tokens int, ratePerMillion float64) float64 {
	cents := (float64(tokens) / 1e6) * ratePerMillion
	return math.Round(cents*1e6) / 1e6
}

// ActualCost computes the exact post-execution cost from real input/output
// token counts and their respective per-million rates.
func ActualCost(usage TokenUsage, inputRatePerMillion, outputRatePerMillion float64) float64 {
	inputCents := CentsForTokens(usage.InputTokens, inputRatePerMillion)
	outputCents := CentsForTokens(usage.OutputTokens, outputRatePerMillion)
	return math.Round((inputCents+outputCents)*1e6) / 1e6
}

package llm

// Price is the USD cost per one million tokens
type Price struct {
	Input  float64
	Output float64
}

// Pricing maps model names to token prices. Unknown models cost nothing.
var Pricing = map[string]Price{
	"gpt-4o-mini":               {Input: 0.15, Output: 0.60},
	"gpt-4o":                    {Input: 2.50, Output: 10.00},
	"gpt-4.1-mini":              {Input: 0.40, Output: 1.60},
	"gpt-3.5-turbo":             {Input: 0.50, Output: 1.50},
	"claude-haiku-4-5-20251001": {Input: 1.00, Output: 5.00},
	"claude-sonnet-4-5":         {Input: 3.00, Output: 15.00},
}

// Cost returns the USD cost of a call
func Cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := Pricing[model]
	if !ok {
		return 0
	}
	return (float64(promptTokens)*price.Input + float64(completionTokens)*price.Output) / 1_000_000
}

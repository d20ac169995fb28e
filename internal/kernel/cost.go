package kernel

import "sync"

// ModelPricing gives input/output token costs, in USD per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing mirrors the major providers the reference worker
// can target. Update as providers change pricing.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// CostTracker attributes token usage to a dollar cost per run, using a
// static per-model pricing table. Supplements the data model's
// total_tokens_used field with a dollar figure; it never changes
// whether a run succeeds or fails.
type CostTracker struct {
	mu         sync.Mutex
	pricing    map[string]ModelPricing
	costByRun  map[string]float64
	costByModel map[string]float64
}

// NewCostTracker creates a tracker using the default pricing table.
func NewCostTracker() *CostTracker {
	return &CostTracker{
		pricing:     defaultModelPricing,
		costByRun:   make(map[string]float64),
		costByModel: make(map[string]float64),
	}
}

// Record attributes an invocation's input/output token counts to runID
// and model, returning the incremental cost in USD.
func (c *CostTracker) Record(runID, model string, inputTokens, outputTokens int) float64 {
	pricing, known := c.pricing[model]
	if !known {
		return 0
	}
	cost := float64(inputTokens)/1_000_000*pricing.InputPer1M +
		float64(outputTokens)/1_000_000*pricing.OutputPer1M

	c.mu.Lock()
	c.costByRun[runID] += cost
	c.costByModel[model] += cost
	c.mu.Unlock()
	return cost
}

// RunCost returns the cumulative cost attributed to runID.
func (c *CostTracker) RunCost(runID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.costByRun[runID]
}

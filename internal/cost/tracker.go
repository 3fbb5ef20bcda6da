// Package cost estimates tokens, prices executions, and enforces budgets.
package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/data"
	"github.com/oxidehq/oxide/internal/logging"
	"github.com/oxidehq/oxide/pkg/types"
)

// Tracker records per-execution cost rows and answers aggregation queries.
type Tracker struct {
	store *data.Store
	log   zerolog.Logger
}

// New builds a Tracker over the store.
func New(store *data.Store) *Tracker {
	return &Tracker{store: store, log: logging.Component("cost")}
}

// SeedPricing inserts zero-cost pricing rows for local services that have
// none yet. Local backends are free; hosted services get real prices from
// the config layer.
func (t *Tracker) SeedPricing(ctx context.Context, services []string, currency string) error {
	for _, svc := range services {
		existing, err := t.store.GetPricing(ctx, svc)
		if err != nil {
			return fmt.Errorf("read pricing for %s: %w", svc, err)
		}
		if existing != nil {
			continue
		}
		if err := t.store.SetPricing(ctx, types.Pricing{Service: svc, Currency: currency}); err != nil {
			return fmt.Errorf("seed pricing for %s: %w", svc, err)
		}
	}
	return nil
}

// Record inserts one cost row. Token counts of zero are estimated from the
// corresponding text as max(1, len/4). An unknown service prices at zero
// with a warning rather than failing the request.
func (t *Tracker) Record(ctx context.Context, taskID, service string, tokensIn, tokensOut int, promptText, responseText string) (*types.CostRecord, error) {
	if tokensIn <= 0 {
		tokensIn = estimate(promptText)
	}
	if tokensOut <= 0 {
		tokensOut = estimate(responseText)
	}

	pricing, err := t.store.GetPricing(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("read pricing: %w", err)
	}
	if pricing == nil {
		t.log.Warn().Str("service", service).Msg("no pricing for service, recording zero cost")
		pricing = &types.Pricing{Service: service}
	}

	rec := &types.CostRecord{
		TaskID:       taskID,
		Service:      service,
		InputTokens:  tokensIn,
		OutputTokens: tokensOut,
		Cost:         float64(tokensIn)*pricing.InputPerToken + float64(tokensOut)*pricing.OutputPerToken,
		Timestamp:    time.Now(),
	}
	if err := t.store.InsertCost(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert cost record: %w", err)
	}

	t.log.Debug().Str("task", taskID).Str("service", service).
		Int("tokens_in", tokensIn).Int("tokens_out", tokensOut).
		Float64("cost", rec.Cost).Msg("cost recorded")
	return rec, nil
}

// estimate approximates token count from text length, never below one.
func estimate(text string) int {
	n := types.EstimateTokens(text)
	if n < 1 {
		return 1
	}
	return n
}

// SetBudget activates a budget for a period (a year-month key such as
// "2026-08"), deactivating any prior active budget for the same period.
func (t *Tracker) SetBudget(ctx context.Context, period string, limit, alertFraction float64) (*types.Budget, error) {
	if _, err := periodRange(period); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("budget limit must be positive")
	}
	if alertFraction < 0 || alertFraction > 1 {
		return nil, fmt.Errorf("alert fraction must be within [0,1]")
	}
	return t.store.SetBudget(ctx, period, limit, alertFraction)
}

// CheckBudget sums the period's spend against its active budget. Returns
// nil when no budget is active or spending is below the alert fraction.
func (t *Tracker) CheckBudget(ctx context.Context, period string) (*types.BudgetStatus, error) {
	budget, err := t.store.ActiveBudget(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("read active budget: %w", err)
	}
	if budget == nil {
		return nil, nil
	}

	bounds, err := periodRange(period)
	if err != nil {
		return nil, err
	}
	current, err := t.store.TotalCostBetween(ctx, bounds[0], bounds[1])
	if err != nil {
		return nil, fmt.Errorf("sum period costs: %w", err)
	}

	ratio := current / budget.Limit
	if ratio < budget.AlertFraction {
		return nil, nil
	}
	return &types.BudgetStatus{
		Period:        period,
		Limit:         budget.Limit,
		Current:       current,
		Ratio:         ratio,
		AlertFraction: budget.AlertFraction,
		Exceeded:      ratio >= 1,
	}, nil
}

// Total sums spend between from and to.
func (t *Tracker) Total(ctx context.Context, from, to time.Time) (float64, error) {
	return t.store.TotalCostBetween(ctx, from, to)
}

// ByService breaks spend down per service since a point in time.
func (t *Tracker) ByService(ctx context.Context, since time.Time) ([]types.ServiceCost, error) {
	return t.store.CostsByService(ctx, since)
}

// Daily buckets spend per day over the last n days.
func (t *Tracker) Daily(ctx context.Context, days int) ([]types.DailyCost, error) {
	return t.store.DailyCosts(ctx, days)
}

// TokenTotals sums token consumption since a point in time.
func (t *Tracker) TokenTotals(ctx context.Context, since time.Time) (types.TokenTotals, error) {
	return t.store.TokenTotals(ctx, since)
}

// periodRange parses a year-month key into its [start, end) bounds.
func periodRange(period string) ([2]time.Time, error) {
	start, err := time.ParseInLocation("2006-01", period, time.Local)
	if err != nil {
		return [2]time.Time{}, fmt.Errorf("period must be YYYY-MM: %w", err)
	}
	return [2]time.Time{start, start.AddDate(0, 1, 0)}, nil
}

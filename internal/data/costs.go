package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oxidehq/oxide/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COST OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// InsertCost appends an immutable billing row and fills in its generated ID.
func (s *Store) InsertCost(ctx context.Context, rec *types.CostRecord) error {
	if rec.TaskID == "" {
		return fmt.Errorf("cost record task ID cannot be empty")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO costs (task_id, service, input_tokens, output_tokens, cost, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.Service, rec.InputTokens, rec.OutputTokens, rec.Cost, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert cost: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// TotalCostBetween sums spend over [from, to).
func (s *Store) TotalCostBetween(ctx context.Context, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost) FROM costs WHERE timestamp >= ? AND timestamp < ?
	`, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum costs: %w", err)
	}
	return total.Float64, nil
}

// CostsByService aggregates spend, tokens, and request counts per service
// since the given time, most expensive first.
func (s *Store) CostsByService(ctx context.Context, since time.Time) ([]types.ServiceCost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, SUM(cost), SUM(input_tokens), SUM(output_tokens), COUNT(*)
		FROM costs
		WHERE timestamp >= ?
		GROUP BY service
		ORDER BY SUM(cost) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query costs by service: %w", err)
	}
	defer rows.Close()

	var out []types.ServiceCost
	for rows.Next() {
		var sc types.ServiceCost
		if err := rows.Scan(&sc.Service, &sc.Cost, &sc.InputTokens, &sc.OutputTokens, &sc.Requests); err != nil {
			return nil, fmt.Errorf("scan service cost: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DailyCosts buckets spend by calendar day for the last N days, oldest
// first.
func (s *Store) DailyCosts(ctx context.Context, days int) ([]types.DailyCost, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx, `
		SELECT date(timestamp), SUM(cost)
		FROM costs
		WHERE timestamp >= ?
		GROUP BY date(timestamp)
		ORDER BY date(timestamp)
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query daily costs: %w", err)
	}
	defer rows.Close()

	var out []types.DailyCost
	for rows.Next() {
		var dc types.DailyCost
		if err := rows.Scan(&dc.Day, &dc.Cost); err != nil {
			return nil, fmt.Errorf("scan daily cost: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// TokenTotals sums token consumption since the given time.
func (s *Store) TokenTotals(ctx context.Context, since time.Time) (types.TokenTotals, error) {
	var in, out sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(input_tokens), SUM(output_tokens) FROM costs WHERE timestamp >= ?
	`, since).Scan(&in, &out)
	if err != nil {
		return types.TokenTotals{}, fmt.Errorf("sum tokens: %w", err)
	}
	return types.TokenTotals{InputTokens: in.Int64, OutputTokens: out.Int64}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRICING OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SetPricing upserts the per-token rates for a service.
func (s *Store) SetPricing(ctx context.Context, p types.Pricing) error {
	if p.Service == "" {
		return fmt.Errorf("pricing service cannot be empty")
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing (service, input_per_token, output_per_token, currency, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			input_per_token = excluded.input_per_token,
			output_per_token = excluded.output_per_token,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`, p.Service, p.InputPerToken, p.OutputPerToken, p.Currency, time.Now())
	if err != nil {
		return fmt.Errorf("upsert pricing: %w", err)
	}
	return nil
}

// GetPricing returns the rates for a service, or nil when none have been
// recorded. Local backends typically have no pricing row and bill at zero.
func (s *Store) GetPricing(ctx context.Context, service string) (*types.Pricing, error) {
	var p types.Pricing
	err := s.db.QueryRowContext(ctx, `
		SELECT service, input_per_token, output_per_token, currency
		FROM pricing WHERE service = ?
	`, service).Scan(&p.Service, &p.InputPerToken, &p.OutputPerToken, &p.Currency)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query pricing: %w", err)
	}
	return &p, nil
}

// ListPricing returns every pricing row.
func (s *Store) ListPricing(ctx context.Context) ([]types.Pricing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, input_per_token, output_per_token, currency
		FROM pricing ORDER BY service
	`)
	if err != nil {
		return nil, fmt.Errorf("query pricing: %w", err)
	}
	defer rows.Close()

	var out []types.Pricing
	for rows.Next() {
		var p types.Pricing
		if err := rows.Scan(&p.Service, &p.InputPerToken, &p.OutputPerToken, &p.Currency); err != nil {
			return nil, fmt.Errorf("scan pricing: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUDGET OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SetBudget activates a new budget for the period, deactivating any
// previous budget for the same period.
func (s *Store) SetBudget(ctx context.Context, period string, limit, alertFraction float64) (*types.Budget, error) {
	if period == "" {
		return nil, fmt.Errorf("budget period cannot be empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("budget limit must be positive, got %v", limit)
	}
	if alertFraction <= 0 || alertFraction > 1 {
		alertFraction = 0.8
	}

	budget := &types.Budget{
		Period:        period,
		Limit:         limit,
		AlertFraction: alertFraction,
		Active:        true,
		CreatedAt:     time.Now(),
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE budgets SET active = 0 WHERE period = ? AND active = 1
		`, period); err != nil {
			return fmt.Errorf("deactivate previous budget: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO budgets (period, spend_limit, alert_fraction, active, created_at)
			VALUES (?, ?, ?, 1, ?)
		`, period, limit, alertFraction, budget.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert budget: %w", err)
		}

		if id, err := res.LastInsertId(); err == nil {
			budget.ID = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return budget, nil
}

// ActiveBudget returns the active budget for a period, or nil when none is
// set.
func (s *Store) ActiveBudget(ctx context.Context, period string) (*types.Budget, error) {
	var b types.Budget
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, period, spend_limit, alert_fraction, active, created_at
		FROM budgets
		WHERE period = ? AND active = 1
		ORDER BY created_at DESC
		LIMIT 1
	`, period).Scan(&b.ID, &b.Period, &b.Limit, &b.AlertFraction, &active, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query budget: %w", err)
	}
	b.Active = active == 1
	return &b, nil
}

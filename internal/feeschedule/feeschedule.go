// Package feeschedule holds the CPAP rental program fee schedule: the
// seeded default list and a JSON loader for alternate schedules.
package feeschedule

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/sleepfirst/eobcalc/internal/allocation"
)

// Default returns the standard CPAP fee schedule: two rental items over a
// ten-month term plus the one-time supplies dispensed at setup.
func Default() []allocation.FeeScheduleItem {
	return []allocation.FeeScheduleItem{
		{Code: "E0601", Description: "Device Rental", Charge: decimal.RequireFromString("73.18"), Kind: allocation.Monthly, TotalMonths: 10},
		{Code: "E0562", Description: "Humidifier Rental", Charge: decimal.RequireFromString("22.38"), Kind: allocation.Monthly, TotalMonths: 10},
		{Code: "A7037", Description: "Mask Setup", Charge: decimal.RequireFromString("25.52"), Kind: allocation.OneTime},
		{Code: "A7038", Description: "Mask Cushion", Charge: decimal.RequireFromString("3.69"), Kind: allocation.OneTime},
		{Code: "A7034", Description: "Humidifier", Charge: decimal.RequireFromString("142.03"), Kind: allocation.OneTime},
		{Code: "A7035", Description: "Tubing", Charge: decimal.RequireFromString("27.22"), Kind: allocation.OneTime},
		{Code: "A7033", Description: "Filter Kit", Charge: decimal.RequireFromString("53.03"), Kind: allocation.OneTime},
	}
}

type itemJSON struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Charge      decimal.Decimal `json:"charge"`
	Kind        string          `json:"kind"`
	TotalMonths int             `json:"total_months,omitempty"`
}

// LoadFile reads a fee schedule from a JSON file. Each entry needs a code,
// a non-negative charge, and a kind of "one-time" or "monthly"; monthly
// entries also need a positive total_months.
func LoadFile(path string) ([]allocation.FeeScheduleItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fee schedule file: %w", err)
	}

	var entries []itemJSON
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse fee schedule file: %w", err)
	}

	items := make([]allocation.FeeScheduleItem, 0, len(entries))
	for i, e := range entries {
		if e.Code == "" {
			return nil, fmt.Errorf("fee schedule entry %d: code is required", i)
		}
		if e.Charge.IsNegative() {
			return nil, fmt.Errorf("fee schedule entry %s: charge must be non-negative", e.Code)
		}
		kind := allocation.ChargeKind(e.Kind)
		switch kind {
		case allocation.OneTime:
		case allocation.Monthly:
			if e.TotalMonths <= 0 {
				return nil, fmt.Errorf("fee schedule entry %s: monthly items need total_months > 0", e.Code)
			}
		default:
			return nil, fmt.Errorf("fee schedule entry %s: unknown kind %q", e.Code, e.Kind)
		}
		items = append(items, allocation.FeeScheduleItem{
			Code:        e.Code,
			Description: e.Description,
			Charge:      e.Charge,
			Kind:        kind,
			TotalMonths: e.TotalMonths,
		})
	}

	return items, nil
}

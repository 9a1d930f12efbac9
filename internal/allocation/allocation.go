package allocation

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChargeKind distinguishes one-time supply charges from recurring rental charges.
type ChargeKind string

const (
	OneTime ChargeKind = "one-time"
	Monthly ChargeKind = "monthly"
)

// FeeScheduleItem is a single billable line of the rental program fee schedule.
type FeeScheduleItem struct {
	Code        string
	Description string
	Charge      decimal.Decimal
	Kind        ChargeKind
	// TotalMonths is the rental duration for Monthly items; ignored for OneTime.
	TotalMonths int
}

// InsuranceParameters are the patient's plan values used to split each
// month's allowed amount between patient and insurance.
type InsuranceParameters struct {
	EffectiveDate   time.Time
	DeductibleTotal decimal.Decimal
	DeductibleMet   decimal.Decimal
	OOPMax          decimal.Decimal
	OOPMet          decimal.Decimal
	// CoinsuranceRate is a fraction in [0,1], not a percentage.
	CoinsuranceRate decimal.Decimal
	// DeductibleResetDate marks the annual deductible reset; only its
	// calendar month is used.
	DeductibleResetDate time.Time
}

// SetupCharge is one row of the "due now" table: every one-time supply plus
// the first month of each rental item.
type SetupCharge struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
}

// MonthlyAllocation is one row of the rental amortization table.
type MonthlyAllocation struct {
	Month         string          `json:"month"`
	PatientPays   decimal.Decimal `json:"patient_pays"`
	InsurancePays decimal.Decimal `json:"insurance_pays"`
}

// Totals contains the roll-up values shown in the estimate summary.
type Totals struct {
	EstimatedPatient   decimal.Decimal `json:"estimated_patient"`
	EstimatedInsurance decimal.Decimal `json:"estimated_insurance"`
	SupplyTotal        decimal.Decimal `json:"supply_total"`
	MonthlyTotal       decimal.Decimal `json:"monthly_total"`
	TotalAllUpfront    decimal.Decimal `json:"total_all_upfront"`
}

// BuildSetupCharges expands the fee schedule into the setup-charges table.
// One-time items carry their charge as-is; monthly items contribute their
// first-month charge, labeled so the document reads unambiguously. Input
// order is preserved.
func BuildSetupCharges(schedule []FeeScheduleItem) []SetupCharge {
	charges := make([]SetupCharge, 0, len(schedule))
	for _, item := range schedule {
		desc := item.Description
		if item.Kind == Monthly {
			desc += " (1st Month)"
		}
		charges = append(charges, SetupCharge{
			Code:        item.Code,
			Description: desc,
			Price:       item.Charge.Round(2),
		})
	}
	return charges
}

// BuildMonthlySchedule amortizes the recurring rental charges from month 2
// through the longest rental duration. Month 1 lives in the setup table and
// is never repeated here.
//
// Each month runs two phases over the allowed amount: first any remaining
// deductible (patient pays dollar-for-dollar), then coinsurance on the
// remainder, capped by the remaining out-of-pocket maximum. Once the OOP
// max is exhausted insurance covers the remainder in full. The deductible
// resets to its full amount every time the iteration passes through the
// reset month; the OOP balance never resets.
//
// An item stops contributing to the allowed amount once its own TotalMonths
// is exhausted, so schedules with mixed rental durations taper instead of
// billing retired items.
func BuildMonthlySchedule(schedule []FeeScheduleItem, params InsuranceParameters) []MonthlyAllocation {
	maxMonths := 0
	for _, item := range schedule {
		if item.Kind == Monthly && item.TotalMonths > maxMonths {
			maxMonths = item.TotalMonths
		}
	}
	if maxMonths < 2 {
		return nil
	}

	zero := decimal.Zero
	dedRemaining := decimal.Max(params.DeductibleTotal.Sub(params.DeductibleMet), zero)
	oopRemaining := decimal.Max(params.OOPMax.Sub(params.OOPMet), zero)
	resetMonth := params.DeductibleResetDate.Month()

	allocations := make([]MonthlyAllocation, 0, maxMonths-1)
	for m := 2; m <= maxMonths; m++ {
		allowed := zero
		for _, item := range schedule {
			if item.Kind == Monthly && m <= item.TotalMonths {
				allowed = allowed.Add(item.Charge)
			}
		}

		monthIndex := (int(params.EffectiveDate.Month())+m-2)%12 + 1
		month := time.Month(monthIndex)
		if month == resetMonth {
			dedRemaining = params.DeductibleTotal
		}

		use := decimal.Min(allowed, dedRemaining)
		patient := use
		dedRemaining = dedRemaining.Sub(use)
		remainder := allowed.Sub(use)

		insurance := zero
		if remainder.IsPositive() {
			if oopRemaining.IsPositive() {
				coins := decimal.Min(remainder.Mul(params.CoinsuranceRate), oopRemaining)
				patient = patient.Add(coins)
				insurance = remainder.Sub(coins)
				oopRemaining = oopRemaining.Sub(coins)
			} else {
				insurance = remainder
			}
		}

		allocations = append(allocations, MonthlyAllocation{
			Month:         month.String(),
			PatientPays:   patient.Round(2),
			InsurancePays: insurance.Round(2),
		})
	}

	return allocations
}

// ComputeTotals rolls up the estimate summary. It takes the setup rows
// rather than re-deriving them from the fee schedule so that user edits to
// setup prices flow into the totals. Totals are sums of already-rounded row
// values.
func ComputeTotals(setup []SetupCharge, schedule []MonthlyAllocation, fees []FeeScheduleItem) Totals {
	totals := Totals{
		EstimatedPatient:   decimal.Zero,
		EstimatedInsurance: decimal.Zero,
		SupplyTotal:        decimal.Zero,
		MonthlyTotal:       decimal.Zero,
	}

	for _, row := range setup {
		totals.EstimatedPatient = totals.EstimatedPatient.Add(row.Price)
	}
	for _, row := range schedule {
		totals.EstimatedPatient = totals.EstimatedPatient.Add(row.PatientPays)
		totals.EstimatedInsurance = totals.EstimatedInsurance.Add(row.InsurancePays)
	}

	maxMonths := 0
	for _, item := range fees {
		switch item.Kind {
		case OneTime:
			totals.SupplyTotal = totals.SupplyTotal.Add(item.Charge)
		case Monthly:
			totals.MonthlyTotal = totals.MonthlyTotal.Add(item.Charge)
			if item.TotalMonths > maxMonths {
				maxMonths = item.TotalMonths
			}
		}
	}

	totals.TotalAllUpfront = totals.SupplyTotal.Add(
		totals.MonthlyTotal.Mul(decimal.NewFromInt(int64(maxMonths))),
	).Round(2)
	totals.EstimatedPatient = totals.EstimatedPatient.Round(2)
	totals.EstimatedInsurance = totals.EstimatedInsurance.Round(2)
	totals.SupplyTotal = totals.SupplyTotal.Round(2)
	totals.MonthlyTotal = totals.MonthlyTotal.Round(2)

	return totals
}

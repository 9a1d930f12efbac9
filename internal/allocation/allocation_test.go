package allocation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cpapSchedule() []FeeScheduleItem {
	return []FeeScheduleItem{
		{Code: "E0601", Description: "Device Rental", Charge: dec("73.18"), Kind: Monthly, TotalMonths: 10},
		{Code: "E0562", Description: "Humidifier Rental", Charge: dec("22.38"), Kind: Monthly, TotalMonths: 10},
		{Code: "A7037", Description: "Mask Setup", Charge: dec("25.52"), Kind: OneTime},
		{Code: "A7038", Description: "Mask Cushion", Charge: dec("3.69"), Kind: OneTime},
		{Code: "A7034", Description: "Humidifier", Charge: dec("142.03"), Kind: OneTime},
		{Code: "A7035", Description: "Tubing", Charge: dec("27.22"), Kind: OneTime},
		{Code: "A7033", Description: "Filter Kit", Charge: dec("53.03"), Kind: OneTime},
	}
}

func decEqual(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Fatalf("%s = %s, want %s", name, got, want)
	}
}

func TestBuildSetupCharges_LabelsAndOrder(t *testing.T) {
	charges := BuildSetupCharges(cpapSchedule())

	if len(charges) != 7 {
		t.Fatalf("expected 7 setup rows, got %d", len(charges))
	}
	if charges[0].Description != "Device Rental (1st Month)" {
		t.Fatalf("monthly item not labeled: %q", charges[0].Description)
	}
	if charges[2].Description != "Mask Setup" {
		t.Fatalf("one-time item relabeled: %q", charges[2].Description)
	}

	total := decimal.Zero
	for _, c := range charges {
		total = total.Add(c.Price)
	}
	// 251.49 in one-time supplies plus the 73.18 and 22.38 first rental months.
	decEqual(t, "setup total", total, dec("347.05"))
}

func TestBuildMonthlySchedule_CoinsurancePhaseExample(t *testing.T) {
	params := InsuranceParameters{
		EffectiveDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DeductibleTotal:     dec("350"),
		DeductibleMet:       dec("350"),
		OOPMax:              dec("4000"),
		OOPMet:              dec("912.51"),
		CoinsuranceRate:     dec("0.20"),
		DeductibleResetDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	schedule := BuildMonthlySchedule(cpapSchedule(), params)

	if len(schedule) != 9 {
		t.Fatalf("expected 9 allocations (months 2-10), got %d", len(schedule))
	}
	if schedule[0].Month != "February" {
		t.Fatalf("expected month 2 to be February, got %s", schedule[0].Month)
	}
	decEqual(t, "month 2 patient", schedule[0].PatientPays, dec("19.11"))
	decEqual(t, "month 2 insurance", schedule[0].InsurancePays, dec("76.45"))
}

func TestBuildMonthlySchedule_DeductiblePhaseCoversFullMonth(t *testing.T) {
	params := InsuranceParameters{
		EffectiveDate:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		DeductibleTotal:     dec("500"),
		DeductibleMet:       dec("0"),
		OOPMax:              dec("4000"),
		OOPMet:              dec("0"),
		CoinsuranceRate:     dec("0.20"),
		DeductibleResetDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	schedule := BuildMonthlySchedule(cpapSchedule(), params)

	// Allowed is 95.56/month; the 500 deductible swallows months 2-6 whole.
	for i := 0; i < 5; i++ {
		decEqual(t, "patient month "+schedule[i].Month, schedule[i].PatientPays, dec("95.56"))
		decEqual(t, "insurance month "+schedule[i].Month, schedule[i].InsurancePays, dec("0"))
	}

	// Month 7: 22.20 deductible left, then 20% coinsurance on the 73.36 remainder.
	decEqual(t, "month 7 patient", schedule[5].PatientPays, dec("36.87"))
	decEqual(t, "month 7 insurance", schedule[5].InsurancePays, dec("58.69"))
}

func TestBuildMonthlySchedule_OOPExhaustedInsurancePaysAll(t *testing.T) {
	params := InsuranceParameters{
		EffectiveDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DeductibleTotal:     dec("350"),
		DeductibleMet:       dec("350"),
		OOPMax:              dec("1000"),
		OOPMet:              dec("1000"),
		CoinsuranceRate:     dec("0.20"),
		DeductibleResetDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	schedule := BuildMonthlySchedule(cpapSchedule(), params)

	for _, row := range schedule {
		decEqual(t, "patient "+row.Month, row.PatientPays, dec("0"))
		decEqual(t, "insurance "+row.Month, row.InsurancePays, dec("95.56"))
	}
}

func TestBuildMonthlySchedule_OOPCapBindsMidSchedule(t *testing.T) {
	// Only 25.00 of out-of-pocket room is left, so the cap binds during the
	// schedule: one full coinsurance month, one partial month that drains the
	// remainder, then insurance pays everything.
	params := InsuranceParameters{
		EffectiveDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DeductibleTotal:     dec("350"),
		DeductibleMet:       dec("350"),
		OOPMax:              dec("1000"),
		OOPMet:              dec("975"),
		CoinsuranceRate:     dec("0.20"),
		DeductibleResetDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	schedule := BuildMonthlySchedule(cpapSchedule(), params)

	// Month 2: full 20% coinsurance (19.112) still fits under the 25.00 cap.
	decEqual(t, "month 2 patient", schedule[0].PatientPays, dec("19.11"))
	decEqual(t, "month 2 insurance", schedule[0].InsurancePays, dec("76.45"))

	// Month 3: only 5.888 of OOP room remains, so the patient pays that and
	// insurance covers the rest of the 95.56 allowed amount.
	decEqual(t, "month 3 patient", schedule[1].PatientPays, dec("5.89"))
	decEqual(t, "month 3 insurance", schedule[1].InsurancePays, dec("89.67"))

	// Months 4+: the OOP max is exhausted; insurance pays in full.
	for _, row := range schedule[2:] {
		decEqual(t, "patient "+row.Month, row.PatientPays, dec("0"))
		decEqual(t, "insurance "+row.Month, row.InsurancePays, dec("95.56"))
	}
}

func TestBuildMonthlySchedule_PatientPlusInsuranceEqualsAllowed(t *testing.T) {
	params := InsuranceParameters{
		EffectiveDate:       time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		DeductibleTotal:     dec("350"),
		DeductibleMet:       dec("100"),
		OOPMax:              dec("4000"),
		OOPMet:              dec("912.51"),
		CoinsuranceRate:     dec("0.20"),
		DeductibleResetDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	allowed := dec("95.56")
	for _, row := range BuildMonthlySchedule(cpapSchedule(), params) {
		sum := row.PatientPays.Add(row.InsurancePays)
		if sum.Sub(allowed).Abs().GreaterThan(dec("0.01")) {
			t.Fatalf("month %s: patient %s + insurance %s != allowed %s",
				row.Month, row.PatientPays, row.InsurancePays, allowed)
		}
	}
}

func TestBuildMonthlySchedule_DeductibleResetsInResetMonth(t *testing.T) {
	// Effective in June with the deductible already met. The schedule runs
	// July..March, so January must re-open the deductible.
	params := InsuranceParameters{
		EffectiveDate:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		DeductibleTotal:     dec("200"),
		DeductibleMet:       dec("200"),
		OOPMax:              dec("4000"),
		OOPMet:              dec("0"),
		CoinsuranceRate:     dec("0.20"),
		DeductibleResetDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	schedule := BuildMonthlySchedule(cpapSchedule(), params)

	byMonth := map[string]MonthlyAllocation{}
	for _, row := range schedule {
		byMonth[row.Month] = row
	}

	// Before the reset: coinsurance only (95.56 * 0.20 = 19.11).
	decEqual(t, "December patient", byMonth["December"].PatientPays, dec("19.11"))

	// January: 95.56 goes entirely to the re-opened 200 deductible.
	decEqual(t, "January patient", byMonth["January"].PatientPays, dec("95.56"))
	decEqual(t, "January insurance", byMonth["January"].InsurancePays, dec("0"))

	// February: 104.44 deductible left still covers the full month.
	decEqual(t, "February patient", byMonth["February"].PatientPays, dec("95.56"))
}

func TestBuildMonthlySchedule_PerItemDurationGating(t *testing.T) {
	schedule := []FeeScheduleItem{
		{Code: "E0601", Description: "Device Rental", Charge: dec("73.18"), Kind: Monthly, TotalMonths: 10},
		{Code: "E0562", Description: "Humidifier Rental", Charge: dec("22.38"), Kind: Monthly, TotalMonths: 3},
	}
	params := InsuranceParameters{
		EffectiveDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DeductibleTotal:     dec("0"),
		DeductibleMet:       dec("0"),
		OOPMax:              dec("1000"),
		OOPMet:              dec("1000"),
		CoinsuranceRate:     dec("0.20"),
		DeductibleResetDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	rows := BuildMonthlySchedule(schedule, params)

	// Months 2-3 bill both items, months 4-10 only the device.
	decEqual(t, "month 2 insurance", rows[0].InsurancePays, dec("95.56"))
	decEqual(t, "month 3 insurance", rows[1].InsurancePays, dec("95.56"))
	decEqual(t, "month 4 insurance", rows[2].InsurancePays, dec("73.18"))
	decEqual(t, "month 10 insurance", rows[8].InsurancePays, dec("73.18"))
}

func TestBuildMonthlySchedule_NoMonthlyItems(t *testing.T) {
	schedule := []FeeScheduleItem{
		{Code: "A7037", Description: "Mask Setup", Charge: dec("25.52"), Kind: OneTime},
	}
	if rows := BuildMonthlySchedule(schedule, InsuranceParameters{}); rows != nil {
		t.Fatalf("expected no allocations, got %d", len(rows))
	}
}

func TestComputeTotals_UsesEditedSetupRows(t *testing.T) {
	fees := cpapSchedule()
	setup := BuildSetupCharges(fees)
	params := InsuranceParameters{
		EffectiveDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DeductibleTotal:     dec("350"),
		DeductibleMet:       dec("350"),
		OOPMax:              dec("4000"),
		OOPMet:              dec("912.51"),
		CoinsuranceRate:     dec("0.20"),
		DeductibleResetDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	schedule := BuildMonthlySchedule(fees, params)

	original := ComputeTotals(setup, schedule, fees)
	decEqual(t, "supply total", original.SupplyTotal, dec("251.49"))
	decEqual(t, "monthly total", original.MonthlyTotal, dec("95.56"))
	decEqual(t, "total all upfront", original.TotalAllUpfront, dec("1207.09"))

	// Editing a setup price must shift the patient total by the same delta.
	edited := make([]SetupCharge, len(setup))
	copy(edited, setup)
	edited[2].Price = edited[2].Price.Add(dec("10"))

	recomputed := ComputeTotals(edited, schedule, fees)
	decEqual(t, "edited patient total",
		recomputed.EstimatedPatient, original.EstimatedPatient.Add(dec("10")))
	decEqual(t, "insurance total unchanged",
		recomputed.EstimatedInsurance, original.EstimatedInsurance)
}

func TestComputeTotals_PatientAndInsuranceBreakdown(t *testing.T) {
	fees := cpapSchedule()
	setup := BuildSetupCharges(fees)
	params := InsuranceParameters{
		EffectiveDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DeductibleTotal:     dec("350"),
		DeductibleMet:       dec("350"),
		OOPMax:              dec("4000"),
		OOPMet:              dec("912.51"),
		CoinsuranceRate:     dec("0.20"),
		DeductibleResetDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	schedule := BuildMonthlySchedule(fees, params)

	totals := ComputeTotals(setup, schedule, fees)

	// 9 coinsurance months at 19.11 patient / 76.45 insurance, plus the
	// setup rows (347.05) on the patient side.
	decEqual(t, "patient total", totals.EstimatedPatient, dec("519.04"))
	decEqual(t, "insurance total", totals.EstimatedInsurance, dec("688.05"))
}

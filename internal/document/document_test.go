package document

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sleepfirst/eobcalc/internal/allocation"
)

func sampleData() Data {
	return Data{
		Setup: []allocation.SetupCharge{
			{Code: "E0601", Description: "Device Rental (1st Month)", Price: decimal.RequireFromString("73.18")},
			{Code: "A7037", Description: "Mask Setup", Price: decimal.RequireFromString("25.52")},
		},
		Schedule: []allocation.MonthlyAllocation{
			{Month: "February", PatientPays: decimal.RequireFromString("19.11"), InsurancePays: decimal.RequireFromString("76.45")},
		},
		Totals: allocation.Totals{
			EstimatedPatient:   decimal.RequireFromString("519.04"),
			EstimatedInsurance: decimal.RequireFromString("688.05"),
			SupplyTotal:        decimal.RequireFromString("251.49"),
			MonthlyTotal:       decimal.RequireFromString("95.56"),
			TotalAllUpfront:    decimal.RequireFromString("1207.09"),
		},
	}
}

func TestRender_ProducesPDFWithMissingLogoWarning(t *testing.T) {
	opts := Options{
		LogoPath: "testdata/does-not-exist.png",
		Today:    time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
	}

	pdfBytes, warnings, err := Render(sampleData(), opts)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	if !bytes.HasPrefix(pdfBytes, []byte("%PDF")) {
		t.Fatalf("output does not look like a PDF (first bytes: %q)", pdfBytes[:min(8, len(pdfBytes))])
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning for missing logo, got %v", warnings)
	}
	if !strings.Contains(warnings[0], "does-not-exist.png") {
		t.Fatalf("warning should name the missing asset, got %q", warnings[0])
	}
}

func TestRender_WatermarkVariantStillRenders(t *testing.T) {
	opts := Options{
		LogoPath:      "testdata/does-not-exist.png",
		WatermarkText: "TEST WATERMARK",
		Today:         time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
	}

	plain, _, err := Render(sampleData(), Options{LogoPath: opts.LogoPath, Today: opts.Today})
	if err != nil {
		t.Fatalf("Render without watermark: %v", err)
	}
	marked, _, err := Render(sampleData(), opts)
	if err != nil {
		t.Fatalf("Render with watermark: %v", err)
	}

	if len(marked) <= len(plain) {
		t.Fatalf("watermarked document should carry extra content (%d <= %d)", len(marked), len(plain))
	}
}

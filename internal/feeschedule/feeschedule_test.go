package feeschedule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sleepfirst/eobcalc/internal/allocation"
)

func TestDefault_TotalsMatchProgram(t *testing.T) {
	items := Default()

	supply := decimal.Zero
	monthly := decimal.Zero
	for _, item := range items {
		switch item.Kind {
		case allocation.OneTime:
			supply = supply.Add(item.Charge)
		case allocation.Monthly:
			monthly = monthly.Add(item.Charge)
			if item.TotalMonths != 10 {
				t.Fatalf("%s: expected 10-month term, got %d", item.Code, item.TotalMonths)
			}
		}
	}

	if !supply.Equal(decimal.RequireFromString("251.49")) {
		t.Fatalf("supply total = %s, want 251.49", supply)
	}
	if !monthly.Equal(decimal.RequireFromString("95.56")) {
		t.Fatalf("monthly total = %s, want 95.56", monthly)
	}
}

func TestLoadFile_ParsesAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fees.json")
	content := `[
		{"code": "E0601", "description": "Device Rental", "charge": "73.18", "kind": "monthly", "total_months": 10},
		{"code": "A7037", "description": "Mask Setup", "charge": "25.52", "kind": "one-time"}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	items, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Kind != allocation.Monthly || items[0].TotalMonths != 10 {
		t.Fatalf("unexpected monthly item: %+v", items[0])
	}
	if !items[1].Charge.Equal(decimal.RequireFromString("25.52")) {
		t.Fatalf("unexpected charge: %s", items[1].Charge)
	}
}

func TestLoadFile_RejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing code":       `[{"description": "x", "charge": "1", "kind": "one-time"}]`,
		"unknown kind":       `[{"code": "X1", "charge": "1", "kind": "weekly"}]`,
		"monthly w/o months": `[{"code": "X1", "charge": "1", "kind": "monthly"}]`,
		"negative charge":    `[{"code": "X1", "charge": "-5", "kind": "one-time"}]`,
	}

	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "fees.json")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("%s: write fixture: %v", name, err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

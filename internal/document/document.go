// Package document renders a cost estimate into the printable EOB-style
// billing document handed to the patient.
package document

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"

	"github.com/sleepfirst/eobcalc/internal/allocation"
)

// Options carries the presentational knobs: the two historical document
// variants differ only in watermark and logo lookup, so they collapse into
// these fields.
type Options struct {
	// LogoPath points at the header logo image. A missing file degrades to
	// a warning; the document is still produced.
	LogoPath string
	// WatermarkText, when non-empty, is stamped across the center of every
	// page.
	WatermarkText string
	// Today is printed in the document header. It never influences the
	// calculation itself.
	Today time.Time
}

// Data is the computed estimate the document presents.
type Data struct {
	PatientName string
	Setup       []allocation.SetupCharge
	Schedule    []allocation.MonthlyAllocation
	Totals      allocation.Totals
}

// Render produces the PDF artifact. Warnings report degraded presentational
// assets (currently only a missing logo); they never abort generation.
func Render(data Data, opts Options) ([]byte, []string, error) {
	var warnings []string

	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 20)

	if opts.WatermarkText != "" {
		pdf.SetHeaderFunc(func() {
			pdf.SetFont("Helvetica", "", 60)
			pdf.SetTextColor(178, 178, 178)
			pageW, pageH := pdf.GetPageSize()
			pdf.Text((pageW-pdf.GetStringWidth(opts.WatermarkText))/2, pageH/2, opts.WatermarkText)
			pdf.SetTextColor(0, 0, 0)
		})
	}

	pdf.AddPage()

	logo, err := os.ReadFile(opts.LogoPath)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("logo image %s not found; document generated without header logo", opts.LogoPath))
	} else {
		pdf.RegisterImageOptionsReader("logo", fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(logo))
		pdf.ImageOptions("logo", 20, 20, 320, 60, true, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		pdf.Ln(6)
	}

	patientName := data.PatientName
	if patientName == "" {
		patientName = "__________________"
	}
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 12, fmt.Sprintf("Patient Name: %s   DOB: __________   Date: %s",
		patientName, opts.Today.Format("01/02/2006")), "", 1, "L", false, 0, "")
	pdf.Ln(12)

	writeCaption(pdf, "1) Total Due Now (Supplies + First Month)")
	setupRows := make([][]string, 0, len(data.Setup))
	for _, row := range data.Setup {
		setupRows = append(setupRows, []string{row.Code, row.Description, money(row.Price)})
	}
	writeTable(pdf, []string{"CPT Code", "Description", "Price ($)"}, []float64{60, 200, 80}, setupRows)

	writeCaption(pdf, "2) Monthly Rental Schedule")
	scheduleRows := make([][]string, 0, len(data.Schedule))
	for _, row := range data.Schedule {
		scheduleRows = append(scheduleRows, []string{row.Month, money(row.PatientPays), money(row.InsurancePays)})
	}
	writeTable(pdf, []string{"Month", "Patient Pays", "Insurance Pays"}, []float64{100, 100, 100}, scheduleRows)

	writeCaption(pdf, "3) Estimated Totals")
	writeTable(pdf, []string{"Category", "Total"}, []float64{180, 100}, [][]string{
		{"Patient Paid", money(data.Totals.EstimatedPatient)},
		{"Insurance Paid", money(data.Totals.EstimatedInsurance)},
	})

	writeCaption(pdf, "4) Optional Full Prepay Amount")
	writeTable(pdf, nil, []float64{180, 100}, [][]string{
		{"If patient prefers full upfront payment:", money(data.Totals.EstimatedPatient)},
	})

	writeCaption(pdf, "5) Overall Cost Summary")
	writeTable(pdf, []string{"Description", "Total"}, []float64{180, 100}, [][]string{
		{"Combined Cost", money(data.Totals.TotalAllUpfront)},
	})

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(0, 10, "Please select one:   [ ] Monthly Rental Option     [ ] Lump Sum Payment", "", 1, "L", false, 0, "")
	pdf.Ln(6)
	pdf.CellFormat(0, 10, "Patient Signature: __________________   Date: __________________", "", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, warnings, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), warnings, nil
}

func writeCaption(pdf *fpdf.Fpdf, caption string) {
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(0, 10, caption, "", 1, "L", false, 0, "")
	pdf.Ln(2)
}

func writeTable(pdf *fpdf.Fpdf, headers []string, widths []float64, rows [][]string) {
	pdf.SetFont("Helvetica", "", 8)
	pdf.SetDrawColor(0, 0, 0)
	pdf.SetLineWidth(0.5)

	if headers != nil {
		pdf.SetFillColor(211, 211, 211)
		for i, h := range headers {
			pdf.CellFormat(widths[i], 12, h, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
	}

	for _, row := range rows {
		for i, cell := range row {
			pdf.CellFormat(widths[i], 12, cell, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.Ln(10)
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

// eobcalc estimates patient and insurance cost-sharing for the CPAP rental
// program from the command line, without the web UI.
//
// Usage:
//   eobcalc estimate --deductible-total 350 --deductible-met 350 [options]
//   eobcalc estimate --format json
//   eobcalc estimate --pdf estimate.pdf --patient "Jane Doe"
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/sleepfirst/eobcalc/internal/allocation"
	"github.com/sleepfirst/eobcalc/internal/document"
	"github.com/sleepfirst/eobcalc/internal/feeschedule"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	app := &cli.App{
		Name:  "eobcalc",
		Usage: "CPAP rental cost-sharing estimator",
		Commands: []*cli.Command{
			estimateCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate",
		Usage: "Estimate patient/insurance cost split for the rental program",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "effective-date",
				Value: "2024-01-01",
				Usage: "Insurance effective date (YYYY-MM-DD)",
			},
			&cli.StringFlag{
				Name:  "deductible-total",
				Value: "350",
				Usage: "Annual deductible total",
			},
			&cli.StringFlag{
				Name:  "deductible-met",
				Value: "350",
				Usage: "Deductible already met",
			},
			&cli.StringFlag{
				Name:  "oop-max",
				Value: "4000",
				Usage: "Out-of-pocket maximum",
			},
			&cli.StringFlag{
				Name:  "oop-met",
				Value: "912.51",
				Usage: "Out-of-pocket already met",
			},
			&cli.StringFlag{
				Name:  "coinsurance",
				Value: "20",
				Usage: "Coinsurance rate as a percentage (0-100)",
			},
			&cli.StringFlag{
				Name:  "reset-date",
				Value: "2026-01-01",
				Usage: "Deductible reset date (only the month is used)",
			},
			&cli.StringFlag{
				Name:  "fees",
				Usage: "Path to a fee schedule JSON file (defaults to the built-in CPAP schedule)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "table",
				Usage:   "Output format (table, json)",
			},
			&cli.StringFlag{
				Name:  "pdf",
				Usage: "Write the billing document PDF to this path",
			},
			&cli.StringFlag{
				Name:  "patient",
				Usage: "Patient name for the document header",
			},
			&cli.StringFlag{
				Name:    "logo",
				Value:   "web/static/logo.png",
				Usage:   "Logo image for the document header",
				EnvVars: []string{"LOGO_PATH"},
			},
			&cli.StringFlag{
				Name:    "watermark",
				Usage:   "Watermark text stamped on every document page",
				EnvVars: []string{"WATERMARK_TEXT"},
			},
		},
		Action: runEstimate,
	}
}

func runEstimate(c *cli.Context) error {
	params, err := parseParams(c)
	if err != nil {
		return err
	}

	fees := feeschedule.Default()
	if path := c.String("fees"); path != "" {
		fees, err = feeschedule.LoadFile(path)
		if err != nil {
			return err
		}
		log.Info().Str("path", path).Int("items", len(fees)).Msg("loaded fee schedule")
	}

	setup := allocation.BuildSetupCharges(fees)
	schedule := allocation.BuildMonthlySchedule(fees, params)
	totals := allocation.ComputeTotals(setup, schedule, fees)

	if path := c.String("pdf"); path != "" {
		pdfBytes, warnings, err := document.Render(document.Data{
			PatientName: c.String("patient"),
			Setup:       setup,
			Schedule:    schedule,
			Totals:      totals,
		}, document.Options{
			LogoPath:      c.String("logo"),
			WatermarkText: c.String("watermark"),
			Today:         time.Now(),
		})
		if err != nil {
			return fmt.Errorf("generate document: %w", err)
		}
		for _, warning := range warnings {
			log.Warn().Msg(warning)
		}
		if err := os.WriteFile(path, pdfBytes, 0o644); err != nil {
			return fmt.Errorf("write document: %w", err)
		}
		log.Info().Str("path", path).Msg("document written")
		return nil
	}

	switch c.String("format") {
	case "json":
		return outputJSON(setup, schedule, totals)
	case "table":
		outputTable(setup, schedule, totals)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table or json)", c.String("format"))
	}
}

func parseParams(c *cli.Context) (allocation.InsuranceParameters, error) {
	effective, err := time.Parse("2006-01-02", c.String("effective-date"))
	if err != nil {
		return allocation.InsuranceParameters{}, fmt.Errorf("effective-date must be YYYY-MM-DD")
	}
	reset, err := time.Parse("2006-01-02", c.String("reset-date"))
	if err != nil {
		return allocation.InsuranceParameters{}, fmt.Errorf("reset-date must be YYYY-MM-DD")
	}

	amounts := map[string]*decimal.Decimal{}
	params := allocation.InsuranceParameters{
		EffectiveDate:       effective,
		DeductibleResetDate: reset,
	}
	amounts["deductible-total"] = &params.DeductibleTotal
	amounts["deductible-met"] = &params.DeductibleMet
	amounts["oop-max"] = &params.OOPMax
	amounts["oop-met"] = &params.OOPMet

	for flag, dst := range amounts {
		value, err := decimal.NewFromString(c.String(flag))
		if err != nil {
			return allocation.InsuranceParameters{}, fmt.Errorf("%s must be numeric", flag)
		}
		if value.IsNegative() {
			return allocation.InsuranceParameters{}, fmt.Errorf("%s must be non-negative", flag)
		}
		*dst = value
	}

	percent, err := decimal.NewFromString(c.String("coinsurance"))
	if err != nil || percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		return allocation.InsuranceParameters{}, fmt.Errorf("coinsurance must be a percentage between 0 and 100")
	}
	params.CoinsuranceRate = percent.Div(decimal.NewFromInt(100))

	return params, nil
}

func outputJSON(setup []allocation.SetupCharge, schedule []allocation.MonthlyAllocation, totals allocation.Totals) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Setup    []allocation.SetupCharge       `json:"setup"`
		Schedule []allocation.MonthlyAllocation `json:"schedule"`
		Totals   allocation.Totals              `json:"totals"`
	}{setup, schedule, totals})
}

func outputTable(setup []allocation.SetupCharge, schedule []allocation.MonthlyAllocation, totals allocation.Totals) {
	fmt.Println()
	fmt.Println("SETUP CHARGES (DUE NOW)")
	for _, row := range setup {
		fmt.Printf("  %-8s %-32s $%s\n", row.Code, row.Description, row.Price.StringFixed(2))
	}

	fmt.Println()
	fmt.Println("MONTHLY RENTAL SCHEDULE (MONTHS 2+)")
	fmt.Printf("  %-12s %14s %16s\n", "Month", "Patient Pays", "Insurance Pays")
	for _, row := range schedule {
		fmt.Printf("  %-12s %14s %16s\n",
			row.Month,
			"$"+row.PatientPays.StringFixed(2),
			"$"+row.InsurancePays.StringFixed(2),
		)
	}

	fmt.Println()
	fmt.Println("ESTIMATED TOTALS")
	fmt.Printf("  %-32s $%s\n", "Total Paid by Patient:", totals.EstimatedPatient.StringFixed(2))
	fmt.Printf("  %-32s $%s\n", "Total Paid by Insurance:", totals.EstimatedInsurance.StringFixed(2))
	fmt.Printf("  %-32s $%s\n", "Total if Paid All Upfront:", totals.TotalAllUpfront.StringFixed(2))
	fmt.Println()
}

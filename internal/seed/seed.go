// Package seed populates a fresh database with the default CPAP fee
// schedule so the estimator works out of the box.
package seed

import (
	"database/sql"
	"fmt"

	"github.com/sleepfirst/eobcalc/internal/feeschedule"
)

// Stats contains seed operation counters.
type Stats struct {
	Inserts int
}

// Run inserts the default fee schedule in an idempotent way: items are
// keyed by code, and codes that already exist are left untouched so
// operator edits survive restarts.
func Run(db *sql.DB) (Stats, error) {
	tx, err := db.Begin()
	if err != nil {
		return Stats{}, fmt.Errorf("begin seed transaction: %w", err)
	}

	stats := Stats{}
	for position, item := range feeschedule.Default() {
		var exists bool
		if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM fee_schedule WHERE code = ? LIMIT 1)`, item.Code).Scan(&exists); err != nil {
			_ = tx.Rollback()
			return Stats{}, fmt.Errorf("check fee schedule item %s: %w", item.Code, err)
		}
		if exists {
			continue
		}

		if _, err := tx.Exec(`
			INSERT INTO fee_schedule (code, description, charge, kind, total_months, position, active)
			VALUES (?, ?, ?, ?, ?, ?, TRUE)
		`, item.Code, item.Description, item.Charge.String(), string(item.Kind), item.TotalMonths, position); err != nil {
			_ = tx.Rollback()
			return Stats{}, fmt.Errorf("insert fee schedule item %s: %w", item.Code, err)
		}
		stats.Inserts++
	}

	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("commit seed transaction: %w", err)
	}

	return stats, nil
}

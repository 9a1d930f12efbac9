package main

import (
	"database/sql"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sleepfirst/eobcalc/internal/allocation"
	"github.com/sleepfirst/eobcalc/internal/config"
	"github.com/sleepfirst/eobcalc/internal/db"
	"github.com/sleepfirst/eobcalc/internal/document"
	"github.com/sleepfirst/eobcalc/internal/migrations"
	"github.com/sleepfirst/eobcalc/internal/seed"
)

type server struct {
	auth          *authService
	db            *sql.DB
	logoPath      string
	watermarkText string
}

type baseViewData struct {
	ErrorMessage   string
	SuccessMessage string
}

type loginViewData struct {
	baseViewData
}

// estimateFormValues holds the insurance parameters as submitted, kept in
// display form so validation errors can re-render the form unchanged.
type estimateFormValues struct {
	Title              string
	Notes              string
	PatientName        string
	EffectiveDate      string
	DeductibleTotal    decimal.Decimal
	DeductibleMet      decimal.Decimal
	OOPMax             decimal.Decimal
	OOPMet             decimal.Decimal
	CoinsurancePercent decimal.Decimal
	ResetDate          string
}

// params converts the validated form values into engine parameters. The
// coinsurance percentage becomes a fraction here.
func (f estimateFormValues) params() (allocation.InsuranceParameters, error) {
	effective, err := time.Parse("2006-01-02", f.EffectiveDate)
	if err != nil {
		return allocation.InsuranceParameters{}, fmt.Errorf("effective_date must be YYYY-MM-DD")
	}
	reset, err := time.Parse("2006-01-02", f.ResetDate)
	if err != nil {
		return allocation.InsuranceParameters{}, fmt.Errorf("reset_date must be YYYY-MM-DD")
	}
	return allocation.InsuranceParameters{
		EffectiveDate:       effective,
		DeductibleTotal:     f.DeductibleTotal,
		DeductibleMet:       f.DeductibleMet,
		OOPMax:              f.OOPMax,
		OOPMet:              f.OOPMet,
		CoinsuranceRate:     f.CoinsurancePercent.Div(decimal.NewFromInt(100)),
		DeductibleResetDate: reset,
	}, nil
}

func defaultFormValues() estimateFormValues {
	return estimateFormValues{
		EffectiveDate:      "2024-01-01",
		DeductibleTotal:    decimal.NewFromInt(350),
		DeductibleMet:      decimal.NewFromInt(350),
		OOPMax:             decimal.NewFromInt(4000),
		OOPMet:             decimal.RequireFromString("912.51"),
		CoinsurancePercent: decimal.NewFromInt(20),
		ResetDate:          "2026-01-01",
	}
}

type estimateFormViewData struct {
	baseViewData
	Form estimateFormValues
}

type estimateResultViewData struct {
	baseViewData
	Form     estimateFormValues
	Setup    []allocation.SetupCharge
	Schedule []allocation.MonthlyAllocation
	Totals   allocation.Totals
}

type estimateListItem struct {
	ID           int64
	Reference    string
	CreatedAt    string
	Title        string
	PatientName  string
	PatientTotal decimal.Decimal
}

type estimatesViewData struct {
	baseViewData
	Query     string
	Estimates []estimateListItem
}

type estimateDetail struct {
	ID              int64
	Reference       string
	CreatedAt       string
	Title           string
	Notes           string
	PatientName     string
	EffectiveDate   string
	DeductibleTotal decimal.Decimal
	DeductibleMet   decimal.Decimal
	OOPMax          decimal.Decimal
	OOPMet          decimal.Decimal
	CoinsuranceRate decimal.Decimal
	ResetMonth      time.Month
	Setup           []allocation.SetupCharge
	Schedule        []allocation.MonthlyAllocation
	Totals          allocation.Totals
}

type estimateDetailViewData struct {
	baseViewData
	Estimate estimateDetail
}

type feeItem struct {
	ID          int64
	Code        string
	Description string
	Charge      decimal.Decimal
	Kind        string
	TotalMonths int
	Active      bool
}

type feesViewData struct {
	baseViewData
	Items []feeItem
}

func main() {
	cfg := config.Load()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	if err := migrations.Up(database); err != nil {
		log.Fatalf("failed to run database migrations: %v", err)
	}

	stats, err := seed.Run(database)
	if err != nil {
		log.Fatalf("failed to seed fee schedule: %v", err)
	}
	if stats.Inserts > 0 {
		log.Printf("seeded %d fee schedule items", stats.Inserts)
	}

	auth := newAuthService(database, cfg.SessionSecret)
	if err := auth.ensureAdminUser(cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Fatalf("failed to ensure admin user: %v", err)
	}

	srv := &server{
		auth:          auth,
		db:            database,
		logoPath:      cfg.LogoPath,
		watermarkText: cfg.WatermarkText,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(srv.authMiddleware)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir("web/static"))))
	r.Get("/", srv.handleEstimateForm)
	r.Get("/login", srv.handleLoginForm)
	r.Post("/login", srv.handleLoginSubmit)
	r.Post("/logout", srv.handleLogout)
	r.Post("/estimate", srv.handleEstimateCalc)
	r.Post("/estimate/save", srv.handleEstimateSave)
	r.Post("/estimate/pdf", srv.handleEstimatePDF)
	r.Get("/estimates", srv.handleEstimatesList)
	r.Get("/estimates/{id}", srv.handleEstimateDetail)
	r.Get("/estimates/{id}/pdf", srv.handleEstimateSnapshotPDF)
	r.Post("/api/estimate", srv.handleAPIEstimate)
	r.Get("/admin/fees", srv.handleAdminFeesForm)
	r.Post("/admin/fees", srv.handleAdminFeesCreate)
	r.Post("/admin/fees/{id}", srv.handleAdminFeesUpdate)

	addr := ":" + cfg.Port
	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

func (s *server) handleEstimateForm(w http.ResponseWriter, r *http.Request) {
	s.renderTemplate(w, "estimate_form.html", estimateFormViewData{Form: defaultFormValues()})
}

func (s *server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	if isAuthenticated(r, s.auth) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.renderTemplate(w, "login.html", loginViewData{})
}

func (s *server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	email := r.FormValue("email")
	password := r.FormValue("password")
	valid, err := s.auth.validateCredentials(email, password)
	if err != nil {
		http.Error(w, "authentication error", http.StatusInternalServerError)
		return
	}
	if !valid {
		w.WriteHeader(http.StatusUnauthorized)
		s.renderTemplate(w, "login.html", loginViewData{baseViewData: baseViewData{ErrorMessage: "Invalid credentials. Try again."}})
		return
	}

	s.auth.setSessionCookie(w, email)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// computeEstimate runs the engine for a submitted form. When the request
// carries edited setup rows those replace the generated ones, so edits flow
// into totals and documents.
func (s *server) computeEstimate(r *http.Request, form estimateFormValues) ([]allocation.SetupCharge, []allocation.MonthlyAllocation, allocation.Totals, error) {
	params, err := form.params()
	if err != nil {
		return nil, nil, allocation.Totals{}, err
	}

	fees, err := s.loadFeeSchedule()
	if err != nil {
		return nil, nil, allocation.Totals{}, err
	}

	setup, err := parseSetupRows(r)
	if err != nil {
		return nil, nil, allocation.Totals{}, err
	}
	if setup == nil {
		setup = allocation.BuildSetupCharges(fees)
	}

	schedule := allocation.BuildMonthlySchedule(fees, params)
	totals := allocation.ComputeTotals(setup, schedule, fees)
	return setup, schedule, totals, nil
}

func (s *server) handleEstimateCalc(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	form, validationErr := parseEstimateForm(r)
	if validationErr != nil {
		w.WriteHeader(http.StatusBadRequest)
		s.renderTemplate(w, "estimate_form.html", estimateFormViewData{
			baseViewData: baseViewData{ErrorMessage: validationErr.Error()},
			Form:         form,
		})
		return
	}

	setup, schedule, totals, err := s.computeEstimate(r, form)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		s.renderTemplate(w, "estimate_form.html", estimateFormViewData{
			baseViewData: baseViewData{ErrorMessage: err.Error()},
			Form:         form,
		})
		return
	}

	s.renderTemplate(w, "estimate_result.html", estimateResultViewData{
		Form:     form,
		Setup:    setup,
		Schedule: schedule,
		Totals:   totals,
	})
}

func (s *server) handleEstimateSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	form, validationErr := parseEstimateForm(r)
	if validationErr != nil {
		http.Redirect(w, r, "/?error="+url.QueryEscape(validationErr.Error()), http.StatusSeeOther)
		return
	}

	setup, schedule, totals, err := s.computeEstimate(r, form)
	if err != nil {
		http.Redirect(w, r, "/?error="+url.QueryEscape(err.Error()), http.StatusSeeOther)
		return
	}

	id, err := s.insertEstimate(form, setup, schedule, totals)
	if err != nil {
		http.Error(w, "failed to save estimate", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, fmt.Sprintf("/estimates/%d?success=Estimate+saved", id), http.StatusSeeOther)
}

func (s *server) handleEstimatePDF(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	form, validationErr := parseEstimateForm(r)
	if validationErr != nil {
		http.Error(w, validationErr.Error(), http.StatusBadRequest)
		return
	}

	setup, schedule, totals, err := s.computeEstimate(r, form)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.streamPDF(w, document.Data{
		PatientName: form.PatientName,
		Setup:       setup,
		Schedule:    schedule,
		Totals:      totals,
	})
}

func (s *server) streamPDF(w http.ResponseWriter, data document.Data) {
	pdfBytes, warnings, err := document.Render(data, document.Options{
		LogoPath:      s.logoPath,
		WatermarkText: s.watermarkText,
		Today:         time.Now(),
	})
	if err != nil {
		http.Error(w, "failed to generate document", http.StatusInternalServerError)
		return
	}
	for _, warning := range warnings {
		log.Printf("document warning: %s", warning)
		w.Header().Add("X-Document-Warning", warning)
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="cpap_eob.pdf"`)
	_, _ = w.Write(pdfBytes)
}

func (s *server) handleEstimatesList(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	estimates, err := s.listEstimates(query)
	if err != nil {
		http.Error(w, "failed to load estimates", http.StatusInternalServerError)
		return
	}

	s.renderTemplate(w, "estimates.html", estimatesViewData{
		Query:     query,
		Estimates: estimates,
	})
}

func (s *server) handleEstimateDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid estimate id", http.StatusBadRequest)
		return
	}

	detail, err := s.getEstimateDetail(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "failed to load estimate", http.StatusInternalServerError)
		return
	}

	s.renderTemplate(w, "estimate_detail.html", estimateDetailViewData{
		baseViewData: baseViewData{SuccessMessage: r.URL.Query().Get("success")},
		Estimate:     detail,
	})
}

func (s *server) handleEstimateSnapshotPDF(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid estimate id", http.StatusBadRequest)
		return
	}

	detail, err := s.getEstimateDetail(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "failed to load estimate", http.StatusInternalServerError)
		return
	}

	s.streamPDF(w, document.Data{
		PatientName: detail.PatientName,
		Setup:       detail.Setup,
		Schedule:    detail.Schedule,
		Totals:      detail.Totals,
	})
}

type apiEstimateRequest struct {
	Parameters struct {
		EffectiveDate       string          `json:"effective_date"`
		DeductibleTotal     decimal.Decimal `json:"deductible_total"`
		DeductibleMet       decimal.Decimal `json:"deductible_met"`
		OOPMax              decimal.Decimal `json:"oop_max"`
		OOPMet              decimal.Decimal `json:"oop_met"`
		CoinsuranceRate     decimal.Decimal `json:"coinsurance_rate"`
		DeductibleResetDate string          `json:"deductible_reset_date"`
	} `json:"parameters"`
	// Setup optionally overrides the generated setup rows (e.g. after the
	// caller edited prices); totals then reflect the edits.
	Setup []allocation.SetupCharge `json:"setup,omitempty"`
}

type apiEstimateResponse struct {
	Setup    []allocation.SetupCharge       `json:"setup"`
	Schedule []allocation.MonthlyAllocation `json:"schedule"`
	Totals   allocation.Totals              `json:"totals"`
}

func (s *server) handleAPIEstimate(w http.ResponseWriter, r *http.Request) {
	var req apiEstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p := req.Parameters
	effective, err := time.Parse("2006-01-02", p.EffectiveDate)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "effective_date must be YYYY-MM-DD")
		return
	}
	reset, err := time.Parse("2006-01-02", p.DeductibleResetDate)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "deductible_reset_date must be YYYY-MM-DD")
		return
	}
	for field, value := range map[string]decimal.Decimal{
		"deductible_total": p.DeductibleTotal,
		"deductible_met":   p.DeductibleMet,
		"oop_max":          p.OOPMax,
		"oop_met":          p.OOPMet,
	} {
		if value.IsNegative() {
			writeAPIError(w, http.StatusBadRequest, field+" must be non-negative")
			return
		}
	}
	if p.CoinsuranceRate.IsNegative() || p.CoinsuranceRate.GreaterThan(decimal.NewFromInt(1)) {
		writeAPIError(w, http.StatusBadRequest, "coinsurance_rate must be a fraction in [0,1]")
		return
	}

	fees, err := s.loadFeeSchedule()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "failed to load fee schedule")
		return
	}

	params := allocation.InsuranceParameters{
		EffectiveDate:       effective,
		DeductibleTotal:     p.DeductibleTotal,
		DeductibleMet:       p.DeductibleMet,
		OOPMax:              p.OOPMax,
		OOPMet:              p.OOPMet,
		CoinsuranceRate:     p.CoinsuranceRate,
		DeductibleResetDate: reset,
	}

	setup := req.Setup
	if setup == nil {
		setup = allocation.BuildSetupCharges(fees)
	}
	schedule := allocation.BuildMonthlySchedule(fees, params)
	totals := allocation.ComputeTotals(setup, schedule, fees)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(apiEstimateResponse{
		Setup:    setup,
		Schedule: schedule,
		Totals:   totals,
	})
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *server) handleAdminFeesForm(w http.ResponseWriter, r *http.Request) {
	items, err := s.listFeeItems()
	if err != nil {
		http.Error(w, "failed to load fee schedule", http.StatusInternalServerError)
		return
	}

	s.renderTemplate(w, "admin_fees.html", feesViewData{
		baseViewData: baseViewData{
			ErrorMessage:   r.URL.Query().Get("error"),
			SuccessMessage: r.URL.Query().Get("success"),
		},
		Items: items,
	})
}

func (s *server) handleAdminFeesCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	item, err := parseFeeItemForm(r)
	if err != nil {
		http.Redirect(w, r, "/admin/fees?error="+url.QueryEscape(err.Error()), http.StatusSeeOther)
		return
	}

	_, err = s.db.Exec(`
		INSERT INTO fee_schedule (code, description, charge, kind, total_months, position, active)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM fee_schedule), TRUE)
	`, item.Code, item.Description, item.Charge.String(), item.Kind, item.TotalMonths)
	if err != nil {
		http.Error(w, "failed to create fee schedule item", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/admin/fees?success=Fee+schedule+item+created", http.StatusSeeOther)
}

func (s *server) handleAdminFeesUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid fee schedule item id", http.StatusBadRequest)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	item, err := parseFeeItemForm(r)
	if err != nil {
		http.Redirect(w, r, "/admin/fees?error="+url.QueryEscape(err.Error()), http.StatusSeeOther)
		return
	}

	result, err := s.db.Exec(`
		UPDATE fee_schedule
		SET
			code = ?,
			description = ?,
			charge = ?,
			kind = ?,
			total_months = ?,
			active = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, item.Code, item.Description, item.Charge.String(), item.Kind, item.TotalMonths, item.Active, id)
	if err != nil {
		http.Error(w, "failed to update fee schedule item", http.StatusInternalServerError)
		return
	}

	affected, err := result.RowsAffected()
	if err != nil {
		http.Error(w, "failed to update fee schedule item", http.StatusInternalServerError)
		return
	}
	if affected == 0 {
		http.NotFound(w, r)
		return
	}

	http.Redirect(w, r, "/admin/fees?success=Fee+schedule+item+updated", http.StatusSeeOther)
}

func (s *server) loadFeeSchedule() ([]allocation.FeeScheduleItem, error) {
	rows, err := s.db.Query(`
		SELECT code, description, charge, kind, total_months
		FROM fee_schedule
		WHERE active
		ORDER BY position, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query fee schedule: %w", err)
	}
	defer rows.Close()

	var items []allocation.FeeScheduleItem
	for rows.Next() {
		var item allocation.FeeScheduleItem
		var charge, kind string
		if err := rows.Scan(&item.Code, &item.Description, &charge, &kind, &item.TotalMonths); err != nil {
			return nil, fmt.Errorf("scan fee schedule item: %w", err)
		}
		item.Charge, err = decimal.NewFromString(charge)
		if err != nil {
			return nil, fmt.Errorf("fee schedule item %s has invalid charge %q: %w", item.Code, charge, err)
		}
		item.Kind = allocation.ChargeKind(kind)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (s *server) listFeeItems() ([]feeItem, error) {
	rows, err := s.db.Query(`
		SELECT id, code, description, charge, kind, total_months, active
		FROM fee_schedule
		ORDER BY position, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]feeItem, 0)
	for rows.Next() {
		var item feeItem
		var charge string
		if err := rows.Scan(&item.ID, &item.Code, &item.Description, &charge, &item.Kind, &item.TotalMonths, &item.Active); err != nil {
			return nil, err
		}
		item.Charge, err = decimal.NewFromString(charge)
		if err != nil {
			return nil, fmt.Errorf("fee schedule item %s has invalid charge %q: %w", item.Code, charge, err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func (s *server) insertEstimate(form estimateFormValues, setup []allocation.SetupCharge, schedule []allocation.MonthlyAllocation, totals allocation.Totals) (int64, error) {
	setupJSON, err := json.Marshal(setup)
	if err != nil {
		return 0, fmt.Errorf("marshal setup rows: %w", err)
	}
	scheduleJSON, err := json.Marshal(schedule)
	if err != nil {
		return 0, fmt.Errorf("marshal schedule rows: %w", err)
	}
	totalsJSON, err := json.Marshal(totals)
	if err != nil {
		return 0, fmt.Errorf("marshal totals: %w", err)
	}

	params, err := form.params()
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		INSERT INTO estimates (
			reference, title, notes, patient_name,
			effective_date, deductible_total, deductible_met,
			oop_max, oop_met, coinsurance_rate, reset_month,
			setup_json, schedule_json, totals_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(), form.Title, form.Notes, form.PatientName,
		form.EffectiveDate, form.DeductibleTotal.String(), form.DeductibleMet.String(),
		form.OOPMax.String(), form.OOPMet.String(), params.CoinsuranceRate.String(), int(params.DeductibleResetDate.Month()),
		string(setupJSON), string(scheduleJSON), string(totalsJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("insert estimate: %w", err)
	}

	return result.LastInsertId()
}

func (s *server) listEstimates(query string) ([]estimateListItem, error) {
	search := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT
			id,
			reference,
			created_at,
			COALESCE(title, ''),
			patient_name,
			totals_json
		FROM estimates
		WHERE (? = ''
			OR COALESCE(title, '') LIKE ?
			OR COALESCE(notes, '') LIKE ?
			OR patient_name LIKE ?)
		ORDER BY datetime(created_at) DESC, id DESC
	`, query, search, search, search)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	estimates := make([]estimateListItem, 0)
	for rows.Next() {
		var item estimateListItem
		var totalsJSON string
		if err := rows.Scan(&item.ID, &item.Reference, &item.CreatedAt, &item.Title, &item.PatientName, &totalsJSON); err != nil {
			return nil, err
		}

		var totals allocation.Totals
		if err := json.Unmarshal([]byte(totalsJSON), &totals); err != nil {
			log.Printf("estimate %d has a corrupt totals snapshot: %v", item.ID, err)
		} else {
			item.PatientTotal = totals.EstimatedPatient
		}
		estimates = append(estimates, item)
	}

	return estimates, rows.Err()
}

// getEstimateDetail reads a stored estimate snapshot. The tables and totals
// come back exactly as saved; nothing is recalculated.
func (s *server) getEstimateDetail(id int64) (estimateDetail, error) {
	var detail estimateDetail
	var dedTotal, dedMet, oopMax, oopMet, coinsRate string
	var resetMonth int
	var setupJSON, scheduleJSON, totalsJSON string
	var title, notes sql.NullString

	err := s.db.QueryRow(`
		SELECT
			id, reference, created_at, title, notes, patient_name,
			effective_date, deductible_total, deductible_met,
			oop_max, oop_met, coinsurance_rate, reset_month,
			setup_json, schedule_json, totals_json
		FROM estimates
		WHERE id = ?
	`, id).Scan(
		&detail.ID, &detail.Reference, &detail.CreatedAt, &title, &notes, &detail.PatientName,
		&detail.EffectiveDate, &dedTotal, &dedMet,
		&oopMax, &oopMet, &coinsRate, &resetMonth,
		&setupJSON, &scheduleJSON, &totalsJSON,
	)
	if err != nil {
		return estimateDetail{}, err
	}

	detail.Title = title.String
	detail.Notes = notes.String
	detail.ResetMonth = time.Month(resetMonth)

	for _, field := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&detail.DeductibleTotal, dedTotal},
		{&detail.DeductibleMet, dedMet},
		{&detail.OOPMax, oopMax},
		{&detail.OOPMet, oopMet},
		{&detail.CoinsuranceRate, coinsRate},
	} {
		*field.dst, err = decimal.NewFromString(field.raw)
		if err != nil {
			return estimateDetail{}, fmt.Errorf("estimate %d has invalid stored amount %q: %w", id, field.raw, err)
		}
	}

	if err := json.Unmarshal([]byte(setupJSON), &detail.Setup); err != nil {
		return estimateDetail{}, fmt.Errorf("unmarshal setup snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(scheduleJSON), &detail.Schedule); err != nil {
		return estimateDetail{}, fmt.Errorf("unmarshal schedule snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(totalsJSON), &detail.Totals); err != nil {
		return estimateDetail{}, fmt.Errorf("unmarshal totals snapshot: %w", err)
	}

	return detail, nil
}

func parseEstimateForm(r *http.Request) (estimateFormValues, error) {
	form := estimateFormValues{
		Title:         strings.TrimSpace(r.FormValue("title")),
		Notes:         strings.TrimSpace(r.FormValue("notes")),
		PatientName:   strings.TrimSpace(r.FormValue("patient_name")),
		EffectiveDate: strings.TrimSpace(r.FormValue("effective_date")),
		ResetDate:     strings.TrimSpace(r.FormValue("reset_date")),
	}

	if _, err := time.Parse("2006-01-02", form.EffectiveDate); err != nil {
		return form, fmt.Errorf("effective_date must be YYYY-MM-DD")
	}
	if _, err := time.Parse("2006-01-02", form.ResetDate); err != nil {
		return form, fmt.Errorf("reset_date must be YYYY-MM-DD")
	}

	var err error
	if form.DeductibleTotal, err = parseNonNegativeDecimal(r.FormValue("deductible_total"), "deductible_total"); err != nil {
		return form, err
	}
	if form.DeductibleMet, err = parseNonNegativeDecimal(r.FormValue("deductible_met"), "deductible_met"); err != nil {
		return form, err
	}
	if form.OOPMax, err = parseNonNegativeDecimal(r.FormValue("oop_max"), "oop_max"); err != nil {
		return form, err
	}
	if form.OOPMet, err = parseNonNegativeDecimal(r.FormValue("oop_met"), "oop_met"); err != nil {
		return form, err
	}
	if form.CoinsurancePercent, err = parsePercent(r.FormValue("coinsurance_percent"), "coinsurance_percent"); err != nil {
		return form, err
	}

	return form, nil
}

// parseSetupRows reads the editable setup grid. Returns nil when the form
// carries no rows, which means "use the generated setup charges".
func parseSetupRows(r *http.Request) ([]allocation.SetupCharge, error) {
	codes := r.Form["setup_code"]
	if len(codes) == 0 {
		return nil, nil
	}
	descriptions := r.Form["setup_description"]
	prices := r.Form["setup_price"]
	if len(descriptions) != len(codes) || len(prices) != len(codes) {
		return nil, fmt.Errorf("setup rows are malformed")
	}

	rows := make([]allocation.SetupCharge, 0, len(codes))
	for i := range codes {
		price, err := parseNonNegativeDecimal(prices[i], fmt.Sprintf("setup_price (row %d)", i+1))
		if err != nil {
			return nil, err
		}
		rows = append(rows, allocation.SetupCharge{
			Code:        strings.TrimSpace(codes[i]),
			Description: strings.TrimSpace(descriptions[i]),
			Price:       price.Round(2),
		})
	}

	return rows, nil
}

func parseFeeItemForm(r *http.Request) (feeItem, error) {
	item := feeItem{
		Code:        strings.TrimSpace(r.FormValue("code")),
		Description: strings.TrimSpace(r.FormValue("description")),
		Kind:        strings.TrimSpace(r.FormValue("kind")),
		Active:      r.FormValue("active") == "1",
	}

	if item.Code == "" {
		return item, fmt.Errorf("code is required")
	}
	if item.Kind != string(allocation.OneTime) && item.Kind != string(allocation.Monthly) {
		return item, fmt.Errorf("kind must be one-time or monthly")
	}

	var err error
	if item.Charge, err = parseNonNegativeDecimal(r.FormValue("charge"), "charge"); err != nil {
		return item, err
	}

	if item.Kind == string(allocation.Monthly) {
		item.TotalMonths, err = strconv.Atoi(r.FormValue("total_months"))
		if err != nil || item.TotalMonths <= 0 {
			return item, fmt.Errorf("total_months must be a positive integer for monthly items")
		}
	}

	return item, nil
}

func parseNonNegativeDecimal(raw, field string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be numeric", field)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must be greater than or equal to 0", field)
	}
	return value, nil
}

func parsePercent(raw, field string) (decimal.Decimal, error) {
	value, err := parseNonNegativeDecimal(raw, field)
	if err != nil {
		return decimal.Zero, err
	}
	if value.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("%s must be between 0 and 100", field)
	}
	return value, nil
}

func (s *server) renderTemplate(w http.ResponseWriter, page string, data any) {
	templates, err := template.New("layout.html").Funcs(template.FuncMap{
		"money":   func(d decimal.Decimal) string { return d.StringFixed(2) },
		"percent": func(d decimal.Decimal) string { return d.Mul(decimal.NewFromInt(100)).StringFixed(0) + "%" },
	}).ParseFiles(
		"web/templates/layout.html",
		"web/templates/"+page,
	)
	if err != nil {
		http.Error(w, "failed to parse template", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, "layout.html", data); err != nil {
		http.Error(w, "failed to render template", http.StatusInternalServerError)
		return
	}
}

func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" ||
			strings.HasPrefix(r.URL.Path, "/static/") ||
			strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		if !isAuthenticated(r, s.auth) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		next.ServeHTTP(w, r)
	})
}

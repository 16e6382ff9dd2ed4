/*
handlers.go - HTTP API handlers for the roll-up engine

PURPOSE:
  Exposes the roll-up and reconciliation engine via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain
  logic.

ENDPOINTS:
  Roll-up runs:
    POST   /api/rollups/compute        Request a compute (async)
    GET    /api/rollups                List runs for a scope
    GET    /api/rollups/{id}           Run status, reason, fingerprint
    POST   /api/rollups/{id}/publish   Publish a computed run

  Overlays:
    GET    /api/overlays               Overlay entries ("published" or run id)

  Reconciliation:
    POST   /api/recon/compute          Recompute configured pairs
    GET    /api/recon/results          Results for group/year/period
    PUT    /api/recon/results/{id}/status  User triage (status/notes)
    POST   /api/recon/pairs            Configure a pair

  Tie-out:
    GET    /api/tieout                 Base-vs-import-run drift report

  Configuration:
    POST   /api/entities               Register an entity
    GET    /api/entities/{id}
    GET    /api/entities/{id}/agreements
    POST   /api/groups/{id}/members    Add an entity to a client group
    GET    /api/groups/{id}/members
    POST   /api/agreements             Save an effective-dated agreement
    POST   /api/rules                  Save a special allocation rule
    POST   /api/mappings               Save a roll-up mapping

  Ingestion:
    POST   /api/snapshots              Write one immutable base snapshot
    GET    /api/snapshots              Snapshots for entity/year

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (in-flight run, write-once violation, bad transition)
  - 503: Compute queue full
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are
  public. Production deployments front this with the firm's gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ledgerline/rollup-engine/engine"
	"github.com/ledgerline/rollup-engine/rollup"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    engine.Store
	Orch     *rollup.Orchestrator
	Worker   *rollup.Worker
	Validate *validator.Validate
	Log      *logrus.Logger
}

// NewHandler creates a new handler around the orchestrator and its store.
func NewHandler(orch *rollup.Orchestrator, worker *rollup.Worker) *Handler {
	return &Handler{
		Store:    orch.Store,
		Orch:     orch,
		Worker:   worker,
		Validate: validator.New(),
		Log:      orch.Log,
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.Validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// =============================================================================
// ROLL-UP RUN HANDLERS
// =============================================================================

// ComputeRollup creates a draft run and hands it to the worker pool.
func (h *Handler) ComputeRollup(w http.ResponseWriter, r *http.Request) {
	var req ComputeRequest
	if !h.decode(w, r, &req) {
		return
	}

	through, err := engine.ParsePeriod(req.ThroughPeriod)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid through_period (use YYYY-MM)", err)
		return
	}

	runID, err := h.Orch.RequestCompute(r.Context(), engine.GroupID(req.ClientGroup), req.TaxYear, through)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Worker.Enqueue(runID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Compute queue full, retry later", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": string(runID)})
}

// GetRun returns one run's status, failure reason, and fingerprint.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetRun(r.Context(), engine.RunID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runDTO(*run))
}

// ListRuns returns the runs for a client group and tax year.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("client_group")
	taxYear, err := strconv.Atoi(r.URL.Query().Get("tax_year"))
	if group == "" || err != nil {
		writeError(w, http.StatusBadRequest, "client_group and tax_year query params are required", err)
		return
	}

	runs, err := h.Store.ListRuns(r.Context(), engine.GroupID(group), taxYear)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = runDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PublishRollup publishes a computed run, displacing the prior one.
func (h *Handler) PublishRollup(w http.ResponseWriter, r *http.Request) {
	id := engine.RunID(chi.URLParam(r, "id"))
	if err := h.Orch.Publish(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	run, err := h.Store.GetRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runDTO(*run))
}

// =============================================================================
// OVERLAY HANDLERS
// =============================================================================

// GetOverlays returns the overlay entries for an entity/year/period under
// a run reference: an explicit run id, or "published" (the default).
func (h *Handler) GetOverlays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entity := q.Get("entity")
	group := q.Get("client_group")
	taxYear, yearErr := strconv.Atoi(q.Get("tax_year"))
	if entity == "" || group == "" || yearErr != nil {
		writeError(w, http.StatusBadRequest, "entity, client_group and tax_year query params are required", yearErr)
		return
	}
	period, err := engine.ParsePeriod(q.Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return
	}
	runRef := q.Get("run")
	if runRef == "" {
		runRef = "published"
	}

	entries, err := h.Orch.OverlaysFor(r.Context(), engine.GroupID(group), engine.EntityID(entity), taxYear, period, runRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]OverlayEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = overlayDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// ComputeRecon recomputes every configured pair for the scope/period.
func (h *Handler) ComputeRecon(w http.ResponseWriter, r *http.Request) {
	var req ReconComputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := engine.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return
	}

	results, err := h.Orch.ComputeRecon(r.Context(), engine.GroupID(req.ClientGroup), req.TaxYear, period)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ReconResultDTO, len(results))
	for i, res := range results {
		dtos[i] = reconDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListReconResults returns stored results for a scope and period.
func (h *Handler) ListReconResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	group := q.Get("client_group")
	taxYear, yearErr := strconv.Atoi(q.Get("tax_year"))
	if group == "" || yearErr != nil {
		writeError(w, http.StatusBadRequest, "client_group and tax_year query params are required", yearErr)
		return
	}
	period, err := engine.ParsePeriod(q.Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return
	}

	results, err := h.Store.ReconResults(r.Context(), engine.GroupID(group), taxYear, period)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ReconResultDTO, len(results))
	for i, res := range results {
		dtos[i] = reconDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdateReconStatus sets the user-owned triage fields of one result.
func (h *Handler) UpdateReconStatus(w http.ResponseWriter, r *http.Request) {
	var req ReconStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Store.SetReconTriage(r.Context(), id, engine.ReconStatus(req.Status), req.Notes); err != nil {
		writeDomainError(w, err)
		return
	}
	result, err := h.Store.GetReconResult(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reconDTO(*result))
}

// CreateReconPair configures an intercompany comparison.
func (h *Handler) CreateReconPair(w http.ResponseWriter, r *http.Request) {
	var req CreateReconPairRequest
	if !h.decode(w, r, &req) {
		return
	}
	tolerance, err := decimal.NewFromString(req.Tolerance)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tolerance", err)
		return
	}
	pair := engine.ReconPair{
		ID:              engine.PairID(req.ID),
		Group:           engine.GroupID(req.ClientGroup),
		Payer:           engine.EntityID(req.Payer),
		PayerAccount:    engine.AccountID(req.PayerAccount),
		Receiver:        engine.EntityID(req.Receiver),
		ReceiverAccount: engine.AccountID(req.ReceiverAccount),
		Sign:            engine.SignRule(req.Sign),
		Tolerance:       tolerance,
	}
	if err := h.Store.SaveReconPair(r.Context(), pair); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// =============================================================================
// TIE-OUT HANDLER
// =============================================================================

// TieOut returns the base-vs-import-run drift report for an entity/year.
func (h *Handler) TieOut(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entity := q.Get("entity")
	importRun := q.Get("import_run")
	taxYear, yearErr := strconv.Atoi(q.Get("tax_year"))
	if entity == "" || importRun == "" || yearErr != nil {
		writeError(w, http.StatusBadRequest, "entity, tax_year and import_run query params are required", yearErr)
		return
	}

	report, err := h.Orch.TieOutReport(r.Context(), engine.EntityID(entity), taxYear, engine.RunID(importRun))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tieOutDTO(*report))
}

// =============================================================================
// CONFIGURATION HANDLERS
// =============================================================================

// CreateEntity registers a legal/tax entity.
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req CreateEntityRequest
	if !h.decode(w, r, &req) {
		return
	}
	status := engine.EntityStatus(req.Status)
	if status == "" {
		status = engine.EntityActive
	}
	e := engine.Entity{
		ID:       engine.EntityID(req.ID),
		Name:     req.Name,
		Type:     engine.EntityType(req.Type),
		Status:   status,
		EIN:      req.EIN,
		TaxClass: req.TaxClass,
	}
	if err := h.Store.SaveEntity(r.Context(), e); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entityDTO(e))
}

// GetEntity returns one entity.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := h.Store.GetEntity(r.Context(), engine.EntityID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entityDTO(*e))
}

func entityDTO(e engine.Entity) EntityDTO {
	return EntityDTO{
		ID:       string(e.ID),
		Name:     e.Name,
		Type:     string(e.Type),
		Status:   string(e.Status),
		EIN:      e.EIN,
		TaxClass: e.TaxClass,
	}
}

// AddGroupMember adds an entity to a client group.
func (h *Handler) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	var req AddGroupMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	group := engine.GroupID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetEntity(r.Context(), engine.EntityID(req.EntityID)); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Store.AddGroupMember(r.Context(), group, engine.EntityID(req.EntityID)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"group": string(group), "entity_id": req.EntityID})
}

// ListGroupMembers returns the entities in a client group.
func (h *Handler) ListGroupMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Store.GroupMembers(r.Context(), engine.GroupID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = string(m)
	}
	writeJSON(w, http.StatusOK, ids)
}

// CreateAgreement saves an effective-dated ownership agreement. A draft
// may violate the 100% split invariant; a non-draft may not.
func (h *Handler) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req CreateAgreementRequest
	if !h.decode(w, r, &req) {
		return
	}

	from, err := time.Parse("2006-01-02", req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_from (use YYYY-MM-DD)", err)
		return
	}
	to, err := parseDatePtr(req.EffectiveTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_to (use YYYY-MM-DD)", err)
		return
	}

	owners := make([]engine.AgreementOwner, len(req.Owners))
	for i, o := range req.Owners {
		pct, err := decimal.NewFromString(o.OwnershipPct)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid ownership_pct", err)
			return
		}
		incomePct, err := decimalPtr(o.IncomeAllocationPct)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid income_allocation_pct", err)
			return
		}
		owners[i] = engine.AgreementOwner{
			Entity:              engine.EntityID(o.EntityID),
			OwnershipPct:        pct,
			IncomeAllocationPct: incomePct,
		}
	}

	agreement := engine.Agreement{
		ID:            engine.AgreementID(req.ID),
		Entity:        engine.EntityID(req.EntityID),
		EffectiveFrom: from,
		EffectiveTo:   to,
		Owners:        owners,
		Draft:         req.Draft,
		CreatedAt:     time.Now().UTC(),
	}
	if !agreement.Draft {
		if err := agreement.ValidateSplit(h.Orch.SplitTolerance); err != nil {
			writeError(w, http.StatusBadRequest, "Income split must sum to 100%", err)
			return
		}
	}

	if err := h.Store.SaveAgreement(r.Context(), agreement); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// ListAgreements returns the agreement history for an entity.
func (h *Handler) ListAgreements(w http.ResponseWriter, r *http.Request) {
	agreements, err := h.Store.Agreements(r.Context(), engine.EntityID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type ownerOut struct {
		EntityID            string  `json:"entity_id"`
		OwnershipPct        string  `json:"ownership_pct"`
		IncomeAllocationPct *string `json:"income_allocation_pct,omitempty"`
	}
	type agreementOut struct {
		ID            string     `json:"id"`
		EntityID      string     `json:"entity_id"`
		EffectiveFrom string     `json:"effective_from"`
		EffectiveTo   *string    `json:"effective_to,omitempty"`
		Draft         bool       `json:"draft"`
		Owners        []ownerOut `json:"owners"`
	}

	out := make([]agreementOut, len(agreements))
	for i, a := range agreements {
		owners := make([]ownerOut, len(a.Owners))
		for j, o := range a.Owners {
			var incomePct *string
			if o.IncomeAllocationPct != nil {
				s := o.IncomeAllocationPct.String()
				incomePct = &s
			}
			owners[j] = ownerOut{
				EntityID:            string(o.Entity),
				OwnershipPct:        o.OwnershipPct.String(),
				IncomeAllocationPct: incomePct,
			}
		}
		var toStr *string
		if a.EffectiveTo != nil {
			s := a.EffectiveTo.Format("2006-01-02")
			toStr = &s
		}
		out[i] = agreementOut{
			ID:            string(a.ID),
			EntityID:      string(a.Entity),
			EffectiveFrom: a.EffectiveFrom.Format("2006-01-02"),
			EffectiveTo:   toStr,
			Draft:         a.Draft,
			Owners:        owners,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateRule saves a special allocation rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	from, err := time.Parse("2006-01-02", req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_from (use YYYY-MM-DD)", err)
		return
	}
	to, err := parseDatePtr(req.EffectiveTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_to (use YYYY-MM-DD)", err)
		return
	}

	allocations := make([]engine.RuleAllocation, len(req.Allocations))
	for i, row := range req.Allocations {
		if (row.Amount == nil) == (row.Pct == nil) {
			writeError(w, http.StatusBadRequest, "Each allocation row needs exactly one of amount or pct", nil)
			return
		}
		amount, err := decimalPtr(row.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		pct, err := decimalPtr(row.Pct)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid pct", err)
			return
		}
		allocations[i] = engine.RuleAllocation{
			Owner:  engine.EntityID(row.Owner),
			Amount: amount,
			Pct:    pct,
		}
	}

	rule := engine.SpecialRule{
		ID:            engine.RuleID(req.ID),
		Entity:        engine.EntityID(req.EntityID),
		Scope:         engine.RuleScopeKind(req.Scope),
		Account:       engine.AccountID(req.Account),
		EffectiveFrom: from,
		EffectiveTo:   to,
		Allocations:   allocations,
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.Store.SaveRule(r.Context(), rule); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// CreateMapping saves a roll-up mapping for an owned→owner pair.
func (h *Handler) CreateMapping(w http.ResponseWriter, r *http.Request) {
	var req CreateMappingRequest
	if !h.decode(w, r, &req) {
		return
	}

	from, err := time.Parse("2006-01-02", req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_from (use YYYY-MM-DD)", err)
		return
	}
	to, err := parseDatePtr(req.EffectiveTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_to (use YYYY-MM-DD)", err)
		return
	}

	mapping := engine.RollupMapping{
		Owned:         engine.EntityID(req.Owned),
		Owner:         engine.EntityID(req.Owner),
		TargetAccount: engine.AccountID(req.TargetAccount),
		EffectiveFrom: from,
		EffectiveTo:   to,
	}
	if err := h.Store.SaveMapping(r.Context(), mapping); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"owned": req.Owned, "owner": req.Owner})
}

// =============================================================================
// SNAPSHOT INGESTION HANDLERS
// =============================================================================

// IngestSnapshot writes one immutable base snapshot. A duplicate
// identity is a 409, never an overwrite.
func (h *Handler) IngestSnapshot(w http.ResponseWriter, r *http.Request) {
	var req IngestSnapshotRequest
	if !h.decode(w, r, &req) {
		return
	}

	period, err := engine.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return
	}
	lines := make([]engine.TBLine, len(req.Lines))
	for i, l := range req.Lines {
		amount, err := decimal.NewFromString(l.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid line amount", err)
			return
		}
		lines[i] = engine.TBLine{Account: engine.AccountID(l.Account), Amount: amount}
	}

	snap := engine.TBSnapshot{
		ID:        req.ID,
		Entity:    engine.EntityID(req.EntityID),
		TaxYear:   req.TaxYear,
		Period:    period,
		Type:      engine.SnapshotType(req.Type),
		Source:    engine.SnapshotSource(req.Source),
		RunID:     engine.RunID(req.RunID),
		Lines:     lines,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.AppendSnapshot(r.Context(), snap); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// ListSnapshots returns the base snapshots for an entity and tax year.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entity := q.Get("entity")
	taxYear, yearErr := strconv.Atoi(q.Get("tax_year"))
	if entity == "" || yearErr != nil {
		writeError(w, http.StatusBadRequest, "entity and tax_year query params are required", yearErr)
		return
	}

	snaps, err := h.Store.Snapshots(r.Context(), engine.EntityID(entity), taxYear)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type lineOut struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	type snapOut struct {
		ID      string    `json:"id"`
		Entity  string    `json:"entity"`
		TaxYear int       `json:"tax_year"`
		Period  string    `json:"period"`
		Type    string    `json:"type"`
		Source  string    `json:"source"`
		RunID   string    `json:"run_id"`
		Lines   []lineOut `json:"lines"`
	}

	out := make([]snapOut, len(snaps))
	for i, s := range snaps {
		lines := make([]lineOut, len(s.Lines))
		for j, l := range s.Lines {
			lines[j] = lineOut{Account: string(l.Account), Amount: l.Amount.String()}
		}
		out[i] = snapOut{
			ID:      s.ID,
			Entity:  string(s.Entity),
			TaxYear: s.TaxYear,
			Period:  s.Period.String(),
			Type:    string(s.Type),
			Source:  string(s.Source),
			RunID:   string(s.RunID),
			Lines:   lines,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func parseDatePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]string{"error": message}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}

// writeDomainError maps engine errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case engine.IsConflict(err),
		errors.Is(err, engine.ErrDuplicateSnapshot),
		errors.Is(err, engine.ErrDuplicateOverlay),
		errors.Is(err, engine.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Conflict", err)
	case engine.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

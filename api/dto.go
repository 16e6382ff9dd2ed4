/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal domain model from the external API contract,
  allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND PERCENTAGES:
  All money and percentage fields travel as decimal strings ("1234.56"),
  never as floats. Parsing happens in the handlers; a malformed amount
  is a 400, not a silent precision loss.

VALIDATION:
  Structural validation via go-playground/validator struct tags, run in
  the handlers. Domain validation (splits, cycles, tolerances) belongs
  to the engine.

SEE ALSO:
  - handlers.go: parses these into engine types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/rollup-engine/engine"
)

// =============================================================================
// RUN TYPES
// =============================================================================

// ComputeRequest asks for a new roll-up run over a scope.
type ComputeRequest struct {
	ClientGroup   string `json:"client_group" validate:"required"`
	TaxYear       int    `json:"tax_year" validate:"required,gte=1900,lte=2200"`
	ThroughPeriod string `json:"through_period" validate:"required"`
}

// RunDTO represents a run in API responses.
type RunDTO struct {
	ID               string   `json:"id"`
	ClientGroup      string   `json:"client_group"`
	TaxYear          int      `json:"tax_year"`
	ThroughPeriod    string   `json:"through_period"`
	Status           string   `json:"status"`
	InputFingerprint string   `json:"input_fingerprint"`
	Reason           string   `json:"reason,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	CreatedAt        string   `json:"created_at"`
	StartedAt        *string  `json:"started_at,omitempty"`
	CompletedAt      *string  `json:"completed_at,omitempty"`
	PublishedAt      *string  `json:"published_at,omitempty"`
}

func runDTO(run engine.Run) RunDTO {
	return RunDTO{
		ID:               string(run.ID),
		ClientGroup:      string(run.Group),
		TaxYear:          run.TaxYear,
		ThroughPeriod:    run.Through.String(),
		Status:           string(run.Status),
		InputFingerprint: run.InputFingerprint,
		Reason:           run.Reason,
		Warnings:         run.Warnings,
		CreatedAt:        run.CreatedAt.Format(time.RFC3339),
		StartedAt:        timeString(run.StartedAt),
		CompletedAt:      timeString(run.CompletedAt),
		PublishedAt:      timeString(run.PublishedAt),
	}
}

// =============================================================================
// OVERLAY TYPES
// =============================================================================

// OverlayEntryDTO represents one calculated overlay amount.
type OverlayEntryDTO struct {
	Entity  string `json:"entity"`
	TaxYear int    `json:"tax_year"`
	Period  string `json:"period"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	RunID   string `json:"run_id"`
}

func overlayDTO(e engine.OverlayEntry) OverlayEntryDTO {
	return OverlayEntryDTO{
		Entity:  string(e.Entity),
		TaxYear: e.TaxYear,
		Period:  e.Period.String(),
		Account: string(e.Account),
		Amount:  e.Amount.StringFixed(2),
		RunID:   string(e.RunID),
	}
}

// =============================================================================
// RECON TYPES
// =============================================================================

// ReconComputeRequest asks for a reconciliation pass over a scope/period.
type ReconComputeRequest struct {
	ClientGroup string `json:"client_group" validate:"required"`
	TaxYear     int    `json:"tax_year" validate:"required,gte=1900,lte=2200"`
	Period      string `json:"period" validate:"required"`
}

// ReconStatusRequest updates the user-owned triage fields of a result.
type ReconStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=open partial cleared"`
	Notes  string `json:"notes"`
}

// ReconResultDTO represents a reconciliation result.
type ReconResultDTO struct {
	ID                 string `json:"id"`
	Pair               string `json:"pair"`
	TaxYear            int    `json:"tax_year"`
	Period             string `json:"period"`
	PayerAmount        string `json:"payer_amount"`
	ReceiverAmount     string `json:"receiver_amount"`
	Variance           string `json:"variance"`
	Flagged            bool   `json:"flagged"`
	MissingCounterpart string `json:"missing_counterpart,omitempty"`
	Status             string `json:"status"`
	Notes              string `json:"notes,omitempty"`
	ComputedAt         string `json:"computed_at"`
}

func reconDTO(r engine.ReconResult) ReconResultDTO {
	return ReconResultDTO{
		ID:                 r.ID,
		Pair:               string(r.Pair),
		TaxYear:            r.TaxYear,
		Period:             r.Period.String(),
		PayerAmount:        r.PayerAmount.StringFixed(2),
		ReceiverAmount:     r.ReceiverAmount.StringFixed(2),
		Variance:           r.Variance.StringFixed(2),
		Flagged:            r.Flagged,
		MissingCounterpart: r.MissingCounterpart,
		Status:             string(r.Status),
		Notes:              r.Notes,
		ComputedAt:         r.ComputedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// TIE-OUT TYPES
// =============================================================================

// TieOutContributorDTO is one account/period delta in a tie-out report.
type TieOutContributorDTO struct {
	Account string `json:"account"`
	Period  string `json:"period"`
	Amount  string `json:"amount"`
}

// TieOutReportDTO represents a tie-out check result.
type TieOutReportDTO struct {
	Entity          string                 `json:"entity"`
	TaxYear         int                    `json:"tax_year"`
	ImportRun       string                 `json:"import_run"`
	Matches         bool                   `json:"matches"`
	Difference      string                 `json:"difference"`
	TopContributors []TieOutContributorDTO `json:"top_contributors"`
}

func tieOutDTO(r engine.TieOutReport) TieOutReportDTO {
	contributors := make([]TieOutContributorDTO, len(r.TopContributors))
	for i, c := range r.TopContributors {
		contributors[i] = TieOutContributorDTO{
			Account: string(c.Account),
			Period:  c.Period.String(),
			Amount:  c.Amount.StringFixed(2),
		}
	}
	return TieOutReportDTO{
		Entity:          string(r.Entity),
		TaxYear:         r.TaxYear,
		ImportRun:       string(r.ImportRun),
		Matches:         r.Matches,
		Difference:      r.Difference.StringFixed(2),
		TopContributors: contributors,
	}
}

// =============================================================================
// CONFIGURATION TYPES
// =============================================================================

// CreateEntityRequest registers a legal/tax entity.
type CreateEntityRequest struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=partnership s_corp trust individual"`
	Status   string `json:"status" validate:"omitempty,oneof=active inactive"`
	EIN      string `json:"ein"`
	TaxClass string `json:"tax_class"`
}

// EntityDTO represents an entity in API responses.
type EntityDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	EIN      string `json:"ein,omitempty"`
	TaxClass string `json:"tax_class,omitempty"`
}

// AddGroupMemberRequest adds an entity to a client group.
type AddGroupMemberRequest struct {
	EntityID string `json:"entity_id" validate:"required"`
}

// OwnerDTO is one row of an agreement's ownership table.
type OwnerDTO struct {
	EntityID            string  `json:"entity_id" validate:"required"`
	OwnershipPct        string  `json:"ownership_pct" validate:"required"`
	IncomeAllocationPct *string `json:"income_allocation_pct,omitempty"`
}

// CreateAgreementRequest saves an effective-dated agreement.
type CreateAgreementRequest struct {
	ID            string     `json:"id" validate:"required"`
	EntityID      string     `json:"entity_id" validate:"required"`
	EffectiveFrom string     `json:"effective_from" validate:"required"`
	EffectiveTo   *string    `json:"effective_to,omitempty"`
	Draft         bool       `json:"draft"`
	Owners        []OwnerDTO `json:"owners" validate:"dive"`
}

// RuleAllocationDTO is one row of a special rule's allocation table.
// Exactly one of amount or pct is set.
type RuleAllocationDTO struct {
	Owner  string  `json:"owner" validate:"required"`
	Amount *string `json:"amount,omitempty"`
	Pct    *string `json:"pct,omitempty"`
}

// CreateRuleRequest saves a special allocation rule.
type CreateRuleRequest struct {
	ID            string              `json:"id" validate:"required"`
	EntityID      string              `json:"entity_id" validate:"required"`
	Scope         string              `json:"scope" validate:"required,oneof=entity_wide account"`
	Account       string              `json:"account" validate:"required_if=Scope account"`
	EffectiveFrom string              `json:"effective_from" validate:"required"`
	EffectiveTo   *string             `json:"effective_to,omitempty"`
	Allocations   []RuleAllocationDTO `json:"allocations" validate:"required,dive"`
}

// CreateMappingRequest saves a roll-up mapping for an owned→owner pair.
type CreateMappingRequest struct {
	Owned         string  `json:"owned" validate:"required"`
	Owner         string  `json:"owner" validate:"required"`
	TargetAccount string  `json:"target_account" validate:"required"`
	EffectiveFrom string  `json:"effective_from" validate:"required"`
	EffectiveTo   *string `json:"effective_to,omitempty"`
}

// CreateReconPairRequest configures an intercompany comparison.
type CreateReconPairRequest struct {
	ID              string `json:"id" validate:"required"`
	ClientGroup     string `json:"client_group" validate:"required"`
	Payer           string `json:"payer" validate:"required"`
	PayerAccount    string `json:"payer_account" validate:"required"`
	Receiver        string `json:"receiver" validate:"required"`
	ReceiverAccount string `json:"receiver_account" validate:"required"`
	Sign            string `json:"sign" validate:"required,oneof=as_is flip_receiver flip_payer"`
	Tolerance       string `json:"tolerance" validate:"required"`
}

// =============================================================================
// SNAPSHOT INGESTION
// =============================================================================

// TBLineDTO is one account line within an ingested snapshot.
type TBLineDTO struct {
	Account string `json:"account" validate:"required"`
	Amount  string `json:"amount" validate:"required"`
}

// IngestSnapshotRequest writes one immutable base snapshot.
type IngestSnapshotRequest struct {
	ID       string      `json:"id" validate:"required"`
	EntityID string      `json:"entity_id" validate:"required"`
	TaxYear  int         `json:"tax_year" validate:"required,gte=1900,lte=2200"`
	Period   string      `json:"period" validate:"required"`
	Type     string      `json:"type" validate:"required,oneof=PRIOR_ENDING MONTH_ACTIVITY"`
	Source   string      `json:"source" validate:"required,oneof=IMPORTED MANUAL DERIVED"`
	RunID    string      `json:"run_id" validate:"required"`
	Lines    []TBLineDTO `json:"lines" validate:"required,dive"`
}

// =============================================================================
// HELPERS
// =============================================================================

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func decimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

/*
recon.go - Intercompany reconciliation variance engine

PURPOSE:
  Independently computes payer/receiver variances for configured
  intercompany pairs from base trial-balance data only - never from
  overlays. Variance over tolerance and missing-counterpart conditions
  are NOT errors: they are data conditions surfaced on a ReconResult
  for human triage.

USER-OWNED FIELDS:
  Status and notes belong to staff, not the engine. Recomputation
  refreshes the numeric fields and leaves status/notes untouched,
  unless the pair's account mapping changed since the prior result -
  then the old triage no longer describes the same comparison and the
  result resets to open.

SEE ALSO:
  - tieout.go: the other base-only integrity check
  - store.go: ReconStore persistence contract
*/
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECON CONFIGURATION
// =============================================================================

// SignRule normalizes the sign conventions of the two sides before
// comparison. A payer booking an expense (negative) against a receiver
// booking income (positive) needs one side flipped to compare.
type SignRule string

const (
	SignAsIs         SignRule = "as_is"
	SignFlipReceiver SignRule = "flip_receiver"
	SignFlipPayer    SignRule = "flip_payer"
)

// ReconPair configures one intercompany comparison.
type ReconPair struct {
	ID    PairID
	Group GroupID

	Payer           EntityID
	PayerAccount    AccountID
	Receiver        EntityID
	ReceiverAccount AccountID

	Sign      SignRule
	Tolerance decimal.Decimal
}

// MappingFingerprint identifies the comparison the pair currently
// describes. When it changes, prior user triage is reset.
func (p ReconPair) MappingFingerprint() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s",
		p.Payer, p.PayerAccount, p.Receiver, p.ReceiverAccount, p.Sign)))
	return hex.EncodeToString(h[:8])
}

// =============================================================================
// RECON RESULTS
// =============================================================================

type ReconStatus string

const (
	ReconOpen    ReconStatus = "open"
	ReconPartial ReconStatus = "partial"
	ReconCleared ReconStatus = "cleared"
)

// Missing-counterpart sides.
const (
	MissingNone     = ""
	MissingPayer    = "payer"
	MissingReceiver = "receiver"
)

// ReconResult is the computed comparison for one pair and period.
// Numeric fields are engine-owned and recomputed whenever base data
// changes; Status and Notes are user-owned.
type ReconResult struct {
	ID      string
	Pair    PairID
	TaxYear int
	Period  Period

	PayerAmount    decimal.Decimal
	ReceiverAmount decimal.Decimal
	Variance       decimal.Decimal

	// Flagged means |variance| exceeded the pair's tolerance.
	Flagged bool

	// MissingCounterpart names the side with no activity when the other
	// side has some. Distinct from a simple variance.
	MissingCounterpart string

	Status ReconStatus
	Notes  string

	Fingerprint string
	ComputedAt  time.Time
}

// ReconResultID builds the stable identity for a pair/period result.
func ReconResultID(pair PairID, taxYear int, period Period) string {
	return fmt.Sprintf("%s-%d-%s", pair, taxYear, period)
}

// =============================================================================
// RECON ENGINE
// =============================================================================

type ReconEngine struct{}

// Compute builds the result for one pair and period. payer and receiver
// are the monthly activity amounts for the configured accounts; nil
// means the side has no base line for the period. prior, when non-nil,
// supplies the user-owned status/notes to carry forward.
func (re *ReconEngine) Compute(pair ReconPair, taxYear int, period Period, payer, receiver *decimal.Decimal, prior *ReconResult) ReconResult {
	res := ReconResult{
		ID:          ReconResultID(pair.ID, taxYear, period),
		Pair:        pair.ID,
		TaxYear:     taxYear,
		Period:      period,
		Status:      ReconOpen,
		Fingerprint: pair.MappingFingerprint(),
		ComputedAt:  time.Now().UTC(),
	}

	var payerAmt, receiverAmt decimal.Decimal
	if payer != nil {
		payerAmt = *payer
	}
	if receiver != nil {
		receiverAmt = *receiver
	}

	normPayer, normReceiver := payerAmt, receiverAmt
	switch pair.Sign {
	case SignFlipReceiver:
		normReceiver = receiverAmt.Neg()
	case SignFlipPayer:
		normPayer = payerAmt.Neg()
	}

	res.PayerAmount = Cents(normPayer)
	res.ReceiverAmount = Cents(normReceiver)
	res.Variance = Cents(normPayer.Sub(normReceiver))
	res.Flagged = res.Variance.Abs().GreaterThan(pair.Tolerance)

	switch {
	case payer == nil && receiver != nil:
		res.MissingCounterpart = MissingPayer
	case receiver == nil && payer != nil:
		res.MissingCounterpart = MissingReceiver
	}

	// Preserve user triage across recomputation, unless the account
	// mapping changed underneath it.
	if prior != nil && prior.Fingerprint == res.Fingerprint {
		res.Status = prior.Status
		res.Notes = prior.Notes
	}
	return res
}

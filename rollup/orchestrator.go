/*
Package rollup drives roll-up computation passes over a client group.

PURPOSE:
  The orchestrator owns one "run": it resolves the ownership graph per
  period, derives base net passthrough income per entity from trial-
  balance lines, invokes the allocation engine, stages overlay entries,
  and commits them atomically when the run reaches computed. It also
  hosts the independent reconciliation and tie-out passes, which read
  base data only.

FAILURE SEMANTICS:
  Any validation failure (cycle, allocation mismatch, missing mapping,
  missing base data feeding an allocation) transitions the run to
  failed with the error recorded verbatim. Nothing from a failed run is
  ever visible to readers, and the previously published run stays fully
  intact and queryable.

SEE ALSO:
  - worker.go: background job execution and the stale-run sweep
  - engine/store.go: persistence contract this package drives
*/
package rollup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ledgerline/rollup-engine/engine"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	Store     engine.Store
	Allocator *engine.Allocator
	Recon     *engine.ReconEngine
	TieOut    *engine.TieOutValidator

	// SplitTolerance gates the 100% income-split invariant on
	// agreements used by a run, in percentage points.
	SplitTolerance decimal.Decimal

	Log *logrus.Logger
}

func NewOrchestrator(store engine.Store, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{
		Store:          store,
		Allocator:      engine.NewAllocator(),
		Recon:          &engine.ReconEngine{},
		TieOut:         engine.NewTieOutValidator(),
		SplitTolerance: engine.DefaultSplitTolerance,
		Log:            log,
	}
}

// =============================================================================
// COMPUTE REQUESTS
// =============================================================================

// RequestCompute creates a draft run for the scope and returns its ID.
// The run is executed by Compute, typically from a background worker.
// The input fingerprint is captured at request time so byte-identical
// inputs are recognizable across runs.
func (o *Orchestrator) RequestCompute(ctx context.Context, group engine.GroupID, taxYear int, through engine.Period) (engine.RunID, error) {
	if _, err := engine.PeriodsThrough(taxYear, through); err != nil {
		return "", err
	}

	fingerprint, err := o.fingerprint(ctx, group, taxYear, through)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	run := engine.Run{
		ID:               engine.RunID(fmt.Sprintf("run-%d", now.UnixNano())),
		Group:            group,
		TaxYear:          taxYear,
		Through:          through,
		Status:           engine.RunDraft,
		InputFingerprint: fingerprint,
		CreatedAt:        now,
	}
	if err := o.Store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	return run.ID, nil
}

// Compute executes a draft run to completion or failure. A conflicting
// in-flight run for the same scope fails fast with *RunConflictError
// and leaves this run in draft.
func (o *Orchestrator) Compute(ctx context.Context, runID engine.RunID) error {
	run, err := o.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := o.Store.BeginCompute(ctx, runID, time.Now().UTC()); err != nil {
		return err
	}

	log := o.Log.WithFields(logrus.Fields{
		"component":    "orchestrator",
		"run_id":       runID,
		"client_group": run.Group,
		"tax_year":     run.TaxYear,
	})
	log.Info("run computing")

	entries, warnings, computeErr := o.computePass(ctx, *run)
	now := time.Now().UTC()

	if computeErr != nil {
		log.WithError(computeErr).Warn("run failed validation")
		if err := o.Store.CompleteRun(ctx, runID, engine.RunFailed, computeErr.Error(), warnings, now); err != nil {
			return err
		}
		return computeErr
	}

	// Overlay entries become durable before the status flips to
	// computed; readers only ever reach them through a computed or
	// published run, so a failure between the two writes leaves
	// nothing visible.
	if err := o.Store.AppendOverlays(ctx, entries); err != nil {
		if cerr := o.Store.CompleteRun(ctx, runID, engine.RunFailed, err.Error(), warnings, now); cerr != nil {
			log.WithError(cerr).Error("failed to record run failure")
		}
		return err
	}
	if err := o.Store.CompleteRun(ctx, runID, engine.RunComputed, "", warnings, now); err != nil {
		return err
	}

	log.WithField("overlay_entries", len(entries)).Info("run computed")
	return nil
}

// Publish transitions a computed run to published, atomically
// displacing the previously published run for the same scope.
func (o *Orchestrator) Publish(ctx context.Context, runID engine.RunID) error {
	return o.Store.PublishRun(ctx, runID, time.Now().UTC())
}

// =============================================================================
// COMPUTE PASS
// =============================================================================

type entityBase struct {
	// activity holds per-period, per-account monthly activity.
	activity map[engine.Period]map[engine.AccountID]decimal.Decimal
}

func (o *Orchestrator) computePass(ctx context.Context, run engine.Run) ([]engine.OverlayEntry, []string, error) {
	members, err := o.Store.GroupMembers(ctx, run.Group)
	if err != nil {
		return nil, nil, err
	}
	periods, err := engine.PeriodsThrough(run.TaxYear, run.Through)
	if err != nil {
		return nil, nil, err
	}

	agreements := make(map[engine.EntityID][]engine.Agreement, len(members))
	rules := make(map[engine.EntityID][]engine.SpecialRule, len(members))
	base := make(map[engine.EntityID]*entityBase, len(members))
	for _, m := range members {
		if agreements[m], err = o.Store.Agreements(ctx, m); err != nil {
			return nil, nil, err
		}
		if rules[m], err = o.Store.Rules(ctx, m); err != nil {
			return nil, nil, err
		}
		snaps, err := o.Store.Snapshots(ctx, m, run.TaxYear)
		if err != nil {
			return nil, nil, err
		}
		base[m] = indexActivity(snaps)
	}

	mappingCache := make(map[[2]engine.EntityID][]engine.RollupMapping)
	staged := make(map[engine.OverlayKey]decimal.Decimal)
	var warnings []string
	warned := make(map[engine.EntityID]bool)

	for _, period := range periods {
		asOf := period.End()

		graph, err := engine.ResolveGraph(members, agreements, asOf)
		if err != nil {
			return nil, warnings, err
		}

		for _, owned := range members {
			owners := graph.OwnersOf(owned)
			activity, hasData := base[owned].activity[period]

			if len(owners) == 0 {
				// Terminal node: a base-data gap is a warning, not a
				// run failure, because nothing allocates from it.
				if !hasData && !warned[owned] {
					warned[owned] = true
					warnings = append(warnings, (&engine.IncompleteBaseDataError{
						Entity: owned, TaxYear: run.TaxYear, Missing: []engine.Period{period},
					}).Error())
				}
				continue
			}

			agreement := engine.ResolveAgreement(agreements[owned], asOf, false)
			if err := agreement.ValidateSplit(o.SplitTolerance); err != nil {
				return nil, warnings, err
			}

			if !hasData {
				// This entity's income feeds an allocation; a gap here
				// is fatal rather than an assumed zero.
				return nil, warnings, &engine.IncompleteBaseDataError{
					Entity: owned, TaxYear: run.TaxYear, Missing: []engine.Period{period},
				}
			}

			netIncome := decimal.Zero
			for _, amt := range activity {
				netIncome = netIncome.Add(amt)
			}

			result, err := o.Allocator.Allocate(engine.AllocationInput{
				Entity:        owned,
				Period:        period,
				NetIncome:     netIncome,
				AccountIncome: activity,
				Owners:        owners,
				Rules:         rules[owned],
			})
			if err != nil {
				return nil, warnings, err
			}

			for _, share := range result.Shares {
				if share.Amount.IsZero() {
					continue
				}
				mapping, err := o.resolveMapping(ctx, mappingCache, owned, share.Owner, asOf)
				if err != nil {
					return nil, warnings, err
				}
				if mapping == nil {
					return nil, warnings, &engine.MissingMappingError{Owned: owned, Owner: share.Owner, Period: period}
				}
				key := engine.OverlayKey{
					Entity:  share.Owner,
					TaxYear: run.TaxYear,
					Period:  period,
					Account: mapping.TargetAccount,
				}
				staged[key] = staged[key].Add(share.Amount)
			}
		}
	}

	return o.flatten(staged, run.ID), warnings, nil
}

func (o *Orchestrator) resolveMapping(ctx context.Context, cache map[[2]engine.EntityID][]engine.RollupMapping, owned, owner engine.EntityID, asOf time.Time) (*engine.RollupMapping, error) {
	k := [2]engine.EntityID{owned, owner}
	history, ok := cache[k]
	if !ok {
		var err error
		history, err = o.Store.Mappings(ctx, owned, owner)
		if err != nil {
			return nil, err
		}
		cache[k] = history
	}
	return engine.ResolveMapping(history, asOf), nil
}

// flatten turns the aggregated staging map into deterministic, sorted
// overlay entries tied to the run.
func (o *Orchestrator) flatten(staged map[engine.OverlayKey]decimal.Decimal, runID engine.RunID) []engine.OverlayEntry {
	keys := make([]engine.OverlayKey, 0, len(staged))
	for k := range staged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if !a.Period.Equal(b.Period) {
			return a.Period.Before(b.Period)
		}
		return a.Account < b.Account
	})

	now := time.Now().UTC()
	entries := make([]engine.OverlayEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, engine.OverlayEntry{
			Entity:    k.Entity,
			TaxYear:   k.TaxYear,
			Period:    k.Period,
			Account:   k.Account,
			Amount:    engine.Cents(staged[k]),
			RunID:     runID,
			CreatedAt: now,
		})
	}
	return entries
}

func indexActivity(snaps []engine.TBSnapshot) *entityBase {
	b := &entityBase{activity: make(map[engine.Period]map[engine.AccountID]decimal.Decimal)}
	for _, s := range snaps {
		if s.Type != engine.SnapshotMonthActivity {
			continue
		}
		m := b.activity[s.Period]
		if m == nil {
			m = make(map[engine.AccountID]decimal.Decimal)
			b.activity[s.Period] = m
		}
		for _, l := range s.Lines {
			m[l.Account] = m[l.Account].Add(l.Amount)
		}
	}
	return b
}

// =============================================================================
// READ VIEWS
// =============================================================================

// OverlaysFor resolves a run reference ("published" or a concrete run
// ID) and returns the overlay entries for the entity/year/period. Only
// computed and published runs are readable: rows staged by a run that
// later failed (or is still in flight) never reach a reader, even one
// holding the run ID.
func (o *Orchestrator) OverlaysFor(ctx context.Context, group engine.GroupID, entity engine.EntityID, taxYear int, period engine.Period, runRef string) ([]engine.OverlayEntry, error) {
	var run *engine.Run
	var err error
	if runRef == "published" {
		run, err = o.Store.PublishedRun(ctx, group, taxYear)
	} else {
		run, err = o.Store.GetRun(ctx, engine.RunID(runRef))
	}
	if err != nil {
		return nil, err
	}
	if run.Status != engine.RunComputed && run.Status != engine.RunPublished {
		return nil, engine.ErrRunNotReadable
	}
	return o.Store.Overlays(ctx, entity, taxYear, period, run.ID)
}

// =============================================================================
// RECONCILIATION PASS - base data only, independent of runs
// =============================================================================

// ComputeRecon recomputes every configured pair for the group and
// period. Numeric fields are refreshed; user-owned status/notes are
// preserved unless the pair's account mapping changed.
func (o *Orchestrator) ComputeRecon(ctx context.Context, group engine.GroupID, taxYear int, period engine.Period) ([]engine.ReconResult, error) {
	pairs, err := o.Store.ReconPairs(ctx, group)
	if err != nil {
		return nil, err
	}

	var results []engine.ReconResult
	for _, pair := range pairs {
		payer, err := o.activityAmount(ctx, pair.Payer, taxYear, period, pair.PayerAccount)
		if err != nil {
			return nil, err
		}
		receiver, err := o.activityAmount(ctx, pair.Receiver, taxYear, period, pair.ReceiverAccount)
		if err != nil {
			return nil, err
		}

		prior, err := o.Store.GetReconResult(ctx, engine.ReconResultID(pair.ID, taxYear, period))
		if err != nil && !engine.IsNotFound(err) {
			return nil, err
		}

		res := o.Recon.Compute(pair, taxYear, period, payer, receiver, prior)
		if err := o.Store.SaveReconResult(ctx, res); err != nil {
			return nil, err
		}
		if prior != nil && prior.Fingerprint != res.Fingerprint {
			// Account mapping changed underneath the triage: reset it.
			if err := o.Store.SetReconTriage(ctx, res.ID, engine.ReconOpen, ""); err != nil {
				return nil, err
			}
			res.Status = engine.ReconOpen
			res.Notes = ""
		}
		results = append(results, res)
	}
	return results, nil
}

// activityAmount returns the summed monthly activity for one account,
// or nil when the entity has no base line for it in the period.
func (o *Orchestrator) activityAmount(ctx context.Context, entity engine.EntityID, taxYear int, period engine.Period, account engine.AccountID) (*decimal.Decimal, error) {
	snaps, err := o.Store.Snapshots(ctx, entity, taxYear)
	if err != nil {
		return nil, err
	}
	var total decimal.Decimal
	found := false
	for _, s := range snaps {
		if s.Type != engine.SnapshotMonthActivity || !s.Period.Equal(period) {
			continue
		}
		for _, l := range s.Lines {
			if l.Account == account {
				total = total.Add(l.Amount)
				found = true
			}
		}
	}
	if !found {
		return nil, nil
	}
	return &total, nil
}

// =============================================================================
// TIE-OUT
// =============================================================================

// TieOutReport compares base-only totals against the designated import
// run's totals for one entity and tax year.
func (o *Orchestrator) TieOutReport(ctx context.Context, entity engine.EntityID, taxYear int, importRun engine.RunID) (*engine.TieOutReport, error) {
	snaps, err := o.Store.Snapshots(ctx, entity, taxYear)
	if err != nil {
		return nil, err
	}
	report := o.TieOut.TieOut(entity, taxYear, importRun, snaps)
	return &report, nil
}

// =============================================================================
// INPUT FINGERPRINT
// =============================================================================

// fingerprint hashes the identities of every base snapshot and the
// content of every configuration record the run would consume.
// Identical inputs hash identically, so two runs over unchanged data
// are recognizably equivalent.
func (o *Orchestrator) fingerprint(ctx context.Context, group engine.GroupID, taxYear int, through engine.Period) (string, error) {
	members, err := o.Store.GroupMembers(ctx, group)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	fmt.Fprintf(h, "scope|%s|%d|%s\n", group, taxYear, through)

	for _, m := range members {
		snaps, err := o.Store.Snapshots(ctx, m, taxYear)
		if err != nil {
			return "", err
		}
		for _, s := range snaps {
			fmt.Fprintf(h, "snap|%s|%s|%s|%s|%s|%s\n", s.Entity, s.Period, s.Type, s.Source, s.RunID, s.ID)
		}

		ags, err := o.Store.Agreements(ctx, m)
		if err != nil {
			return "", err
		}
		for _, a := range ags {
			fmt.Fprintf(h, "agreement|%s|%s|%v|%v|%v\n", a.ID, a.EffectiveFrom.Format(time.RFC3339), a.EffectiveTo, a.Draft, a.Owners)
		}

		rs, err := o.Store.Rules(ctx, m)
		if err != nil {
			return "", err
		}
		for _, r := range rs {
			fmt.Fprintf(h, "rule|%s|%s|%s|%s|%v|%v\n", r.ID, r.Scope, r.Account, r.EffectiveFrom.Format(time.RFC3339), r.EffectiveTo, r.Allocations)
		}
	}

	for _, owned := range members {
		for _, owner := range members {
			maps, err := o.Store.Mappings(ctx, owned, owner)
			if err != nil {
				return "", err
			}
			for _, m := range maps {
				fmt.Fprintf(h, "mapping|%s|%s|%s|%s|%v\n", m.Owned, m.Owner, m.TargetAccount, m.EffectiveFrom.Format(time.RFC3339), m.EffectiveTo)
			}
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

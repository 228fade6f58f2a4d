/**
 * @description
 * Interest settlement engine. Once per calendar day a cron job sweeps every
 * deposit record across all users whose maturity is on or before today's
 * process-local midnight and applies the accrual / rollover state machine:
 *
 *   - demand records compound in place and roll one cycle forward,
 *   - fixed records with a requested extension adopt their pending plan,
 *   - fixed records without one convert into a demand record.
 *
 * One record's failure is logged and skipped; it never aborts the batch for
 * other records or users. After the sweep the record compactor runs.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pennybot/deposit-service/internal/domain"
	"github.com/pennybot/deposit-service/internal/store"
	"github.com/pennybot/deposit-service/pkg/rabbitmq"
)

// SettlementJobs contains the scheduled maintenance tasks of the ledger.
type SettlementJobs struct {
	repo      store.Repository
	compactor *Compactor
	events    rabbitmq.Publisher // may be nil
	exchange  string
	demand    domain.DemandPolicy
	logger    *slog.Logger
	now       func() time.Time
}

// NewSettlementJobs creates the settlement job runner.
func NewSettlementJobs(repo store.Repository, compactor *Compactor, events rabbitmq.Publisher, demand domain.DemandPolicy, logger *slog.Logger) *SettlementJobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementJobs{
		repo:      repo,
		compactor: compactor,
		events:    events,
		exchange:  LedgerEventExchange,
		demand:    demand,
		logger:    logger,
		now:       time.Now,
	}
}

// RunSettlement is the cron entry point for the daily sweep.
func (j *SettlementJobs) RunSettlement() {
	j.logger.Info("starting interest settlement sweep")
	ctx := context.Background()

	settled, failed := j.Sweep(ctx)
	merged := 0
	if j.compactor != nil {
		merged = j.compactor.Run(ctx)
	}

	j.logger.Info("interest settlement sweep finished",
		"settled", settled, "failed", failed, "merged", merged)

	if j.events != nil {
		event := domain.SettlementCompletedEvent{
			RunDate:        domain.DayStart(j.now()),
			RecordsSettled: settled,
			RecordsFailed:  failed,
			RecordsMerged:  merged,
		}
		if err := j.events.Publish(ctx, j.exchange, "ledger.settlement", event); err != nil {
			j.logger.Warn("failed to publish settlement event", "error", err)
		}
	}
}

// Sweep settles every due record once and returns the settled/failed counts.
func (j *SettlementJobs) Sweep(ctx context.Context) (settled, failed int) {
	asOf := domain.DayStart(j.now())
	due, err := j.repo.ListDueRecords(ctx, asOf)
	if err != nil {
		j.logger.Error("failed to list due records; skipping sweep", "error", err)
		return 0, 0
	}
	if len(due) == 0 {
		return 0, 0
	}
	j.logger.Info("found due records", "count", len(due))

	for _, rec := range due {
		if err := j.settleRecord(ctx, rec); err != nil {
			failed++
			if errors.Is(err, store.ErrVersionConflict) {
				// An interactive operation won the race; the record will be
				// picked up again on the next sweep.
				j.logger.Warn("record changed during settlement, skipping",
					"record_id", rec.ID, "user_id", rec.UserID)
				continue
			}
			j.logger.Error("failed to settle record",
				"record_id", rec.ID, "user_id", rec.UserID, "error", err)
			continue
		}
		settled++
	}
	return settled, failed
}

func (j *SettlementJobs) settleRecord(ctx context.Context, rec domain.DepositRecord) error {
	interest := domain.InterestFor(rec.Principal, rec.Rate)

	if rec.Kind == domain.KindDemand {
		rec.Principal += interest
		rec.NextSettlementAt = domain.RolloverSettlementAt(rec.NextSettlementAt, rec.Cycle)
		return j.repo.UpdateRecord(ctx, &rec, rec.Version)
	}

	if rec.ExtensionRequested {
		return j.extendFixedRecord(ctx, rec, interest)
	}
	return j.convertFixedRecord(ctx, rec, interest)
}

// extendFixedRecord applies interest and rolls the record over under its
// pending plan.
func (j *SettlementJobs) extendFixedRecord(ctx context.Context, rec domain.DepositRecord, interest float64) error {
	rec.Principal += interest
	if rec.PendingRate != nil {
		rec.Rate = *rec.PendingRate
	}
	if rec.PendingCycle != nil {
		rec.Cycle = *rec.PendingCycle
	}
	rec.ExtensionRequested = false
	rec.PendingRate = nil
	rec.PendingCycle = nil
	rec.NextSettlementAt = domain.RolloverSettlementAt(j.now(), rec.Cycle)
	return j.repo.UpdateRecord(ctx, &rec, rec.Version)
}

// convertFixedRecord retires a matured fixed-term record and moves its value
// into a demand record. When demand interest is disabled the replacement is a
// zero-rate demand record: matured principal must never silently leave the
// ledger.
func (j *SettlementJobs) convertFixedRecord(ctx context.Context, rec domain.DepositRecord, interest float64) error {
	matured := rec.Principal + interest

	rate := 0.0
	cycle := domain.CycleMonth
	if j.demand.Enabled {
		rate = j.demand.Rate
		if j.demand.Cycle.Valid() {
			cycle = j.demand.Cycle
		}
	}

	replacement := &domain.DepositRecord{
		ID:               uuid.New(),
		UserID:           rec.UserID,
		Currency:         rec.Currency,
		Principal:        matured,
		Kind:             domain.KindDemand,
		Rate:             rate,
		Cycle:            cycle,
		NextSettlementAt: domain.ConversionSettlementAt(j.now(), cycle),
	}
	if err := j.repo.ConvertRecord(ctx, rec.ID, rec.Version, replacement); err != nil {
		return err
	}

	if j.events != nil {
		event := domain.FixedTermMaturedEvent{
			UserID:     rec.UserID,
			Currency:   rec.Currency,
			Principal:  rec.Principal,
			Interest:   interest,
			OccurredAt: j.now(),
		}
		if err := j.events.Publish(ctx, j.exchange, "ledger.fixedterm.matured", event); err != nil {
			j.logger.Warn("failed to publish maturity event", "record_id", rec.ID, "error", err)
		}
	}
	return nil
}

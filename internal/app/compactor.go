/**
 * @description
 * Record compactor. Repeated small deposits, partial withdrawals, and
 * rollovers fragment a user's demand holdings into many records. After each
 * settlement sweep this pass merges every group of demand records sharing
 * (user, currency, maturity day, rate, cycle) into a single record, bounding
 * storage growth. Merging one group never blocks the others, and running the
 * compactor twice in a row produces no further change.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pennybot/deposit-service/internal/domain"
	"github.com/pennybot/deposit-service/internal/store"
)

// Compactor merges fragmented demand records.
type Compactor struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewCompactor creates a new compactor over the given store.
func NewCompactor(repo store.Repository, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{repo: repo, logger: logger}
}

type demandGroupKey struct {
	UserID   string
	Currency string
	DayUnix  int64
	Rate     float64
	Cycle    domain.Cycle
}

// Run performs one compaction pass and returns the number of records merged
// away.
func (c *Compactor) Run(ctx context.Context) int {
	records, err := c.repo.ListAllDemandRecords(ctx)
	if err != nil {
		c.logger.Error("failed to list demand records; skipping compaction", "error", err)
		return 0
	}

	groups := make(map[demandGroupKey][]domain.DepositRecord)
	var order []demandGroupKey
	for _, rec := range records {
		key := demandGroupKey{
			UserID:   rec.UserID,
			Currency: rec.Currency,
			DayUnix:  domain.DayStart(rec.NextSettlementAt).Unix(),
			Rate:     rec.Rate,
			Cycle:    rec.Cycle,
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	merged := 0
	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		if err := c.mergeGroup(ctx, group); err != nil {
			c.logger.Warn("failed to merge demand group",
				"user_id", key.UserID, "currency", key.Currency, "size", len(group), "error", err)
			continue
		}
		merged += len(group) - 1
	}
	return merged
}

func (c *Compactor) mergeGroup(ctx context.Context, group []domain.DepositRecord) error {
	var principal float64
	for _, rec := range group {
		principal += rec.Principal
	}

	first := group[0]
	replacement := &domain.DepositRecord{
		ID:               uuid.New(),
		UserID:           first.UserID,
		Currency:         first.Currency,
		Principal:        principal,
		Kind:             domain.KindDemand,
		Rate:             first.Rate,
		Cycle:            first.Cycle,
		NextSettlementAt: first.NextSettlementAt,
	}
	return c.repo.ReplaceDemandGroup(ctx, group, replacement)
}

/**
 * @description
 * This file defines the core domain models for the deposit-service.
 * A DepositRecord is one contiguous tranche of principal a user holds in the
 * bank, either as a liquid demand deposit or a locked fixed-term deposit.
 * Balances are always derived from records, never stored separately.
 *
 * @notes
 * - Principal amounts are floating-point currency units. Interest is truncated
 *   toward zero at accrual time (see InterestFor) so repeated settlement never
 *   accumulates fractional drift.
 * - NextSettlementAt is always a process-local midnight-aligned timestamp.
 *   Settlement runs on day granularity; sub-day instants are never persisted.
 */

package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Kind partitions deposit records into the two supported classes.
type Kind string

const (
	KindDemand Kind = "demand"
	KindFixed  Kind = "fixed"
)

// Cycle is the settlement interval of a deposit record.
type Cycle string

const (
	CycleDay   Cycle = "day"
	CycleWeek  Cycle = "week"
	CycleMonth Cycle = "month"
)

// Valid reports whether c is one of the supported settlement cycles.
func (c Cycle) Valid() bool {
	switch c {
	case CycleDay, CycleWeek, CycleMonth:
		return true
	}
	return false
}

// Duration returns the wall-clock length of one settlement cycle.
// A month is approximated as a fixed 30 days; changing this changes
// observable maturity dates, so it stays that way.
func (c Cycle) Duration() time.Duration {
	switch c {
	case CycleWeek:
		return 7 * 24 * time.Hour
	case CycleMonth:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// DepositRecord represents one contiguous deposit tranche.
// This struct maps directly to the `deposit_records` table.
type DepositRecord struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             string     `json:"user_id"`
	Currency           string     `json:"currency"`
	Principal          float64    `json:"principal"`
	Kind               Kind       `json:"kind"`
	Rate               float64    `json:"rate"` // percent per cycle
	Cycle              Cycle      `json:"cycle"`
	NextSettlementAt   time.Time  `json:"next_settlement_at"`
	ExtensionRequested bool       `json:"extension_requested"`
	PendingRate        *float64   `json:"pending_rate,omitempty"`
	PendingCycle       *Cycle     `json:"pending_cycle,omitempty"`
	Version            int64      `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// BankBalance is the derived balance view for one (user, currency) pair.
type BankBalance struct {
	Total  float64 `json:"total"`
	Demand float64 `json:"demand"`
	Fixed  float64 `json:"fixed"`
}

// FixedTermPlan describes one offered fixed-term product.
type FixedTermPlan struct {
	Name  string  `json:"name"`
	Rate  float64 `json:"rate"` // percent per cycle
	Cycle Cycle   `json:"cycle"`
}

// DemandPolicy is the configured demand-deposit interest policy.
type DemandPolicy struct {
	Enabled bool    `json:"enabled"`
	Rate    float64 `json:"rate"`
	Cycle   Cycle   `json:"cycle"`
}

// InterestFor computes one cycle of interest for the given principal and
// percentage rate, truncated toward zero.
func InterestFor(principal, rate float64) float64 {
	return math.Floor(principal * rate / 100)
}

// DayStart truncates t to process-local midnight.
func DayStart(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// FirstSettlementAt computes the first maturity of a newly created,
// user-initiated deposit: one grace day after today's midnight, then one
// full cycle beyond that (the T+1 rule).
func FirstSettlementAt(now time.Time, cycle Cycle) time.Time {
	return DayStart(now).AddDate(0, 0, 1).Add(cycle.Duration())
}

// RolloverSettlementAt computes the maturity following a settlement: one
// cycle on from the settlement date that just passed. No grace day applies
// to rollovers.
func RolloverSettlementAt(settledAt time.Time, cycle Cycle) time.Time {
	return DayStart(settledAt).Add(cycle.Duration())
}

// ConversionSettlementAt computes the maturity of a demand record created by
// converting a matured fixed-term record. Conversions are not user-initiated
// deposits, so the T+1 grace does not apply.
func ConversionSettlementAt(now time.Time, cycle Cycle) time.Time {
	return DayStart(now).Add(cycle.Duration())
}

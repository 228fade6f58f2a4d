/**
 * @description
 * Event payloads published to the ledger topic exchange. The bot's
 * notification layer consumes these to message users about completed
 * operations and matured deposits.
 */
package domain

import "time"

// LedgerOperationEvent is published after a successful interactive operation.
type LedgerOperationEvent struct {
	UserID     string      `json:"user_id"`
	Currency   string      `json:"currency"`
	Operation  string      `json:"operation"` // e.g. "deposit", "withdrawal", "fixed_term_open"
	Amount     float64     `json:"amount"`
	NewCash    float64     `json:"new_cash"`
	Balance    BankBalance `json:"balance"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// FixedTermMaturedEvent is published when a fixed-term record matures and
// converts to demand.
type FixedTermMaturedEvent struct {
	UserID     string    `json:"user_id"`
	Currency   string    `json:"currency"`
	Principal  float64   `json:"principal"`
	Interest   float64   `json:"interest"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SettlementCompletedEvent summarizes one settlement sweep.
type SettlementCompletedEvent struct {
	RunDate        time.Time `json:"run_date"`
	RecordsSettled int       `json:"records_settled"`
	RecordsFailed  int       `json:"records_failed"`
	RecordsMerged  int       `json:"records_merged"`
}

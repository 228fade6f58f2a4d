package app

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pennybot/deposit-service/internal/domain"
	"github.com/pennybot/deposit-service/internal/store"
	"github.com/pennybot/deposit-service/pkg/cashclient"
)

var (
	errCashNotFound     = cashclient.ErrAccountNotFound
	errCashInsufficient = cashclient.ErrInsufficientCash
)

// memRepo is an in-memory Repository fake honoring the store's versioning
// contract, so the ledger's compensation and conflict paths can be exercised
// without PostgreSQL.
type memRepo struct {
	records []domain.DepositRecord

	createErr     error
	applyErr      error
	restoreErr    error
	updateErrFor  map[uuid.UUID]error
	convertErrFor map[uuid.UUID]error
	replaceErrFor map[string]error // key: userID

	applyCalls   int
	restoreCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{
		updateErrFor:  map[uuid.UUID]error{},
		convertErrFor: map[uuid.UUID]error{},
		replaceErrFor: map[string]error{},
	}
}

func (m *memRepo) find(id uuid.UUID) int {
	for i := range m.records {
		if m.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *memRepo) CreateRecord(ctx context.Context, rec *domain.DepositRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	m.records = append(m.records, *rec)
	return nil
}

func (m *memRepo) GetRecord(ctx context.Context, id uuid.UUID) (*domain.DepositRecord, error) {
	i := m.find(id)
	if i < 0 {
		return nil, store.ErrRecordNotFound
	}
	rec := m.records[i]
	return &rec, nil
}

func (m *memRepo) UpdateRecord(ctx context.Context, rec *domain.DepositRecord, expectedVersion int64) error {
	if err := m.updateErrFor[rec.ID]; err != nil {
		return err
	}
	i := m.find(rec.ID)
	if i < 0 {
		return store.ErrRecordNotFound
	}
	if m.records[i].Version != expectedVersion {
		return store.ErrVersionConflict
	}
	updated := *rec
	updated.Version = expectedVersion + 1
	m.records[i] = updated
	rec.Version = updated.Version
	return nil
}

func (m *memRepo) list(filter func(domain.DepositRecord) bool) []domain.DepositRecord {
	var out []domain.DepositRecord
	for _, rec := range m.records {
		if filter(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].NextSettlementAt.Before(out[b].NextSettlementAt)
	})
	return out
}

func (m *memRepo) ListRecords(ctx context.Context, userID, currency string) ([]domain.DepositRecord, error) {
	return m.list(func(r domain.DepositRecord) bool {
		return r.UserID == userID && r.Currency == currency
	}), nil
}

func (m *memRepo) ListDemandRecords(ctx context.Context, userID, currency string) ([]domain.DepositRecord, error) {
	return m.list(func(r domain.DepositRecord) bool {
		return r.UserID == userID && r.Currency == currency && r.Kind == domain.KindDemand
	}), nil
}

func (m *memRepo) ListDueRecords(ctx context.Context, asOf time.Time) ([]domain.DepositRecord, error) {
	return m.list(func(r domain.DepositRecord) bool {
		return !r.NextSettlementAt.After(asOf)
	}), nil
}

func (m *memRepo) ListAllDemandRecords(ctx context.Context) ([]domain.DepositRecord, error) {
	return m.list(func(r domain.DepositRecord) bool {
		return r.Kind == domain.KindDemand
	}), nil
}

func (m *memRepo) ApplyDemandDeductions(ctx context.Context, deductions []store.DemandDeduction) error {
	m.applyCalls++
	if m.applyErr != nil {
		return m.applyErr
	}
	// Validate the whole set before touching anything, like the SQL
	// transaction would.
	for _, d := range deductions {
		i := m.find(d.Record.ID)
		if i < 0 || m.records[i].Version != d.Record.Version {
			return store.ErrVersionConflict
		}
		if !d.Remove && m.records[i].Principal < d.Amount {
			return store.ErrVersionConflict
		}
	}
	for _, d := range deductions {
		i := m.find(d.Record.ID)
		if d.Remove {
			m.records = append(m.records[:i], m.records[i+1:]...)
			continue
		}
		m.records[i].Principal -= d.Amount
		m.records[i].Version++
	}
	return nil
}

func (m *memRepo) RestoreDemandDeductions(ctx context.Context, deductions []store.DemandDeduction) error {
	m.restoreCalls++
	if m.restoreErr != nil {
		return m.restoreErr
	}
	for _, d := range deductions {
		if d.Remove {
			rec := d.Record
			rec.Version++
			m.records = append(m.records, rec)
			continue
		}
		if i := m.find(d.Record.ID); i >= 0 {
			m.records[i].Principal += d.Amount
			m.records[i].Version++
		}
	}
	return nil
}

func (m *memRepo) ConvertRecord(ctx context.Context, oldID uuid.UUID, expectedVersion int64, replacement *domain.DepositRecord) error {
	if err := m.convertErrFor[oldID]; err != nil {
		return err
	}
	i := m.find(oldID)
	if i < 0 || m.records[i].Version != expectedVersion {
		return store.ErrVersionConflict
	}
	m.records = append(m.records[:i], m.records[i+1:]...)
	if replacement != nil {
		if replacement.Version == 0 {
			replacement.Version = 1
		}
		m.records = append(m.records, *replacement)
	}
	return nil
}

func (m *memRepo) ReplaceDemandGroup(ctx context.Context, olds []domain.DepositRecord, merged *domain.DepositRecord) error {
	if len(olds) > 0 {
		if err := m.replaceErrFor[olds[0].UserID]; err != nil {
			return err
		}
	}
	for _, old := range olds {
		i := m.find(old.ID)
		if i < 0 || m.records[i].Version != old.Version {
			return store.ErrVersionConflict
		}
	}
	for _, old := range olds {
		i := m.find(old.ID)
		m.records = append(m.records[:i], m.records[i+1:]...)
	}
	if merged.Version == 0 {
		merged.Version = 1
	}
	m.records = append(m.records, *merged)
	return nil
}

// stubCash is an in-memory CashLedger double.
type stubCash struct {
	balances map[string]float64
	missing  bool

	ensureCalled   bool
	ensureErr      error
	adjustErr      error
	failCreditOnly bool

	adjustCalls []float64
}

func newStubCash(userID, currency string, balance float64) *stubCash {
	return &stubCash{balances: map[string]float64{userID + "/" + currency: balance}}
}

func (c *stubCash) GetBalance(ctx context.Context, userID, currency string) (float64, error) {
	if c.missing {
		return 0, errCashNotFound
	}
	return c.balances[userID+"/"+currency], nil
}

func (c *stubCash) Adjust(ctx context.Context, userID, currency string, delta float64) (float64, error) {
	c.adjustCalls = append(c.adjustCalls, delta)
	if c.adjustErr != nil && (!c.failCreditOnly || delta > 0) {
		return 0, c.adjustErr
	}
	if c.missing {
		return 0, errCashNotFound
	}
	key := userID + "/" + currency
	next := c.balances[key] + delta
	if next < 0 {
		return 0, errCashInsufficient
	}
	c.balances[key] = next
	return next, nil
}

func (c *stubCash) EnsureAccount(ctx context.Context, userID, currency string) error {
	c.ensureCalled = true
	if c.ensureErr != nil {
		return c.ensureErr
	}
	c.missing = false
	return nil
}

var testNow = time.Date(2026, time.March, 14, 15, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(repo store.Repository, cash CashLedger) *Service {
	svc := NewService(repo, cash, nil,
		domain.DemandPolicy{Enabled: true, Rate: 0.25, Cycle: domain.CycleDay},
		[]domain.FixedTermPlan{
			{Name: "weekly", Rate: 4.35, Cycle: domain.CycleWeek},
			{Name: "monthly", Rate: 5, Cycle: domain.CycleMonth},
		},
		testLogger(),
	)
	svc.now = func() time.Time { return testNow }
	return svc
}

func kindOf(err error) ErrorKind {
	return AsOpError(err).Kind
}

package generation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/reklamai/backend/internal/database/dbtest"
	"github.com/reklamai/backend/internal/execution"
	"github.com/reklamai/backend/internal/ledger"
	"github.com/reklamai/backend/internal/models"
	"github.com/reklamai/backend/internal/provider"
	"github.com/reklamai/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// In-memory generation store. Transitions are compare-and-set on status under
// one mutex, mirroring the guarded UPDATE statements.
// ---------------------------------------------------------------------------

type memStore struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*models.Generation
	order []uuid.UUID
	clock time.Time
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uuid.UUID]*models.Generation), clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func isOpen(status string) bool { return !models.IsTerminalStatus(status) }

func clone(g *models.Generation) *models.Generation {
	cp := *g
	if g.CreditsFinal != nil {
		f := *g.CreditsFinal
		cp.CreditsFinal = &f
	}
	cp.ResultURLs = append([]string(nil), g.ResultURLs...)
	return &cp
}

func (m *memStore) CreateTx(_ context.Context, _ pgx.Tx, g *models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(time.Second)
	if len(g.Params) == 0 {
		g.Params = json.RawMessage(`{}`)
	}
	g.CreatedAt, g.UpdatedAt = m.clock, m.clock
	m.rows[g.ID] = clone(g)
	m.order = append(m.order, g.ID)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(g), nil
}

func (m *memStore) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Generation, error) {
	g, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return g, nil
}

func (m *memStore) GetByProviderTaskID(_ context.Context, taskID string) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.rows {
		if taskID != "" && g.ProviderTaskID == taskID {
			return clone(g), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) ListByUser(_ context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Generation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*models.Generation
	for i := len(m.order) - 1; i >= 0; i-- {
		g := m.rows[m.order[i]]
		if g.UserID == userID && (status == "" || g.Status == status) {
			all = append(all, clone(g))
		}
	}
	if offset >= len(all) {
		return []*models.Generation{}, len(all), nil
	}
	return all[offset:min(len(all), offset+limit)], len(all), nil
}

func (m *memStore) MarkAcceptedTx(_ context.Context, _ pgx.Tx, id uuid.UUID, taskID string) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok || g.Status != models.GenerationStatusQueued || g.ProviderTaskID != "" {
		return nil, nil
	}
	now := m.clock
	g.Status = models.GenerationStatusProcessing
	g.ProviderTaskID = taskID
	g.StartedAt = &now
	return clone(g), nil
}

func (m *memStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int, raw json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok || !isOpen(g.Status) {
		return false, nil
	}
	g.Progress = max(g.Progress, progress)
	if len(raw) > 0 {
		g.ProviderResponse = raw
	}
	return true, nil
}

func (m *memStore) CompleteTx(_ context.Context, _ pgx.Tx, id uuid.UUID, c models.Completion) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok || !isOpen(g.Status) {
		return nil, nil
	}
	now := m.clock
	g.Status = c.Status
	g.ResultURL = c.ResultURL
	g.ResultURLs = c.ResultURLs
	g.ThumbnailURL = c.ThumbnailURL
	g.ErrorMessage = c.ErrorMessage
	g.CompletedAt = &now
	if c.Status == models.GenerationStatusSucceeded {
		g.Progress = 100
	}
	return clone(g), nil
}

func (m *memStore) ListStale(_ context.Context, status string, cutoff time.Time, limit int) ([]*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Generation
	for _, id := range m.order {
		g := m.rows[id]
		since := g.CreatedAt
		if g.StartedAt != nil {
			since = *g.StartedAt
		}
		if g.Status == status && since.Before(cutoff) && len(list) < limit {
			list = append(list, clone(g))
		}
	}
	return list, nil
}

func (m *memStore) SettleTx(_ context.Context, _ pgx.Tx, id uuid.UUID, creditsFinal decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok || g.CreditsFinal != nil {
		return false, nil
	}
	g.CreditsFinal = &creditsFinal
	return true, nil
}

// ---

type memAccounts struct {
	mu      sync.Mutex
	byOwner map[uuid.UUID]*models.CreditAccount
}

func (m *memAccounts) find(id uuid.UUID) *models.CreditAccount {
	for _, a := range m.byOwner {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *memAccounts) GetByOwner(_ context.Context, ownerID uuid.UUID) (*models.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byOwner[ownerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByOwnerForUpdate(ctx context.Context, _ pgx.Tx, ownerID uuid.UUID) (*models.CreditAccount, error) {
	return m.GetByOwner(ctx, ownerID)
}

func (m *memAccounts) EnsureForUpdate(ctx context.Context, _ pgx.Tx, ownerID uuid.UUID) (*models.CreditAccount, error) {
	m.mu.Lock()
	if _, ok := m.byOwner[ownerID]; !ok {
		m.byOwner[ownerID] = &models.CreditAccount{ID: uuid.New(), OwnerID: ownerID}
	}
	m.mu.Unlock()
	return m.GetByOwner(ctx, ownerID)
}

func (m *memAccounts) Debit(_ context.Context, _ pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.find(id)
	if a == nil || a.Balance.LessThan(amount) {
		return decimal.Zero, repository.ErrNotFound
	}
	a.Balance = a.Balance.Sub(amount)
	a.TotalSpent = a.TotalSpent.Add(amount)
	return a.Balance, nil
}

func (m *memAccounts) Restore(_ context.Context, _ pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.find(id)
	a.Balance = a.Balance.Add(amount)
	a.TotalSpent = a.TotalSpent.Sub(amount)
	return a.Balance, nil
}

func (m *memAccounts) Earn(_ context.Context, _ pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.find(id)
	a.Balance = a.Balance.Add(amount)
	a.TotalEarned = a.TotalEarned.Add(amount)
	return a.Balance, nil
}

// ---

type memTxns struct {
	mu      sync.Mutex
	entries []models.CreditTransaction
}

func (m *memTxns) CreateTx(_ context.Context, _ pgx.Tx, c *models.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *c)
	return nil
}

func (m *memTxns) ListByAccountID(_ context.Context, accountID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CreditTransaction
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].AccountID == accountID {
			e := m.entries[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

// kinds returns the entry kinds recorded for one generation, in order.
func (m *memTxns) kinds(generationID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.GenerationID != nil && *e.GenerationID == generationID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (m *memTxns) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ---

type memCatalog map[string]*models.AIModel

func (c memCatalog) GetActiveModel(_ context.Context, slug string) (*models.AIModel, error) {
	m, ok := c[slug]
	if !ok || !m.IsActive {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (c memCatalog) ListActive(_ context.Context, category string) ([]*models.AIModel, error) {
	var out []*models.AIModel
	for _, m := range c {
		if m.IsActive && (category == "" || m.Category == category) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ---

type pollJob struct {
	args execution.PollGenerationArgs
	at   time.Time
}

// memScheduler drops duplicate poll args like River's unique insert.
type memScheduler struct {
	mu      sync.Mutex
	submits []execution.SubmitGenerationArgs
	seen    map[execution.PollGenerationArgs]bool
	polls   []pollJob
}

func newMemScheduler() *memScheduler {
	return &memScheduler{seen: make(map[execution.PollGenerationArgs]bool)}
}

func (s *memScheduler) EnqueueSubmitTx(_ context.Context, _ pgx.Tx, args execution.SubmitGenerationArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, args)
	return nil
}

func (s *memScheduler) SchedulePollTx(ctx context.Context, _ pgx.Tx, args execution.PollGenerationArgs, at time.Time) error {
	return s.SchedulePoll(ctx, args, at)
}

func (s *memScheduler) SchedulePoll(_ context.Context, args execution.PollGenerationArgs, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen[args] {
		s.seen[args] = true
		s.polls = append(s.polls, pollJob{args: args, at: at})
	}
	return nil
}

func (s *memScheduler) next() (pollJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.polls) == 0 {
		return pollJob{}, false
	}
	p := s.polls[0]
	s.polls = s.polls[1:]
	return p, true
}

// ---

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

// scriptedGateway answers submits with taskID and status checks from a script whose
// last entry repeats.
type scriptedGateway struct {
	mu       sync.Mutex
	taskID   string
	statuses []*provider.Status
	fetches  int
}

func (g *scriptedGateway) Submit(context.Context, provider.TaskSpec) (string, error) {
	return g.taskID, nil
}

func (g *scriptedGateway) FetchStatus(context.Context, string) (*provider.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	st := g.statuses[0]
	if len(g.statuses) > 1 {
		g.statuses = g.statuses[1:]
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	svc      *Service
	store    *memStore
	accounts *memAccounts
	txns     *memTxns
	sched    *memScheduler
	clock    *stubClock
	pool     *dbtest.Pool
	user     uuid.UUID
}

var testCatalog = memCatalog{
	"kling-v2-master": {Slug: "kling-v2-master", ProviderModelID: "kling/v2-master", Category: "video", PriceMultiplier: decimal.NewFromInt(5), IsActive: true},
	"veo-3":           {Slug: "veo-3", ProviderModelID: "google/veo-3", Category: "video", PriceMultiplier: decimal.NewFromInt(8), IsActive: true},
	"flux":            {Slug: "flux", Category: "image", PriceMultiplier: decimal.RequireFromString("1.5"), IsActive: true},
	"retired":         {Slug: "retired", Category: "video", PriceMultiplier: decimal.NewFromInt(2)},
}

func newFixture(balance string) *fixture {
	f := &fixture{
		store:    newMemStore(),
		accounts: &memAccounts{byOwner: make(map[uuid.UUID]*models.CreditAccount)},
		txns:     &memTxns{},
		sched:    newMemScheduler(),
		clock:    &stubClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		pool:     &dbtest.Pool{},
		user:     uuid.New(),
	}
	if balance != "" {
		b := decimal.RequireFromString(balance)
		f.accounts.byOwner[f.user] = &models.CreditAccount{ID: uuid.New(), OwnerID: f.user, Balance: b, TotalEarned: b}
	}
	l := ledger.New(f.pool, f.accounts, f.txns, f.store, nil)
	f.svc = NewService(f.pool, f.store, l, NewCatalogPricer(testCatalog), f.sched, nil, WithClock(f.clock))
	return f
}

func (f *fixture) account() models.CreditAccount {
	f.accounts.mu.Lock()
	defer f.accounts.mu.Unlock()
	return *f.accounts.byOwner[f.user]
}

func (f *fixture) generation(id uuid.UUID) *models.Generation {
	g, _ := f.store.GetByID(context.Background(), id)
	return g
}

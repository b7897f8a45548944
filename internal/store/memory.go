package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/model"
)

// Fault injection points understood by MemoryStore.InjectFault.
const (
	OpLockAccount       = "lock_account"
	OpLockPosition      = "lock_position"
	OpUpdateBalance     = "update_balance"
	OpInsertMovement    = "insert_movement"
	OpInsertOrder       = "insert_order"
	OpInsertPosition    = "insert_position"
	OpUpdatePosition    = "update_position"
	OpDeletePosition    = "delete_position"
	OpInsertSuitability = "insert_suitability"
)

const defaultMemLockTimeout = 2 * time.Second

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Committed state is copy-on-write: a transaction works on a private clone
// that replaces the committed state only on success. Writers are serialized
// by a single write lock whose wait is bounded by the lock timeout.
type MemoryStore struct {
	memReader

	mu          sync.RWMutex
	state       *memState
	writer      chan struct{}
	lockTimeout time.Duration

	faultMu sync.Mutex
	faults  map[string]fault
}

type fault struct {
	err   error
	panic bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		state:       newMemState(),
		writer:      make(chan struct{}, 1),
		lockTimeout: defaultMemLockTimeout,
		faults:      make(map[string]fault),
	}
	s.memReader = memReader{load: s.current}
	return s
}

// SetLockTimeout bounds how long WithTx waits for the write lock.
func (s *MemoryStore) SetLockTimeout(d time.Duration) { s.lockTimeout = d }

// InjectFault makes the next call to the named transaction operation fail
// with err. The fault fires once.
func (s *MemoryStore) InjectFault(op string, err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults[op] = fault{err: err}
}

// InjectPanic makes the next call to the named operation panic, simulating
// a crash in the middle of a commit unit.
func (s *MemoryStore) InjectPanic(op string) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults[op] = fault{panic: true}
}

func (s *MemoryStore) trip(op string) error {
	s.faultMu.Lock()
	f, ok := s.faults[op]
	if ok {
		delete(s.faults, op)
	}
	s.faultMu.Unlock()
	if !ok {
		return nil
	}
	if f.panic {
		panic(fmt.Sprintf("injected crash at %s", op))
	}
	return f.err
}

func (s *MemoryStore) current() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStore) publish(st *memState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *MemoryStore) acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case s.writer <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("acquire write lock after %s: %w", timeout, model.ErrBusy)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryStore) release() { <-s.writer }

// WithTx runs fn against a private copy of the state and publishes it only
// when fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.acquire(ctx, s.lockTimeout); err != nil {
		return busyOnDeadline(err)
	}
	defer s.release()

	tx := &memTx{store: s, state: s.current().clone()}
	tx.memReader = memReader{load: func() *memState { return tx.state }}

	if err := fn(tx); err != nil {
		return err
	}
	s.publish(tx.state)
	return nil
}

// Snapshot pins the committed state for the duration of fn.
func (s *MemoryStore) Snapshot(_ context.Context, fn func(r Reader) error) error {
	st := s.current()
	return fn(memReader{load: func() *memState { return st }})
}

// mutate applies a seeding change outside of the transactional API.
func (s *MemoryStore) mutate(fn func(st *memState)) {
	_ = s.acquire(context.Background(), 0)
	defer s.release()
	st := s.current().clone()
	fn(st)
	s.publish(st)
}

// --- Seeding (reference data owned by collaborators outside the ledger) ---

func (s *MemoryStore) PutAdvisor(a *model.Advisor) {
	s.mutate(func(st *memState) {
		if a.ID == 0 {
			a.ID = st.next("advisors")
		}
		st.advisors[a.ID] = *a
	})
}

func (s *MemoryStore) PutClient(c *model.Client) {
	s.mutate(func(st *memState) {
		if c.ID == 0 {
			c.ID = st.next("clients")
		}
		st.clients[c.ID] = *c
	})
}

func (s *MemoryStore) PutAccount(a *model.Account) {
	s.mutate(func(st *memState) {
		if a.ID == 0 {
			a.ID = st.next("accounts")
		}
		st.accounts[a.ID] = *a
	})
}

func (s *MemoryStore) PutPortfolio(p *model.Portfolio) {
	s.mutate(func(st *memState) {
		if p.ID == 0 {
			p.ID = st.next("portfolios")
		}
		st.portfolios[p.ID] = *p
	})
}

func (s *MemoryStore) PutProduct(p *model.Product) {
	s.mutate(func(st *memState) {
		if p.ID == 0 {
			p.ID = st.next("products")
		}
		st.products[p.ID] = *p
	})
}

// PutPosition seeds a holding directly. Zero-quantity positions are rejected.
func (s *MemoryStore) PutPosition(p *model.Position) error {
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("seed position: quantity must be positive: %w", model.ErrIntegrityViolation)
	}
	s.mutate(func(st *memState) {
		if p.ID == 0 {
			p.ID = st.next("positions")
		}
		st.positions[posKey{p.PortfolioID, p.ProductID}] = *p
	})
	return nil
}

// AddPrice records a closing price. A second price for the same product and
// date is rejected.
func (s *MemoryStore) AddPrice(pp *model.PricePoint) error {
	var err error
	s.mutate(func(st *memState) {
		day := truncateDay(pp.Date)
		for _, existing := range st.prices {
			if existing.ProductID == pp.ProductID && truncateDay(existing.Date).Equal(day) {
				err = fmt.Errorf("price for product %d on %s already recorded: %w",
					pp.ProductID, day.Format("2006-01-02"), model.ErrIntegrityViolation)
				return
			}
		}
		if pp.ID == 0 {
			pp.ID = st.next("prices")
		}
		pp.Date = day
		st.prices = append(st.prices, *pp)
	})
	return err
}

// PutQuestionnaire stores a questionnaire version, assigning ids to the
// version, its questions and options where missing.
func (s *MemoryStore) PutQuestionnaire(q *model.Questionnaire) {
	s.mutate(func(st *memState) {
		if q.ID == 0 {
			q.ID = st.next("questionnaires")
		}
		for i := range q.Questions {
			qq := &q.Questions[i]
			if qq.ID == 0 {
				qq.ID = st.next("questions")
			}
			qq.VersionID = q.ID
			for j := range qq.Options {
				o := &qq.Options[j]
				if o.ID == 0 {
					o.ID = st.next("options")
				}
				o.QuestionID = qq.ID
			}
		}
		st.questionnaires[q.ID] = cloneQuestionnaire(*q)
	})
}

func (s *MemoryStore) AddSuitabilityResponse(r *model.SuitabilityResponse) {
	s.mutate(func(st *memState) {
		if r.ID == 0 {
			r.ID = st.next("responses")
		}
		st.responses = append(st.responses, *r)
	})
}

func (s *MemoryStore) PutGroup(g *model.EconomicGroup) {
	s.mutate(func(st *memState) {
		if g.ID == 0 {
			g.ID = st.next("groups")
		}
		st.groups[g.ID] = *g
	})
}

func (s *MemoryStore) AddMember(m model.Membership) {
	s.mutate(func(st *memState) {
		for _, existing := range st.members {
			if existing.GroupID == m.GroupID && existing.ClientID == m.ClientID {
				return
			}
		}
		st.members = append(st.members, m)
	})
}

// --- State ---

type posKey struct {
	portfolioID int64
	productID   int64
}

type memState struct {
	advisors       map[int64]model.Advisor
	clients        map[int64]model.Client
	accounts       map[int64]model.Account
	portfolios     map[int64]model.Portfolio
	products       map[int64]model.Product
	prices         []model.PricePoint
	questionnaires map[int64]model.Questionnaire
	responses      []model.SuitabilityResponse
	movements      []model.Movement
	orders         []model.Order
	positions      map[posKey]model.Position
	groups         map[int64]model.EconomicGroup
	members        []model.Membership
	seq            map[string]int64
}

func newMemState() *memState {
	return &memState{
		advisors:       make(map[int64]model.Advisor),
		clients:        make(map[int64]model.Client),
		accounts:       make(map[int64]model.Account),
		portfolios:     make(map[int64]model.Portfolio),
		products:       make(map[int64]model.Product),
		questionnaires: make(map[int64]model.Questionnaire),
		positions:      make(map[posKey]model.Position),
		groups:         make(map[int64]model.EconomicGroup),
		seq:            make(map[string]int64),
	}
}

func (st *memState) next(table string) int64 {
	st.seq[table]++
	return st.seq[table]
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st *memState) clone() *memState {
	return &memState{
		advisors:       cloneMap(st.advisors),
		clients:        cloneMap(st.clients),
		accounts:       cloneMap(st.accounts),
		portfolios:     cloneMap(st.portfolios),
		products:       cloneMap(st.products),
		prices:         append([]model.PricePoint(nil), st.prices...),
		questionnaires: cloneMap(st.questionnaires),
		responses:      append([]model.SuitabilityResponse(nil), st.responses...),
		movements:      append([]model.Movement(nil), st.movements...),
		orders:         append([]model.Order(nil), st.orders...),
		positions:      cloneMap(st.positions),
		groups:         cloneMap(st.groups),
		members:        append([]model.Membership(nil), st.members...),
		seq:            cloneMap(st.seq),
	}
}

func cloneQuestionnaire(q model.Questionnaire) model.Questionnaire {
	qs := make([]model.Question, len(q.Questions))
	for i, question := range q.Questions {
		question.Options = append([]model.Option(nil), question.Options...)
		qs[i] = question
	}
	q.Questions = qs
	return q
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// --- Reads ---

// memReader answers reads against whichever state load returns: the
// committed state, a pinned snapshot or a transaction's private copy.
type memReader struct {
	load func() *memState
}

func (r memReader) GetClient(_ context.Context, id int64) (*model.Client, error) {
	c, ok := r.load().clients[id]
	if !ok {
		return nil, model.NotFound("client", id)
	}
	return &c, nil
}

func (r memReader) GetPortfolio(_ context.Context, id int64) (*model.Portfolio, error) {
	p, ok := r.load().portfolios[id]
	if !ok {
		return nil, model.NotFound("portfolio", id)
	}
	return &p, nil
}

func (r memReader) GetAccountByClient(_ context.Context, clientID int64) (*model.Account, error) {
	var found *model.Account
	for _, a := range r.load().accounts {
		if a.ClientID != clientID {
			continue
		}
		if found == nil || a.ID < found.ID {
			acct := a
			found = &acct
		}
	}
	if found == nil {
		return nil, model.NotFound("account of client", clientID)
	}
	return found, nil
}

func (r memReader) GetProduct(_ context.Context, id int64) (*model.Product, error) {
	p, ok := r.load().products[id]
	if !ok {
		return nil, model.NotFound("product", id)
	}
	return &p, nil
}

func (r memReader) GetProducts(_ context.Context, ids []int64) (map[int64]model.Product, error) {
	st := r.load()
	out := make(map[int64]model.Product, len(ids))
	for _, id := range ids {
		if p, ok := st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (r memReader) LatestPrices(_ context.Context, productIDs []int64) (map[int64]decimal.Decimal, error) {
	wanted := make(map[int64]bool, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = true
	}

	latest := make(map[int64]model.PricePoint)
	for _, pp := range r.load().prices {
		if !wanted[pp.ProductID] {
			continue
		}
		cur, ok := latest[pp.ProductID]
		if !ok || pp.Date.After(cur.Date) || (pp.Date.Equal(cur.Date) && pp.ID > cur.ID) {
			latest[pp.ProductID] = pp
		}
	}

	out := make(map[int64]decimal.Decimal, len(latest))
	for id, pp := range latest {
		out[id] = pp.ClosePrice
	}
	return out, nil
}

func (r memReader) GetPosition(_ context.Context, portfolioID, productID int64) (*model.Position, error) {
	p, ok := r.load().positions[posKey{portfolioID, productID}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r memReader) ListPositionsByPortfolio(_ context.Context, portfolioID int64) ([]model.Position, error) {
	var out []model.Position
	for k, p := range r.load().positions {
		if k.portfolioID == portfolioID {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (r memReader) ListPositionsByClients(_ context.Context, clientIDs []int64) ([]model.Position, error) {
	st := r.load()
	clients := make(map[int64]bool, len(clientIDs))
	for _, id := range clientIDs {
		clients[id] = true
	}
	var out []model.Position
	for _, p := range st.positions {
		if pf, ok := st.portfolios[p.PortfolioID]; ok && clients[pf.ClientID] {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}

func (r memReader) ListMovements(_ context.Context, accountID int64) ([]model.Movement, error) {
	var out []model.Movement
	for _, m := range r.load().movements {
		if (m.SourceAccountID != nil && *m.SourceAccountID == accountID) ||
			(m.DestinationAccountID != nil && *m.DestinationAccountID == accountID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r memReader) ListOrders(_ context.Context, portfolioID int64) ([]model.Order, error) {
	var out []model.Order
	for _, o := range r.load().orders {
		if o.PortfolioID == portfolioID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r memReader) LatestSuitability(ctx context.Context, clientID int64) (*model.SuitabilityResponse, error) {
	history, _ := r.ListSuitability(ctx, clientID)
	if len(history) == 0 {
		return nil, nil
	}
	return &history[0], nil
}

func (r memReader) ListSuitability(_ context.Context, clientID int64) ([]model.SuitabilityResponse, error) {
	var out []model.SuitabilityResponse
	for _, resp := range r.load().responses {
		if resp.ClientID == clientID {
			out = append(out, resp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RespondedAt.Equal(out[j].RespondedAt) {
			return out[i].RespondedAt.After(out[j].RespondedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (r memReader) ActiveQuestionnaire(_ context.Context) (*model.Questionnaire, error) {
	var active *model.Questionnaire
	for _, q := range r.load().questionnaires {
		if active == nil || q.EffectiveDate.After(active.EffectiveDate) ||
			(q.EffectiveDate.Equal(active.EffectiveDate) && q.ID > active.ID) {
			cp := q
			active = &cp
		}
	}
	if active == nil {
		return nil, model.NotFound("questionnaire", 0)
	}
	cp := cloneQuestionnaire(*active)
	return &cp, nil
}

func (r memReader) GetOptions(_ context.Context, optionIDs []int64) ([]model.ResolvedOption, error) {
	index := make(map[int64]model.ResolvedOption)
	for _, q := range r.load().questionnaires {
		for _, question := range q.Questions {
			for _, o := range question.Options {
				index[o.ID] = model.ResolvedOption{Option: o, VersionID: q.ID}
			}
		}
	}
	var out []model.ResolvedOption
	seen := make(map[int64]bool, len(optionIDs))
	for _, id := range optionIDs {
		if o, ok := index[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, o)
		}
	}
	return out, nil
}

func (r memReader) GetGroup(_ context.Context, id int64) (*model.EconomicGroup, error) {
	g, ok := r.load().groups[id]
	if !ok {
		return nil, model.NotFound("group", id)
	}
	return &g, nil
}

func (r memReader) ListGroupMembers(_ context.Context, groupID int64) ([]model.Membership, error) {
	var out []model.Membership
	for _, m := range r.load().members {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// --- Transaction ---

type memTx struct {
	memReader
	store *MemoryStore
	state *memState
}

func (t *memTx) LockAccountByClient(ctx context.Context, clientID int64) (*model.Account, error) {
	if err := t.store.trip(OpLockAccount); err != nil {
		return nil, err
	}
	return t.GetAccountByClient(ctx, clientID)
}

func (t *memTx) LockPosition(ctx context.Context, portfolioID, productID int64) (*model.Position, error) {
	if err := t.store.trip(OpLockPosition); err != nil {
		return nil, err
	}
	return t.GetPosition(ctx, portfolioID, productID)
}

func (t *memTx) UpdateAccountBalance(_ context.Context, accountID int64, balance decimal.Decimal) error {
	if err := t.store.trip(OpUpdateBalance); err != nil {
		return err
	}
	a, ok := t.state.accounts[accountID]
	if !ok {
		return model.NotFound("account", accountID)
	}
	if balance.IsNegative() {
		return fmt.Errorf("account %d balance %s below zero: %w", accountID, balance, model.ErrIntegrityViolation)
	}
	a.Balance = balance
	t.state.accounts[accountID] = a
	return nil
}

func (t *memTx) InsertMovement(_ context.Context, m *model.Movement) error {
	if err := t.store.trip(OpInsertMovement); err != nil {
		return err
	}
	if !m.Amount.IsPositive() || (m.SourceAccountID == nil && m.DestinationAccountID == nil) {
		return fmt.Errorf("movement check failed: %w", model.ErrIntegrityViolation)
	}
	m.ID = t.state.next("movements")
	t.state.movements = append(t.state.movements, *m)
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if err := t.store.trip(OpInsertOrder); err != nil {
		return err
	}
	linked := false
	for _, existing := range t.state.orders {
		if existing.MovementID == o.MovementID || (o.Reference != "" && existing.Reference == o.Reference) {
			return fmt.Errorf("order duplicates movement or reference: %w", model.ErrIntegrityViolation)
		}
	}
	for _, m := range t.state.movements {
		if m.ID == o.MovementID {
			linked = true
			break
		}
	}
	if !linked {
		return fmt.Errorf("order references unknown movement %d: %w", o.MovementID, model.ErrIntegrityViolation)
	}
	o.ID = t.state.next("orders")
	t.state.orders = append(t.state.orders, *o)
	return nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	if err := t.store.trip(OpInsertPosition); err != nil {
		return err
	}
	key := posKey{p.PortfolioID, p.ProductID}
	if _, exists := t.state.positions[key]; exists {
		return fmt.Errorf("position (%d,%d) already exists: %w", p.PortfolioID, p.ProductID, model.ErrIntegrityViolation)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("position quantity must be positive: %w", model.ErrIntegrityViolation)
	}
	p.ID = t.state.next("positions")
	t.state.positions[key] = *p
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, p *model.Position) error {
	if err := t.store.trip(OpUpdatePosition); err != nil {
		return err
	}
	key := posKey{p.PortfolioID, p.ProductID}
	cur, ok := t.state.positions[key]
	if !ok || cur.ID != p.ID {
		return model.NotFound("position", p.ID)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("position quantity must be positive: %w", model.ErrIntegrityViolation)
	}
	t.state.positions[key] = *p
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, id int64) error {
	if err := t.store.trip(OpDeletePosition); err != nil {
		return err
	}
	for k, p := range t.state.positions {
		if p.ID == id {
			delete(t.state.positions, k)
			return nil
		}
	}
	return model.NotFound("position", id)
}

func (t *memTx) InsertSuitabilityResponse(_ context.Context, r *model.SuitabilityResponse) error {
	if err := t.store.trip(OpInsertSuitability); err != nil {
		return err
	}
	if _, ok := t.state.clients[r.ClientID]; !ok {
		return fmt.Errorf("suitability response for unknown client %d: %w", r.ClientID, model.ErrIntegrityViolation)
	}
	r.ID = t.state.next("responses")
	t.state.responses = append(t.state.responses, *r)
	return nil
}

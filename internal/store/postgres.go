package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/model"
	"github.com/wealthdesk/ledger/internal/product"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgReader
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout bounds
// every row-lock wait inside WithTx.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		pgReader:    pgReader{db: pool},
		pool:        pool,
		lockTimeout: lockTimeout,
	}
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a READ COMMITTED transaction. Row locks are taken
// with SELECT ... FOR UPDATE and waits are bounded by lock_timeout.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return busyOnDeadline(fmt.Errorf("begin tx: %w", mapPgError(err)))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, pgInterval(s.lockTimeout)); err != nil {
			return busyOnDeadline(fmt.Errorf("set lock_timeout: %w", mapPgError(err)))
		}
	}

	if err := fn(&pgTx{pgReader: pgReader{db: tx}, tx: tx}); err != nil {
		return busyOnDeadline(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return busyOnDeadline(fmt.Errorf("commit: %w", mapPgError(err)))
	}
	committed = true
	return nil
}

// Snapshot runs fn inside a read-only REPEATABLE READ transaction so every
// read sees the same database state.
func (s *PostgresStore) Snapshot(ctx context.Context, fn func(r Reader) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", mapPgError(err))
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	return fn(pgReader{db: tx})
}

// AddPrice records a closing price. The (product_id, price_date) unique
// constraint rejects a second close for the same day.
func (s *PostgresStore) AddPrice(ctx context.Context, pp *model.PricePoint) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO price_history (product_id, price_date, close_price)
		 VALUES ($1, $2, $3::NUMERIC) RETURNING id`,
		pp.ProductID, truncateDay(pp.Date), pp.ClosePrice.String(),
	).Scan(&pp.ID)
	if err != nil {
		return fmt.Errorf("insert price for product %d: %w", pp.ProductID, mapPgError(err))
	}
	return nil
}

// mapPgError translates lock and constraint failures into ledger errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40P01", "40001":
		return fmt.Errorf("%w: %w", model.ErrBusy, err)
	case "23505", "23503", "23514":
		return fmt.Errorf("%w: %w", model.ErrIntegrityViolation, err)
	}
	return err
}

func notFoundOr(err error, entity string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NotFound(entity, id)
	}
	return fmt.Errorf("get %s %d: %w", entity, id, mapPgError(err))
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Reads ---

type pgReader struct {
	db dbtx
}

func (r pgReader) GetClient(ctx context.Context, id int64) (*model.Client, error) {
	var c model.Client
	err := r.db.QueryRow(ctx,
		`SELECT id, advisor_id, name, email FROM clients WHERE id = $1`, id).
		Scan(&c.ID, &c.AdvisorID, &c.Name, &c.Email)
	if err != nil {
		return nil, notFoundOr(err, "client", id)
	}
	return &c, nil
}

func (r pgReader) GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error) {
	var p model.Portfolio
	err := r.db.QueryRow(ctx,
		`SELECT id, client_id, name FROM portfolios WHERE id = $1`, id).
		Scan(&p.ID, &p.ClientID, &p.Name)
	if err != nil {
		return nil, notFoundOr(err, "portfolio", id)
	}
	return &p, nil
}

const accountColumns = `id, client_id, number, balance::TEXT`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var balance string
	if err := row.Scan(&a.ID, &a.ClientID, &a.Number, &balance); err != nil {
		return nil, err
	}
	a.Balance = parseDecimal(balance)
	return &a, nil
}

func (r pgReader) GetAccountByClient(ctx context.Context, clientID int64) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE client_id = $1 ORDER BY id LIMIT 1`, clientID))
	if err != nil {
		return nil, notFoundOr(err, "account of client", clientID)
	}
	return a, nil
}

const productColumns = `id, ticker, COALESCE(isin, ''), name, risk_level, COALESCE(issuer, ''), asset_class, details`

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	var riskLevel *int32
	var details []byte
	if err := row.Scan(&p.ID, &p.Ticker, &p.ISIN, &p.Name, &riskLevel, &p.Issuer, &p.Class, &details); err != nil {
		return nil, err
	}
	if riskLevel != nil {
		lvl := int(*riskLevel)
		p.RiskLevel = &lvl
	}
	d, err := product.DecodeDetails(p.Class, details)
	if err != nil {
		return nil, fmt.Errorf("product %d: %w", p.ID, err)
	}
	p.Details = d
	return &p, nil
}

func (r pgReader) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	p, err := scanProduct(r.db.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "product", id)
	}
	return p, nil
}

func (r pgReader) GetProducts(ctx context.Context, ids []int64) (map[int64]model.Product, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", mapPgError(err))
	}
	defer rows.Close()

	out := make(map[int64]model.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = *p
	}
	return out, rows.Err()
}

// LatestPrices resolves every requested product in one query. Same-day ties,
// which the unique constraint prevents, fall back to the highest row id.
func (r pgReader) LatestPrices(ctx context.Context, productIDs []int64) (map[int64]decimal.Decimal, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (product_id) product_id, close_price::TEXT
		 FROM price_history
		 WHERE product_id = ANY($1)
		 ORDER BY product_id, price_date DESC, id DESC`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("latest prices: %w", mapPgError(err))
	}
	defer rows.Close()

	out := make(map[int64]decimal.Decimal, len(productIDs))
	for rows.Next() {
		var id int64
		var price string
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		out[id] = parseDecimal(price)
	}
	return out, rows.Err()
}

const positionColumns = `id, portfolio_id, product_id, quantity::TEXT, average_cost::TEXT`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qty, cost string
	if err := row.Scan(&p.ID, &p.PortfolioID, &p.ProductID, &qty, &cost); err != nil {
		return nil, err
	}
	p.Quantity = parseDecimal(qty)
	p.AverageCost = parseDecimal(cost)
	return &p, nil
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r pgReader) GetPosition(ctx context.Context, portfolioID, productID int64) (*model.Position, error) {
	p, err := scanPosition(r.db.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE portfolio_id = $1 AND product_id = $2`,
		portfolioID, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", mapPgError(err))
	}
	return p, nil
}

func (r pgReader) ListPositionsByPortfolio(ctx context.Context, portfolioID int64) ([]model.Position, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE portfolio_id = $1 ORDER BY id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", mapPgError(err))
	}
	return collectPositions(rows)
}

func (r pgReader) ListPositionsByClients(ctx context.Context, clientIDs []int64) ([]model.Position, error) {
	rows, err := r.db.Query(ctx,
		`SELECT p.id, p.portfolio_id, p.product_id, p.quantity::TEXT, p.average_cost::TEXT
		 FROM positions p
		 JOIN portfolios pf ON pf.id = p.portfolio_id
		 WHERE pf.client_id = ANY($1)
		 ORDER BY p.id`, clientIDs)
	if err != nil {
		return nil, fmt.Errorf("list positions by clients: %w", mapPgError(err))
	}
	return collectPositions(rows)
}

func (r pgReader) ListMovements(ctx context.Context, accountID int64) ([]model.Movement, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, source_account_id, destination_account_id, kind, amount::TEXT, created_at, status
		 FROM movements
		 WHERE source_account_id = $1 OR destination_account_id = $1
		 ORDER BY id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", mapPgError(err))
	}
	defer rows.Close()

	var out []model.Movement
	for rows.Next() {
		var m model.Movement
		var amount string
		if err := rows.Scan(&m.ID, &m.SourceAccountID, &m.DestinationAccountID,
			&m.Kind, &amount, &m.Timestamp, &m.Status); err != nil {
			return nil, err
		}
		m.Amount = parseDecimal(amount)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r pgReader) ListOrders(ctx context.Context, portfolioID int64) ([]model.Order, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, reference::TEXT, portfolio_id, product_id, side,
		        quantity::TEXT, unit_price::TEXT, executed_at, status, movement_id
		 FROM orders WHERE portfolio_id = $1 ORDER BY id DESC`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", mapPgError(err))
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		var o model.Order
		var qty, price string
		if err := rows.Scan(&o.ID, &o.Reference, &o.PortfolioID, &o.ProductID, &o.Side,
			&qty, &price, &o.ExecutedAt, &o.Status, &o.MovementID); err != nil {
			return nil, err
		}
		o.Quantity = parseDecimal(qty)
		o.UnitPrice = parseDecimal(price)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r pgReader) LatestSuitability(ctx context.Context, clientID int64) (*model.SuitabilityResponse, error) {
	var s model.SuitabilityResponse
	err := r.db.QueryRow(ctx,
		`SELECT id, client_id, version_id, responded_at, score, profile
		 FROM suitability_responses WHERE client_id = $1
		 ORDER BY responded_at DESC, id DESC LIMIT 1`, clientID).
		Scan(&s.ID, &s.ClientID, &s.VersionID, &s.RespondedAt, &s.Score, &s.Profile)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest suitability: %w", mapPgError(err))
	}
	return &s, nil
}

func (r pgReader) ListSuitability(ctx context.Context, clientID int64) ([]model.SuitabilityResponse, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, client_id, version_id, responded_at, score, profile
		 FROM suitability_responses WHERE client_id = $1
		 ORDER BY responded_at DESC, id DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list suitability: %w", mapPgError(err))
	}
	defer rows.Close()

	var out []model.SuitabilityResponse
	for rows.Next() {
		var s model.SuitabilityResponse
		if err := rows.Scan(&s.ID, &s.ClientID, &s.VersionID, &s.RespondedAt, &s.Score, &s.Profile); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r pgReader) ActiveQuestionnaire(ctx context.Context) (*model.Questionnaire, error) {
	var q model.Questionnaire
	err := r.db.QueryRow(ctx,
		`SELECT id, name, effective_date FROM questionnaire_versions
		 ORDER BY effective_date DESC, id DESC LIMIT 1`).
		Scan(&q.ID, &q.Name, &q.EffectiveDate)
	if err != nil {
		return nil, notFoundOr(err, "questionnaire", 0)
	}

	rows, err := r.db.Query(ctx,
		`SELECT q.id, q.text, o.id, o.text, o.points
		 FROM questions q
		 JOIN options o ON o.question_id = q.id
		 WHERE q.version_id = $1
		 ORDER BY q.id, o.id`, q.ID)
	if err != nil {
		return nil, fmt.Errorf("questionnaire tree: %w", mapPgError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var qid int64
		var qtext string
		var o model.Option
		if err := rows.Scan(&qid, &qtext, &o.ID, &o.Text, &o.Points); err != nil {
			return nil, err
		}
		o.QuestionID = qid
		if n := len(q.Questions); n == 0 || q.Questions[n-1].ID != qid {
			q.Questions = append(q.Questions, model.Question{ID: qid, VersionID: q.ID, Text: qtext})
		}
		last := &q.Questions[len(q.Questions)-1]
		last.Options = append(last.Options, o)
	}
	return &q, rows.Err()
}

func (r pgReader) GetOptions(ctx context.Context, optionIDs []int64) ([]model.ResolvedOption, error) {
	rows, err := r.db.Query(ctx,
		`SELECT o.id, o.question_id, o.text, o.points, q.version_id
		 FROM options o JOIN questions q ON q.id = o.question_id
		 WHERE o.id = ANY($1)
		 ORDER BY o.id`, optionIDs)
	if err != nil {
		return nil, fmt.Errorf("get options: %w", mapPgError(err))
	}
	defer rows.Close()

	var out []model.ResolvedOption
	for rows.Next() {
		var o model.ResolvedOption
		if err := rows.Scan(&o.ID, &o.QuestionID, &o.Text, &o.Points, &o.VersionID); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r pgReader) GetGroup(ctx context.Context, id int64) (*model.EconomicGroup, error) {
	var g model.EconomicGroup
	err := r.db.QueryRow(ctx,
		`SELECT id, name, created_at FROM economic_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "group", id)
	}
	return &g, nil
}

func (r pgReader) ListGroupMembers(ctx context.Context, groupID int64) ([]model.Membership, error) {
	rows, err := r.db.Query(ctx,
		`SELECT group_id, client_id, COALESCE(role, '') FROM group_members
		 WHERE group_id = $1 ORDER BY client_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", mapPgError(err))
	}
	defer rows.Close()

	var out []model.Membership
	for rows.Next() {
		var m model.Membership
		if err := rows.Scan(&m.GroupID, &m.ClientID, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Transaction ---

type pgTx struct {
	pgReader
	tx pgx.Tx
}

func (t *pgTx) LockAccountByClient(ctx context.Context, clientID int64) (*model.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE client_id = $1
		 ORDER BY id LIMIT 1 FOR UPDATE`, clientID))
	if err != nil {
		return nil, notFoundOr(err, "account of client", clientID)
	}
	return a, nil
}

func (t *pgTx) LockPosition(ctx context.Context, portfolioID, productID int64) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE portfolio_id = $1 AND product_id = $2 FOR UPDATE`, portfolioID, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock position: %w", mapPgError(err))
	}
	return p, nil
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`, accountID, balance.String())
	if err != nil {
		return fmt.Errorf("update balance of account %d: %w", accountID, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return model.NotFound("account", accountID)
	}
	return nil
}

func (t *pgTx) InsertMovement(ctx context.Context, m *model.Movement) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO movements (source_account_id, destination_account_id, kind, amount, created_at, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6) RETURNING id`,
		m.SourceAccountID, m.DestinationAccountID, m.Kind, m.Amount.String(), m.Timestamp, m.Status,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert movement: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (reference, portfolio_id, product_id, side, quantity, unit_price, executed_at, status, movement_id)
		 VALUES ($1::UUID, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9) RETURNING id`,
		o.Reference, o.PortfolioID, o.ProductID, o.Side,
		o.Quantity.String(), o.UnitPrice.String(), o.ExecutedAt, o.Status, o.MovementID,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO positions (portfolio_id, product_id, quantity, average_cost)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC) RETURNING id`,
		p.PortfolioID, p.ProductID, p.Quantity.String(), p.AverageCost.String(),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert position: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE positions SET quantity = $2::NUMERIC, average_cost = $3::NUMERIC WHERE id = $1`,
		p.ID, p.Quantity.String(), p.AverageCost.String())
	if err != nil {
		return fmt.Errorf("update position %d: %w", p.ID, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return model.NotFound("position", p.ID)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete position %d: %w", id, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return model.NotFound("position", id)
	}
	return nil
}

func (t *pgTx) InsertSuitabilityResponse(ctx context.Context, s *model.SuitabilityResponse) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO suitability_responses (client_id, version_id, responded_at, score, profile)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		s.ClientID, s.VersionID, s.RespondedAt, s.Score, s.Profile,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("insert suitability response: %w", mapPgError(err))
	}
	return nil
}

package orders

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	defaultPageSize = 200
	uniqueViolation = "23505"

	orderColumns = `id, owner_id, direction, from_token, to_token,
		from_amount::text, trigger_price::text, trigger_condition, max_slippage_bps,
		status, created_at, expires_at, executed_at, executed_price::text,
		COALESCE(transaction_hash, ''), COALESCE(failure_reason, ''),
		retry_count, max_retries, cancel_requested, execution_version, version, updated_at`
)

// PostgresStore keeps orders in Postgres. Transitions are conditional
// UPDATEs on status and version, so several keepers may share one database.
type PostgresStore struct {
	l        *zap.Logger
	pool     *pgxpool.Pool
	pageSize int
	now      func() time.Time
}

// Connect opens a pgx pool for dsn and checks it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return pool, nil
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(l *zap.Logger, pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{l: l, pool: pool, pageSize: defaultPageSize, now: time.Now}
}

// Migrate brings the schema up to date with the embedded goose migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Wrap(err, "apply migrations")
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return errors.Wrap(err, "read schema version")
	}
	s.l.Info("schema up to date", zap.Int64("version", version))

	return nil
}

// Create inserts a new active order.
func (s *PostgresStore) Create(ctx context.Context, order domain.DCAOrder) error {
	if order.ID == "" || order.Status != domain.StatusActive {
		return errors.Wrapf(domain.ErrInvalidOrder, "new order must have an id and be active, got %q/%s", order.ID, order.Status)
	}

	pair := order.Pair()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dca_orders (
			id, owner_id, direction, from_token, to_token, base_token, quote_token,
			from_amount, trigger_price, trigger_condition, max_slippage_bps,
			status, created_at, expires_at, retry_count, max_retries, version, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		order.ID,
		order.OwnerID,
		string(order.Direction),
		order.FromToken,
		order.ToToken,
		pair.Base,
		pair.Quote,
		order.FromAmount.String(),
		order.TriggerPrice.String(),
		string(order.TriggerCondition),
		order.MaxSlippageBps,
		string(order.Status),
		order.CreatedAt,
		order.ExpiresAt,
		order.RetryCount,
		order.MaxRetries,
		order.Version,
		order.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errors.Wrapf(domain.ErrConflict, "order %s already exists", order.ID)
		}
		return unavailable(err, "insert order %s", order.ID)
	}

	return nil
}

// Get returns one order.
func (s *PostgresStore) Get(ctx context.Context, id string) (domain.DCAOrder, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM dca_orders WHERE id=$1`, id))
	if err != nil {
		return domain.DCAOrder{}, rowErr(err, id)
	}
	return order, nil
}

// ListActive pages through active orders of the pair with a keyset cursor,
// fetching the next page only when the consumer asks for more.
func (s *PostgresStore) ListActive(ctx context.Context, pair domain.Pair) iter.Seq2[domain.DCAOrder, error] {
	return func(yield func(domain.DCAOrder, error) bool) {
		var (
			afterCreated time.Time
			afterID      string
		)

		for {
			page, err := s.activePage(ctx, pair, afterCreated, afterID)
			if err != nil {
				yield(domain.DCAOrder{}, err)
				return
			}

			for _, order := range page {
				if !yield(order, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}

			last := page[len(page)-1]
			afterCreated, afterID = last.CreatedAt, last.ID
		}
	}
}

func (s *PostgresStore) activePage(ctx context.Context, pair domain.Pair, afterCreated time.Time, afterID string) ([]domain.DCAOrder, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM dca_orders
		WHERE status='active' AND base_token=$1 AND quote_token=$2 AND (created_at, id) > ($3, $4)
		ORDER BY created_at, id
		LIMIT $5`,
		pair.Base, pair.Quote, afterCreated, afterID, s.pageSize)
	if err != nil {
		return nil, unavailable(err, "list active orders for %s", pair.String())
	}

	page, err := collectRows(rows)
	if err != nil {
		return nil, unavailable(err, "list active orders for %s", pair.String())
	}
	return page, nil
}

// ListByStatus returns all orders in the status, oldest first.
func (s *PostgresStore) ListByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.DCAOrder, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM dca_orders WHERE status=$1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, unavailable(err, "list %s orders", status)
	}

	out, err := collectRows(rows)
	if err != nil {
		return nil, unavailable(err, "list %s orders", status)
	}
	return out, nil
}

// TryAcquireForExecution moves the order from active to executing in one
// conditional UPDATE.
func (s *PostgresStore) TryAcquireForExecution(ctx context.Context, id string) (domain.DCAOrder, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE dca_orders SET status='executing', version=version+1, execution_version=version+1, updated_at=$2
		WHERE id=$1 AND status='active'
		RETURNING `+orderColumns, id, s.now().UTC()))
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.DCAOrder{}, unavailable(err, "acquire order %s", id)
	}

	// nothing updated: tell a missing order from one in another state
	cur, err := s.Get(ctx, id)
	if err != nil {
		return domain.DCAOrder{}, err
	}
	return cur, errors.Wrapf(domain.ErrConflict, "order %s is %s", id, cur.Status)
}

// RecordExecutionResult applies the outcome of the execution that owns outcome.Version.
func (s *PostgresStore) RecordExecutionResult(ctx context.Context, id string, outcome domain.Outcome) (domain.DCAOrder, bool, error) {
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = s.now()
	}

	return s.mutate(ctx, id, func(cur domain.DCAOrder) (domain.DCAOrder, bool, error) {
		return domain.ApplyOutcome(cur, outcome)
	})
}

// Cancel cancels an active order or flags an executing one.
func (s *PostgresStore) Cancel(ctx context.Context, id string) (domain.DCAOrder, bool, error) {
	return s.mutate(ctx, id, func(cur domain.DCAOrder) (domain.DCAOrder, bool, error) {
		return domain.Cancel(cur, s.now())
	})
}

// Expire moves an active order past its expiry to expired.
func (s *PostgresStore) Expire(ctx context.Context, id string, now time.Time) (domain.DCAOrder, bool, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE dca_orders SET status='expired', version=version+1, updated_at=$2
		WHERE id=$1 AND status='active' AND expires_at IS NOT NULL AND expires_at < $2
		RETURNING `+orderColumns, id, now.UTC()))
	if err == nil {
		return order, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.DCAOrder{}, false, unavailable(err, "expire order %s", id)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return domain.DCAOrder{}, false, err
	}
	return domain.Expire(cur, now)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// mutate locks the row, computes the transition and writes it back guarded
// by the version that was read.
func (s *PostgresStore) mutate(ctx context.Context, id string,
	fn func(domain.DCAOrder) (domain.DCAOrder, bool, error)) (domain.DCAOrder, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.DCAOrder{}, false, unavailable(err, "begin tx for order %s", id)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	cur, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM dca_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return domain.DCAOrder{}, false, rowErr(err, id)
	}

	next, changed, ferr := fn(cur)
	if !changed {
		return next, false, ferr
	}

	var executedPrice *string
	if next.ExecutedPrice.Valid {
		p := next.ExecutedPrice.Decimal.String()
		executedPrice = &p
	}

	tag, err := tx.Exec(ctx, `
		UPDATE dca_orders SET
			status=$3, executed_at=$4, executed_price=$5::numeric,
			transaction_hash=NULLIF($6, ''), failure_reason=NULLIF($7, ''),
			retry_count=$8, cancel_requested=$9, version=$10, updated_at=$11
		WHERE id=$1 AND version=$2`,
		id, cur.Version,
		string(next.Status), next.ExecutedAt, executedPrice,
		next.TransactionHash, next.FailureReason,
		next.RetryCount, next.CancelRequested, next.Version, next.UpdatedAt,
	)
	if err != nil {
		return cur, false, unavailable(err, "update order %s", id)
	}
	if tag.RowsAffected() != 1 {
		return cur, false, errors.Wrapf(domain.ErrConflict, "order %s changed concurrently", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, false, unavailable(err, "commit order %s", id)
	}

	return next, true, ferr
}

func collectRows(rows pgx.Rows) ([]domain.DCAOrder, error) {
	defer rows.Close()

	out := make([]domain.DCAOrder, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (domain.DCAOrder, error) {
	var (
		o                        domain.DCAOrder
		direction, cond, status  string
		fromAmount, triggerPrice string
		expiresAt, executedAt    sql.NullTime
		executedPrice            sql.NullString
	)

	err := row.Scan(
		&o.ID,
		&o.OwnerID,
		&direction,
		&o.FromToken,
		&o.ToToken,
		&fromAmount,
		&triggerPrice,
		&cond,
		&o.MaxSlippageBps,
		&status,
		&o.CreatedAt,
		&expiresAt,
		&executedAt,
		&executedPrice,
		&o.TransactionHash,
		&o.FailureReason,
		&o.RetryCount,
		&o.MaxRetries,
		&o.CancelRequested,
		&o.ExecutionVersion,
		&o.Version,
		&o.UpdatedAt,
	)
	if err != nil {
		return domain.DCAOrder{}, err
	}

	o.Direction = domain.Direction(direction)
	o.TriggerCondition = domain.TriggerCondition(cond)
	o.Status = domain.OrderStatus(status)

	if o.FromAmount, err = decimal.NewFromString(fromAmount); err != nil {
		return domain.DCAOrder{}, errors.Wrapf(err, "decode from_amount of %s", o.ID)
	}
	if o.TriggerPrice, err = decimal.NewFromString(triggerPrice); err != nil {
		return domain.DCAOrder{}, errors.Wrapf(err, "decode trigger_price of %s", o.ID)
	}
	if executedPrice.Valid {
		p, err := decimal.NewFromString(executedPrice.String)
		if err != nil {
			return domain.DCAOrder{}, errors.Wrapf(err, "decode executed_price of %s", o.ID)
		}
		o.ExecutedPrice = decimal.NewNullDecimal(p)
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		o.ExpiresAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time.UTC()
		o.ExecutedAt = &t
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()

	return o, nil
}

func rowErr(err error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	return unavailable(err, "read order %s", id)
}

func unavailable(err error, format string, args ...any) error {
	return errors.Wrapf(domain.ErrStoreUnavailable, "%s: %v", fmt.Sprintf(format, args...), err)
}

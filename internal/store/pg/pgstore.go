package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"launchpad.org/internal/ids"
	"launchpad.org/internal/launchpad"
	"launchpad.org/internal/ledger"
	"launchpad.org/internal/stream"
)

// Store is the durable backend: it implements both the ledger transfer
// primitive and the launchpad sale registry on the same database so that
// settlement moves commit atomically with sale-record mutations.
type Store struct {
	db     *sql.DB
	cfg    launchpad.Config
	events launchpad.Events
	now    func() time.Time
}

var (
	_ ledger.Service    = (*Store)(nil)
	_ launchpad.Service = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source used for sale-window checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEvents attaches an event sink for SaleCreated/Contribution notifications.
func WithEvents(ev launchpad.Events) Option {
	return func(s *Store) { s.events = ev }
}

func Open(dsn string, cfg launchpad.Config, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, cfg, opts...), nil
}

// NewStore wraps an existing database handle (tests use this with sqlmock).
func NewStore(db *sql.DB, cfg launchpad.Config, opts ...Option) *Store {
	s := &Store{db: db, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateAccount(ctx context.Context, initial ledger.Money) (ledger.Account, error) {
	if initial.Asset == "" {
		return ledger.Account{}, ledger.ErrInvalidAsset
	}
	if initial.Amount < 0 {
		return ledger.Account{}, ledger.ErrInvalidAmount
	}
	id := ids.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `insert into accounts(id, created_at) values($1, now())`, id); err != nil {
		return ledger.Account{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into balances(account_id, asset, amount)
		values ($1,$2,$3)
		on conflict (account_id, asset) do update
		set amount = balances.amount + excluded.amount
	`, id, initial.Asset, initial.Amount); err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}

	return ledger.Account{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Balances:  map[string]int64{initial.Asset: initial.Amount},
	}, nil
}

// CreateAccountWithID registers an account under a caller-chosen identifier,
// matching the in-memory ledger. Re-registering tops up the balance.
func (s *Store) CreateAccountWithID(ctx context.Context, id string, initial ledger.Money) (ledger.Account, error) {
	if initial.Asset == "" {
		return ledger.Account{}, ledger.ErrInvalidAsset
	}
	if initial.Amount < 0 {
		return ledger.Account{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into accounts(id, created_at) values($1, now())
		on conflict (id) do nothing
	`, id); err != nil {
		return ledger.Account{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into balances(account_id, asset, amount)
		values ($1,$2,$3)
		on conflict (account_id, asset) do update
		set amount = balances.amount + excluded.amount
	`, id, initial.Asset, initial.Amount); err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	var created time.Time
	err := s.db.QueryRowContext(ctx, `select created_at from accounts where id=$1`, id).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}

	rows, err := s.db.QueryContext(ctx, `select asset, amount from balances where account_id=$1`, id)
	if err != nil {
		return ledger.Account{}, err
	}
	defer rows.Close()

	bals := map[string]int64{}
	for rows.Next() {
		var a string
		var v int64
		if err := rows.Scan(&a, &v); err != nil {
			return ledger.Account{}, err
		}
		bals[a] = v
	}
	return ledger.Account{ID: id, CreatedAt: created, Balances: bals}, nil
}

func (s *Store) GetBalance(ctx context.Context, id, asset string) (ledger.Money, error) {
	var amt int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(b.amount,0)
		from accounts a
		left join balances b on b.account_id=a.id and b.asset=$2
		where a.id=$1
	`, id, asset).Scan(&amt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Money{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Money{}, err
	}
	return ledger.Money{Asset: asset, Amount: amt}, nil
}

func (s *Store) Transfer(ctx context.Context, fromID, toID string, amt ledger.Money, idemKey string) (ledger.Transaction, error) {
	if !amt.IsPositive() {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if amt.Asset == "" {
		return ledger.Transaction{}, ledger.ErrInvalidAsset
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: return existing tx if idemKey already recorded
	if idemKey != "" {
		var t ledger.Transaction
		var created time.Time
		var idem sql.NullString
		err := tx.QueryRowContext(ctx, `
			select id, created_at, from_account_id, to_account_id, asset, amount, sequence, idempotency_key
			from transactions where idempotency_key=$1
		`, idemKey).Scan(&t.ID, &created, &t.FromAccountID, &t.ToAccountID, &t.Asset, &t.Amount, &t.Sequence, &idem)
		if err == nil {
			t.CreatedAt = created
			if idem.Valid {
				t.IdempotencyKey = idem.String
			}
			return t, nil
		} else if err != sql.ErrNoRows {
			return ledger.Transaction{}, err
		}
	}

	if _, err := moveFunds(ctx, tx, fromID, toID, amt.Asset, amt.Amount); err != nil {
		return ledger.Transaction{}, err
	}

	// Record transaction
	tid := ids.New()
	var seq uint64
	if err := tx.QueryRowContext(ctx, `
		insert into transactions(id, from_account_id, to_account_id, asset, amount, idempotency_key)
		values ($1,$2,$3,$4,$5,nullif($6,'')) returning sequence
	`, tid, fromID, toID, amt.Asset, amt.Amount, idemKey).Scan(&seq); err != nil {
		return ledger.Transaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}

	return ledger.Transaction{
		ID:             tid,
		CreatedAt:      time.Now().UTC(),
		FromAccountID:  fromID,
		ToAccountID:    toID,
		Asset:          amt.Asset,
		Amount:         amt.Amount,
		IdempotencyKey: idemKey,
		Sequence:       seq,
	}, nil
}

func (s *Store) ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, created_at, from_account_id, to_account_id, asset, amount, sequence, coalesce(idempotency_key,'')
		from transactions
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Transaction
	var last uint64
	for rows.Next() {
		var tx ledger.Transaction
		var idem string
		if err := rows.Scan(&tx.ID, &tx.CreatedAt, &tx.FromAccountID, &tx.ToAccountID, &tx.Asset, &tx.Amount, &tx.Sequence, &idem); err != nil {
			return nil, 0, err
		}
		if idem != "" {
			tx.IdempotencyKey = idem
		}
		res = append(res, tx)
		last = tx.Sequence
	}
	return res, last, nil
}

// moveFunds applies a balance delta between two accounts inside tx. Account
// rows are locked in stable order to avoid deadlocks.
func moveFunds(ctx context.Context, tx *sql.Tx, fromID, toID, asset string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	for _, acc := range sorted(fromID, toID) {
		var dummy int
		if err := tx.QueryRowContext(ctx, `select 1 from accounts where id=$1 for update`, acc).Scan(&dummy); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, ledger.ErrNotFound
			}
			return 0, err
		}
	}

	// Ensure balance rows exist
	if _, err := tx.ExecContext(ctx, `
		insert into balances(account_id, asset, amount)
		values ($1,$2,0) on conflict do nothing
	`, fromID, asset); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into balances(account_id, asset, amount)
		values ($1,$2,0) on conflict do nothing
	`, toID, asset); err != nil {
		return 0, err
	}

	// Check sufficient funds (lock row)
	var fromBal int64
	if err := tx.QueryRowContext(ctx, `
		select amount from balances where account_id=$1 and asset=$2 for update
	`, fromID, asset).Scan(&fromBal); err != nil {
		return 0, ledger.ErrNotFound
	}
	if fromBal < amount {
		return 0, ledger.ErrInsufficientFunds
	}

	// Apply delta
	if _, err := tx.ExecContext(ctx, `
		update balances set amount = amount - $3
		where account_id=$1 and asset=$2
	`, fromID, asset, amount); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		update balances set amount = amount + $3
		where account_id=$1 and asset=$2
	`, toID, asset, amount); err != nil {
		return 0, err
	}
	return fromBal - amount, nil
}

func sorted(a, b string) []string {
	if a <= b {
		return []string{a, b}
	}
	return []string{b, a}
}

// used by launchpad.go for fan-out after commit
func (s *Store) publish(evt stream.Event) {
	if s.events != nil {
		s.events.Publish(evt)
	}
}

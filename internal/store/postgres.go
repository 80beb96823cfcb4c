package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/issuance-engine/internal/model"
)

// schema is applied by Migrate. Amounts are NUMERIC(78,0), wide enough for
// any 256-bit unsigned integer.
const schema = `
CREATE TABLE IF NOT EXISTS auctions (
	id          SMALLINT PRIMARY KEY CHECK (id = 1),
	start_time  TIMESTAMPTZ NOT NULL,
	duration_s  BIGINT NOT NULL,
	start_price NUMERIC(78,0) NOT NULL,
	end_price   NUMERIC(78,0) NOT NULL,
	amount      NUMERIC(78,0) NOT NULL
);

CREATE TABLE IF NOT EXISTS bonds (
	holder           TEXT PRIMARY KEY,
	amount_out       NUMERIC(78,0) NOT NULL,
	amount_in        NUMERIC(78,0) NOT NULL,
	start_redemption TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS eligibility_keys (
	key         TEXT PRIMARY KEY,
	consumed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS offering_state (
	id        SMALLINT PRIMARY KEY CHECK (id = 1),
	remaining NUMERIC(78,0) NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	id            UUID PRIMARY KEY,
	kind          TEXT NOT NULL,
	buyer         TEXT NOT NULL,
	amount_out    NUMERIC(78,0) NOT NULL,
	amount_in     NUMERIC(78,0) NOT NULL,
	price         NUMERIC(78,0) NOT NULL,
	auction_start TIMESTAMPTZ,
	timestamp     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS fills_buyer_idx ON fills (buyer, timestamp);

CREATE TABLE IF NOT EXISTS ledger_balances (
	ledger  TEXT NOT NULL,
	account TEXT NOT NULL,
	amount  NUMERIC(78,0) NOT NULL,
	PRIMARY KEY (ledger, account)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC and moved through text casts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuction(ctx context.Context) (model.Auction, bool, error) {
	var a model.Auction
	var durS int64
	var startPrice, endPrice, amount string

	err := s.pool.QueryRow(ctx,
		`SELECT start_time, duration_s, start_price::TEXT, end_price::TEXT, amount::TEXT
		 FROM auctions WHERE id = 1`).
		Scan(&a.StartTime, &durS, &startPrice, &endPrice, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Auction{}, false, nil
	}
	if err != nil {
		return model.Auction{}, false, fmt.Errorf("get auction: %w", err)
	}

	a.Duration = time.Duration(durS) * time.Second
	if a.StartPrice, err = parseAmount(startPrice); err != nil {
		return model.Auction{}, false, err
	}
	if a.EndPrice, err = parseAmount(endPrice); err != nil {
		return model.Auction{}, false, err
	}
	if a.Amount, err = parseAmount(amount); err != nil {
		return model.Auction{}, false, err
	}
	return a, true, nil
}

func (s *PostgresStore) PutAuction(ctx context.Context, a model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, start_time, duration_s, start_price, end_price, amount)
		 VALUES (1, $1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (id) DO UPDATE
		 SET start_time = EXCLUDED.start_time, duration_s = EXCLUDED.duration_s,
		     start_price = EXCLUDED.start_price, end_price = EXCLUDED.end_price,
		     amount = EXCLUDED.amount`,
		a.StartTime, int64(a.Duration/time.Second),
		a.StartPrice.Dec(), a.EndPrice.Dec(), a.Amount.Dec(),
	)
	if err != nil {
		return fmt.Errorf("put auction: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAuction(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auctions WHERE id = 1`); err != nil {
		return fmt.Errorf("delete auction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBond(ctx context.Context, holder common.Address) (model.Bond, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT holder, amount_out::TEXT, amount_in::TEXT, start_redemption
		 FROM bonds WHERE holder = $1`, holder.Hex())
	if err != nil {
		return model.Bond{}, false, fmt.Errorf("get bond %s: %w", holder.Hex(), err)
	}
	defer rows.Close()

	bonds, err := scanBonds(rows)
	if err != nil {
		return model.Bond{}, false, fmt.Errorf("get bond %s: %w", holder.Hex(), err)
	}
	if len(bonds) == 0 {
		return model.Bond{}, false, nil
	}
	return bonds[0], true, nil
}

func (s *PostgresStore) PutBond(ctx context.Context, b model.Bond) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bonds (holder, amount_out, amount_in, start_redemption)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (holder) DO UPDATE
		 SET amount_out = EXCLUDED.amount_out, amount_in = EXCLUDED.amount_in,
		     start_redemption = EXCLUDED.start_redemption`,
		b.Holder.Hex(), b.AmountOut.Dec(), b.AmountIn.Dec(), b.StartRedemption,
	)
	if err != nil {
		return fmt.Errorf("put bond %s: %w", b.Holder.Hex(), err)
	}
	return nil
}

func (s *PostgresStore) DeleteBond(ctx context.Context, holder common.Address) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bonds WHERE holder = $1`, holder.Hex()); err != nil {
		return fmt.Errorf("delete bond %s: %w", holder.Hex(), err)
	}
	return nil
}

func (s *PostgresStore) ListBonds(ctx context.Context) ([]model.Bond, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT holder, amount_out::TEXT, amount_in::TEXT, start_redemption
		 FROM bonds ORDER BY holder`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBonds(rows)
}

func (s *PostgresStore) ConsumeKey(ctx context.Context, key common.Hash) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO eligibility_keys (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`,
		key.Hex())
	if err != nil {
		return false, fmt.Errorf("consume key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseKey(ctx context.Context, key common.Hash) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM eligibility_keys WHERE key = $1`, key.Hex()); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOfferingRemaining(ctx context.Context) (*uint256.Int, bool, error) {
	var remaining string
	err := s.pool.QueryRow(ctx, `SELECT remaining::TEXT FROM offering_state WHERE id = 1`).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get offering remaining: %w", err)
	}
	x, err := parseAmount(remaining)
	if err != nil {
		return nil, false, err
	}
	return x, true, nil
}

func (s *PostgresStore) PutOfferingRemaining(ctx context.Context, remaining *uint256.Int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO offering_state (id, remaining) VALUES (1, $1::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET remaining = EXCLUDED.remaining`,
		remaining.Dec())
	if err != nil {
		return fmt.Errorf("put offering remaining: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertFill(ctx context.Context, f *model.Fill) error {
	var auctionStart *time.Time
	if !f.AuctionStart.IsZero() {
		auctionStart = &f.AuctionStart
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fills (id, kind, buyer, amount_out, amount_in, price, auction_start, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		f.ID, f.Kind, f.Buyer.Hex(),
		f.AmountOut.Dec(), f.AmountIn.Dec(), f.Price.Dec(),
		auctionStart, f.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert fill %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteFill(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM fills WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete fill %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListFills(ctx context.Context) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, buyer, amount_out::TEXT, amount_in::TEXT, price::TEXT,
		        auction_start, timestamp
		 FROM fills ORDER BY timestamp, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFills(rows)
}

func (s *PostgresStore) ListFillsByBuyer(ctx context.Context, buyer common.Address) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, buyer, amount_out::TEXT, amount_in::TEXT, price::TEXT,
		        auction_start, timestamp
		 FROM fills WHERE buyer = $1 ORDER BY timestamp, id`, buyer.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFills(rows)
}

func (s *PostgresStore) LoadBalances(ctx context.Context, ledger string) (map[common.Address]*uint256.Int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account, amount::TEXT FROM ledger_balances WHERE ledger = $1`, ledger)
	if err != nil {
		return nil, fmt.Errorf("load %s balances: %w", ledger, err)
	}
	defer rows.Close()

	out := make(map[common.Address]*uint256.Int)
	for rows.Next() {
		var account, amount string
		if err := rows.Scan(&account, &amount); err != nil {
			return nil, err
		}
		x, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		out[common.HexToAddress(account)] = x
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutBalances(ctx context.Context, ledger string, changed map[common.Address]*uint256.Int) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for addr, amount := range changed {
			if _, err := tx.Exec(ctx,
				`INSERT INTO ledger_balances (ledger, account, amount) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (ledger, account) DO UPDATE SET amount = EXCLUDED.amount`,
				ledger, addr.Hex(), amount.Dec()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s balances: %w", ledger, err)
	}
	return nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanBonds(rows pgxRows) ([]model.Bond, error) {
	var bonds []model.Bond
	for rows.Next() {
		var b model.Bond
		var holder, outS, inS string
		if err := rows.Scan(&holder, &outS, &inS, &b.StartRedemption); err != nil {
			return nil, err
		}
		b.Holder = common.HexToAddress(holder)
		var err error
		if b.AmountOut, err = parseAmount(outS); err != nil {
			return nil, err
		}
		if b.AmountIn, err = parseAmount(inS); err != nil {
			return nil, err
		}
		bonds = append(bonds, b)
	}
	return bonds, rows.Err()
}

func scanFills(rows pgxRows) ([]model.Fill, error) {
	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var buyer, outS, inS, priceS string
		var auctionStart *time.Time
		if err := rows.Scan(&f.ID, &f.Kind, &buyer, &outS, &inS, &priceS, &auctionStart, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Buyer = common.HexToAddress(buyer)
		if auctionStart != nil {
			f.AuctionStart = *auctionStart
		}
		var err error
		if f.AmountOut, err = parseAmount(outS); err != nil {
			return nil, err
		}
		if f.AmountIn, err = parseAmount(inS); err != nil {
			return nil, err
		}
		if f.Price, err = parseAmount(priceS); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// parseAmount decodes a NUMERIC text value into a 256-bit integer.
func parseAmount(s string) (*uint256.Int, error) {
	x, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return x, nil
}

var _ Store = (*PostgresStore)(nil)

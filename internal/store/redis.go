package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/issuance-engine/internal/lock"
	"github.com/atmx/issuance-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the auction, bond and offering snapshots served by the HTTP read
// handlers.
//
// Reads made inside a critical section (lock.Holding) always go to the
// primary: a guarded operation decides on the source of truth, never on a
// cached copy. Every write bumps a per-key version and deletes the entry; a
// reader only populates the cache if the version it saw before its primary
// read is still current, so a slow reader cannot resurrect a deleted or
// overwritten record.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutAuction(ctx context.Context, a model.Auction) error {
	if err := s.primary.PutAuction(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, auctionKey)
	return nil
}

func (s *CachedStore) DeleteAuction(ctx context.Context) error {
	if err := s.primary.DeleteAuction(ctx); err != nil {
		return err
	}
	s.invalidate(ctx, auctionKey)
	return nil
}

func (s *CachedStore) PutBond(ctx context.Context, b model.Bond) error {
	if err := s.primary.PutBond(ctx, b); err != nil {
		return err
	}
	s.invalidate(ctx, bondKey(b.Holder))
	return nil
}

func (s *CachedStore) DeleteBond(ctx context.Context, holder common.Address) error {
	if err := s.primary.DeleteBond(ctx, holder); err != nil {
		return err
	}
	s.invalidate(ctx, bondKey(holder))
	return nil
}

func (s *CachedStore) PutOfferingRemaining(ctx context.Context, remaining *uint256.Int) error {
	if err := s.primary.PutOfferingRemaining(ctx, remaining); err != nil {
		return err
	}
	s.invalidate(ctx, remainingKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context) (model.Auction, bool, error) {
	if lock.Holding(ctx) {
		return s.primary.GetAuction(ctx)
	}
	if data, err := s.rdb.Get(ctx, auctionKey).Bytes(); err == nil {
		var rec auctionRecord
		if json.Unmarshal(data, &rec) == nil {
			if a, err := rec.model(); err == nil {
				return a, true, nil
			}
		}
	}

	seen := s.version(ctx, auctionKey)
	a, ok, err := s.primary.GetAuction(ctx)
	if err != nil || !ok {
		return a, ok, err
	}
	if data, err := json.Marshal(newAuctionRecord(a)); err == nil {
		s.populate(ctx, auctionKey, seen, data)
	}
	return a, true, nil
}

func (s *CachedStore) GetBond(ctx context.Context, holder common.Address) (model.Bond, bool, error) {
	if lock.Holding(ctx) {
		return s.primary.GetBond(ctx, holder)
	}
	key := bondKey(holder)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var rec bondRecord
		if json.Unmarshal(data, &rec) == nil {
			if b, err := rec.model(); err == nil {
				return b, true, nil
			}
		}
	}

	seen := s.version(ctx, key)
	b, ok, err := s.primary.GetBond(ctx, holder)
	if err != nil || !ok {
		return b, ok, err
	}
	if data, err := json.Marshal(newBondRecord(b)); err == nil {
		s.populate(ctx, key, seen, data)
	}
	return b, true, nil
}

func (s *CachedStore) GetOfferingRemaining(ctx context.Context) (*uint256.Int, bool, error) {
	if lock.Holding(ctx) {
		return s.primary.GetOfferingRemaining(ctx)
	}
	if v, err := s.rdb.Get(ctx, remainingKey).Result(); err == nil {
		if x, err := uint256.FromDecimal(v); err == nil {
			return x, true, nil
		}
	}

	seen := s.version(ctx, remainingKey)
	x, ok, err := s.primary.GetOfferingRemaining(ctx)
	if err != nil || !ok {
		return x, ok, err
	}
	s.populate(ctx, remainingKey, seen, x.Dec())
	return x, true, nil
}

// --- Versioning ---

// version returns the write generation of key. A missing counter is 0; an
// unreachable Redis yields -1, which never matches and so never populates.
func (s *CachedStore) version(ctx context.Context, key string) int64 {
	v, err := s.rdb.Get(ctx, versionKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		return -1
	}
	return v
}

// invalidate bumps the version of key and drops the cached value.
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, versionKey(key))
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("cache invalidation failed", "key", key, "err", err)
	}
}

// populate caches value under key only if no write happened since the
// reader observed version seen.
func (s *CachedStore) populate(ctx context.Context, key string, seen int64, value any) {
	if seen < 0 {
		return
	}
	vk := versionKey(key)
	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != seen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, value, s.ttl)
			return nil
		})
		return err
	}, vk)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBonds(ctx context.Context) ([]model.Bond, error) {
	return s.primary.ListBonds(ctx)
}

func (s *CachedStore) ConsumeKey(ctx context.Context, key common.Hash) (bool, error) {
	return s.primary.ConsumeKey(ctx, key)
}

func (s *CachedStore) ReleaseKey(ctx context.Context, key common.Hash) error {
	return s.primary.ReleaseKey(ctx, key)
}

func (s *CachedStore) InsertFill(ctx context.Context, f *model.Fill) error {
	return s.primary.InsertFill(ctx, f)
}

func (s *CachedStore) DeleteFill(ctx context.Context, id string) error {
	return s.primary.DeleteFill(ctx, id)
}

func (s *CachedStore) ListFills(ctx context.Context) ([]model.Fill, error) {
	return s.primary.ListFills(ctx)
}

func (s *CachedStore) ListFillsByBuyer(ctx context.Context, buyer common.Address) ([]model.Fill, error) {
	return s.primary.ListFillsByBuyer(ctx, buyer)
}

func (s *CachedStore) LoadBalances(ctx context.Context, ledger string) (map[common.Address]*uint256.Int, error) {
	return s.primary.LoadBalances(ctx, ledger)
}

func (s *CachedStore) PutBalances(ctx context.Context, ledger string, changed map[common.Address]*uint256.Int) error {
	return s.primary.PutBalances(ctx, ledger, changed)
}

// --- Cache records ---

// Amounts are cached as decimal strings.
type auctionRecord struct {
	StartTime  int64  `json:"start_time"`
	Duration   int64  `json:"duration_s"`
	StartPrice string `json:"start_price"`
	EndPrice   string `json:"end_price"`
	Amount     string `json:"amount"`
}

func newAuctionRecord(a model.Auction) auctionRecord {
	return auctionRecord{
		StartTime:  a.StartTime.Unix(),
		Duration:   int64(a.Duration / time.Second),
		StartPrice: a.StartPrice.Dec(),
		EndPrice:   a.EndPrice.Dec(),
		Amount:     a.Amount.Dec(),
	}
}

func (r auctionRecord) model() (model.Auction, error) {
	a := model.Auction{
		StartTime: time.Unix(r.StartTime, 0).UTC(),
		Duration:  time.Duration(r.Duration) * time.Second,
	}
	var err error
	if a.StartPrice, err = uint256.FromDecimal(r.StartPrice); err != nil {
		return model.Auction{}, err
	}
	if a.EndPrice, err = uint256.FromDecimal(r.EndPrice); err != nil {
		return model.Auction{}, err
	}
	if a.Amount, err = uint256.FromDecimal(r.Amount); err != nil {
		return model.Auction{}, err
	}
	return a, nil
}

type bondRecord struct {
	Holder          string `json:"holder"`
	AmountOut       string `json:"amount_out"`
	AmountIn        string `json:"amount_in"`
	StartRedemption int64  `json:"start_redemption"`
}

func newBondRecord(b model.Bond) bondRecord {
	return bondRecord{
		Holder:          b.Holder.Hex(),
		AmountOut:       b.AmountOut.Dec(),
		AmountIn:        b.AmountIn.Dec(),
		StartRedemption: b.StartRedemption.Unix(),
	}
}

func (r bondRecord) model() (model.Bond, error) {
	b := model.Bond{
		Holder:          common.HexToAddress(r.Holder),
		StartRedemption: time.Unix(r.StartRedemption, 0).UTC(),
	}
	var err error
	if b.AmountOut, err = uint256.FromDecimal(r.AmountOut); err != nil {
		return model.Bond{}, err
	}
	if b.AmountIn, err = uint256.FromDecimal(r.AmountIn); err != nil {
		return model.Bond{}, err
	}
	return b, nil
}

const (
	auctionKey   = "auction:current"
	remainingKey = "offering:remaining"
)

func bondKey(holder common.Address) string { return fmt.Sprintf("bond:%s", holder.Hex()) }

func versionKey(key string) string { return key + ":v" }

var _ Store = (*CachedStore)(nil)

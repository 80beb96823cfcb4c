// Package store defines the persistence interface for the issuance engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Absence is always reported through an explicit ok flag, never through a
// zero-valued record.
package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/issuance-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Auction singleton ---

	// GetAuction returns the current auction record, if any.
	GetAuction(ctx context.Context) (model.Auction, bool, error)

	// PutAuction replaces the auction record.
	PutAuction(ctx context.Context, a model.Auction) error

	// DeleteAuction clears the auction record. Deleting nothing is not an error.
	DeleteAuction(ctx context.Context) error

	// --- Bonds (at most one per holder) ---

	GetBond(ctx context.Context, holder common.Address) (model.Bond, bool, error)
	PutBond(ctx context.Context, b model.Bond) error
	DeleteBond(ctx context.Context, holder common.Address) error
	ListBonds(ctx context.Context) ([]model.Bond, error)

	// --- Eligibility ---

	// ConsumeKey marks an eligibility digest as used and reports whether it
	// was fresh.
	ConsumeKey(ctx context.Context, key common.Hash) (bool, error)

	// ReleaseKey forgets a consumed digest. Used only to undo a failed call.
	ReleaseKey(ctx context.Context, key common.Hash) error

	// --- Capped offering ---

	GetOfferingRemaining(ctx context.Context) (*uint256.Int, bool, error)
	PutOfferingRemaining(ctx context.Context, remaining *uint256.Int) error

	// --- Immutable fill ledger ---

	// InsertFill appends an immutable fill record.
	InsertFill(ctx context.Context, f *model.Fill) error

	// DeleteFill removes a fill. Used only to undo a failed call.
	DeleteFill(ctx context.Context, id string) error

	// ListFills returns every fill, oldest first.
	ListFills(ctx context.Context) ([]model.Fill, error)

	// ListFillsByBuyer returns the fills of one buyer, oldest first.
	ListFillsByBuyer(ctx context.Context, buyer common.Address) ([]model.Fill, error)

	// --- Ledger balances ---

	// LoadBalances returns every stored balance of the named ledger.
	LoadBalances(ctx context.Context, ledger string) (map[common.Address]*uint256.Int, error)

	// PutBalances upserts the given balances of the named ledger atomically.
	PutBalances(ctx context.Context, ledger string, changed map[common.Address]*uint256.Int) error
}

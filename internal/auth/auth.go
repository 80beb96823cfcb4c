// Package auth gates administrative engine operations behind roles.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnauthorized is returned when the caller lacks the required role.
var ErrUnauthorized = errors.New("auth: caller lacks required role")

// Role names a permission.
type Role string

const (
	// Owner may rotate the eligibility signer and grant operators.
	Owner Role = "owner"
	// Operator may start and cancel auctions.
	Operator Role = "operator"
)

// Authorizer checks whether caller holds role.
type Authorizer interface {
	Authorize(ctx context.Context, caller common.Address, role Role) error
}

// Administrator is an Authorizer whose operator set can change at runtime.
type Administrator interface {
	Authorizer
	Grant(ctx context.Context, caller, operator common.Address) error
	Revoke(ctx context.Context, caller, operator common.Address) error
}

// Roles is a static owner plus a mutable operator set. The owner implicitly
// holds every role.
type Roles struct {
	mu        sync.RWMutex
	owner     common.Address
	operators map[common.Address]bool
}

// NewRoles creates a role table.
func NewRoles(owner common.Address, operators ...common.Address) *Roles {
	r := &Roles{owner: owner, operators: make(map[common.Address]bool)}
	for _, op := range operators {
		r.operators[op] = true
	}
	return r
}

func (r *Roles) Authorize(_ context.Context, caller common.Address, role Role) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if caller == r.owner {
		return nil
	}
	if role == Operator && r.operators[caller] {
		return nil
	}
	return fmt.Errorf("%w: %s is not %s", ErrUnauthorized, caller.Hex(), role)
}

// Grant adds an operator. Only the owner may grant.
func (r *Roles) Grant(ctx context.Context, caller, operator common.Address) error {
	if err := r.Authorize(ctx, caller, Owner); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[operator] = true
	return nil
}

// Revoke removes an operator. Only the owner may revoke.
func (r *Roles) Revoke(ctx context.Context, caller, operator common.Address) error {
	if err := r.Authorize(ctx, caller, Owner); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.operators, operator)
	return nil
}

var _ Administrator = (*Roles)(nil)

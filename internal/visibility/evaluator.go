// Package visibility decides whether a master's deposit covers their
// listings and moves the master between visible and hidden accordingly.
package visibility

import (
	"context"
	"errors"

	"marketrust/internal/apperr"
	"marketrust/internal/market"
)

// Store is what the visibility rules read and write.
type Store interface {
	market.UserStore
	market.ListingStore
}

// Decision is the solvency verdict for one master.
type Decision struct {
	MasterID       string  `json:"master_id"`
	DepositBalance int64   `json:"deposit_balance"`
	MaxPrice       int64   `json:"max_price"`
	Threshold      float64 `json:"threshold"`
	IsSolvent      bool    `json:"is_solvent"`
}

// Decide computes solvency from a balance and the master's listings.
// The required deposit is 20% of the most expensive active listing. A master
// with no active listings is always solvent.
func Decide(masterID string, balance int64, listings []market.Listing) Decision {
	d := Decision{MasterID: masterID, DepositBalance: balance, IsSolvent: true}

	active := 0
	for _, l := range listings {
		if !l.IsActive {
			continue
		}
		active++
		if l.Price > d.MaxPrice {
			d.MaxPrice = l.Price
		}
	}
	if active == 0 {
		return d
	}

	d.Threshold = float64(d.MaxPrice) / 5
	d.IsSolvent = balance >= minimumBalance(d.MaxPrice)
	return d
}

// minimumBalance is the smallest whole balance covering a fifth of maxPrice,
// computed without multiplying the balance.
func minimumBalance(maxPrice int64) int64 {
	floor := maxPrice / 5
	if maxPrice%5 > 0 {
		floor++
	}
	return floor
}

// Evaluator reads a master and their active listings and decides solvency.
type Evaluator struct {
	store Store
}

func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate is a pure read; it never mutates the master.
func (e *Evaluator) Evaluate(ctx context.Context, masterID string) (Decision, error) {
	const op = "visibility.Evaluate"

	user, err := loadMaster(ctx, e.store, op, masterID)
	if err != nil {
		return Decision{}, err
	}
	return e.decide(ctx, op, user)
}

func (e *Evaluator) decide(ctx context.Context, op string, user *market.User) (Decision, error) {
	listings, err := e.store.ActiveListings(ctx, user.ID)
	if err != nil {
		return Decision{}, apperr.Dependency(op, err)
	}
	return Decide(user.ID, user.DepositBalance, listings), nil
}

func loadMaster(ctx context.Context, users market.UserStore, op, masterID string) (*market.User, error) {
	user, err := users.GetUser(ctx, masterID)
	if errors.Is(err, market.ErrNotFound) {
		return nil, apperr.Invariant("", op, "user %s does not exist", masterID)
	}
	if err != nil {
		return nil, apperr.Dependency(op, err)
	}
	if user.Role != market.RoleMaster {
		return nil, apperr.Invariant(apperr.CodeRoleMismatch, op, "user %s has role %q, want master", masterID, user.Role)
	}
	return user, nil
}

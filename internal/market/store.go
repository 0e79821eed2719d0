// internal/market/store.go
package market

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// UserStore reads and mutates user documents. Every mutating method is a
// single-document atomic update; the bool results report whether the
// conditional write won.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// UpsertIdentity creates the user if absent, otherwise refreshes only the
	// display name and handle. It reports whether a record was created.
	UpsertIdentity(ctx context.Context, u *User) (*User, bool, error)
	ListMasterIDs(ctx context.Context) ([]string, error)
	// SetVisibility flips IsVisible from expected to next. When it wins and
	// entry is non-nil, entry is appended in the same atomic step.
	SetVisibility(ctx context.Context, id string, expected, next bool, entry *SystemLogEntry) (bool, error)
	StartLowBalance(ctx context.Context, id string, since time.Time) (bool, error)
	AdvanceLowBalanceStage(ctx context.Context, id string, since time.Time, expected, next Stage) (bool, error)
	ClearLowBalance(ctx context.Context, id string) error
	// UpdateVipStatus persists the classification and returns the previous
	// flag. entry is appended atomically only when the flag flips.
	UpdateVipStatus(ctx context.Context, id string, isVip bool, count int, checkedAt time.Time, entry *SystemLogEntry) (bool, error)
	// GrantReward records the grant, increments the author's trust score and
	// appends entry in one step. It reports false when the grant was already
	// recorded.
	GrantReward(ctx context.Context, grant RewardGrant, entry *SystemLogEntry) (bool, error)
}

// ListingStore reads service cards.
type ListingStore interface {
	GetListing(ctx context.Context, id string) (*Listing, error)
	ActiveListings(ctx context.Context, masterID string) ([]Listing, error)
}

// DealStore reads deals.
type DealStore interface {
	GetDeal(ctx context.Context, id string) (*Deal, error)
	CountDealsSince(ctx context.Context, clientID string, since time.Time) (int, error)
	// HasQualifyingDeal reports whether a non-cancelled deal exists between
	// the client and the master.
	HasQualifyingDeal(ctx context.Context, clientID, masterID string) (bool, error)
}

// ReviewStore reads reviews and flips the verified purchase flag.
type ReviewStore interface {
	GetReview(ctx context.Context, id string) (*Review, error)
	VerifiedReviewsForService(ctx context.Context, serviceID string) ([]Review, error)
	// MarkReviewVerified sets the verified purchase flag and appends entry
	// in one step when the flag was unset.
	MarkReviewVerified(ctx context.Context, id string, entry *SystemLogEntry) (bool, error)
}

// Store is the document store collaborator.
type Store interface {
	UserStore
	ListingStore
	DealStore
	ReviewStore
	Ping(ctx context.Context) error
}

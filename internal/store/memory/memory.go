// Package memory is an in-process implementation of market.Store used in tests
// and for local runs without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketrust/internal/market"
)

type grantKey struct {
	dealID   string
	authorID string
}

// Store keeps every collection in maps guarded by one mutex, which makes each
// method a single atomic step like a single-document update.
type Store struct {
	mu       sync.Mutex
	users    map[string]market.User
	listings map[string]market.Listing
	deals    map[string]market.Deal
	reviews  map[string]market.Review
	logs     []market.SystemLogEntry
	grants   map[grantKey]market.RewardGrant
	err      error
	logErr   error
}

var _ market.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]market.User),
		listings: make(map[string]market.Listing),
		deals:    make(map[string]market.Deal),
		reviews:  make(map[string]market.Review),
		grants:   make(map[grantKey]market.RewardGrant),
	}
}

// WithError makes every subsequent call fail with err. Pass nil to reset.
func (s *Store) WithError(err error) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// FailSystemLogs makes every write that carries a log entry fail with err
// without applying anything. Pass nil to reset.
func (s *Store) FailSystemLogs(err error) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logErr = err
	return s
}

// PutUser inserts or replaces a user document.
func (s *Store) PutUser(u market.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = cloneUser(u)
}

// PutListing inserts or replaces a listing.
func (s *Store) PutListing(l market.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
}

// PutDeal inserts or replaces a deal.
func (s *Store) PutDeal(d market.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[d.ID] = d
}

// PutReview inserts or replaces a review.
func (s *Store) PutReview(r market.Review) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[r.ID] = r
}

// SystemLogs returns a snapshot of appended audit records.
func (s *Store) SystemLogs() []market.SystemLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.SystemLogEntry(nil), s.logs...)
}

// UserCount returns the number of stored users.
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Store) GetUser(_ context.Context, id string) (*market.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	out := cloneUser(u)
	return &out, nil
}

func (s *Store) UpsertIdentity(_ context.Context, u *market.User) (*market.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, false, s.err
	}

	existing, ok := s.users[u.ID]
	created := !ok
	if ok {
		existing.DisplayName = u.DisplayName
		existing.Handle = u.Handle
		existing.UpdatedAt = u.UpdatedAt
	} else {
		existing = cloneUser(*u)
	}
	s.users[u.ID] = existing

	out := cloneUser(existing)
	return &out, created, nil
}

func (s *Store) ListMasterIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var ids []string
	for id, u := range s.users {
		if u.Role == market.RoleMaster {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SetVisibility(_ context.Context, id string, expected, next bool, entry *market.SystemLogEntry) (bool, error) {
	return s.mutateUser(id, entry, func(u *market.User) bool {
		if u.IsVisible != expected {
			return false
		}
		u.IsVisible = next
		return true
	})
}

func (s *Store) StartLowBalance(_ context.Context, id string, since time.Time) (bool, error) {
	return s.mutateUser(id, nil, func(u *market.User) bool {
		if u.LowBalanceSince != nil {
			return false
		}
		t := since
		u.LowBalanceSince = &t
		u.LowBalanceStage = market.StageNone
		return true
	})
}

func (s *Store) AdvanceLowBalanceStage(_ context.Context, id string, since time.Time, expected, next market.Stage) (bool, error) {
	return s.mutateUser(id, nil, func(u *market.User) bool {
		if u.LowBalanceSince == nil || !u.LowBalanceSince.Equal(since) || u.LowBalanceStage != expected {
			return false
		}
		u.LowBalanceStage = next
		return true
	})
}

func (s *Store) ClearLowBalance(_ context.Context, id string) error {
	_, err := s.mutateUser(id, nil, func(u *market.User) bool {
		u.LowBalanceSince = nil
		u.LowBalanceStage = market.StageNone
		return true
	})
	return err
}

func (s *Store) UpdateVipStatus(_ context.Context, id string, isVip bool, count int, checkedAt time.Time, entry *market.SystemLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	u, ok := s.users[id]
	if !ok {
		return false, market.ErrNotFound
	}
	previous := u.IsVip
	if previous != isVip {
		if err := s.appendLog(entry); err != nil {
			return false, err
		}
	}
	u.IsVip = isVip
	u.DealCountMonthly = count
	t := checkedAt
	u.VipCheckedAt = &t
	s.users[id] = u
	return previous, nil
}

func (s *Store) GrantReward(_ context.Context, grant market.RewardGrant, entry *market.SystemLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	key := grantKey{dealID: grant.DealID, authorID: grant.AuthorID}
	if _, ok := s.grants[key]; ok {
		return false, nil
	}
	u, ok := s.users[grant.AuthorID]
	if !ok {
		return false, market.ErrNotFound
	}
	if err := s.appendLog(entry); err != nil {
		return false, err
	}
	s.grants[key] = grant
	u.TrustScore += grant.Points
	s.users[grant.AuthorID] = u
	return true, nil
}

func (s *Store) GetListing(_ context.Context, id string) (*market.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	l, ok := s.listings[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return &l, nil
}

func (s *Store) ActiveListings(_ context.Context, masterID string) ([]market.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []market.Listing
	for _, l := range s.listings {
		if l.MasterID == masterID && l.IsActive {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetDeal(_ context.Context, id string) (*market.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	d, ok := s.deals[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return &d, nil
}

func (s *Store) CountDealsSince(_ context.Context, clientID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	count := 0
	for _, d := range s.deals {
		if d.ClientID == clientID && !d.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) HasQualifyingDeal(_ context.Context, clientID, masterID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	for _, d := range s.deals {
		if d.ClientID == clientID && d.MasterID == masterID && d.Status != market.DealCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetReview(_ context.Context, id string) (*market.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.reviews[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return &r, nil
}

func (s *Store) VerifiedReviewsForService(_ context.Context, serviceID string) ([]market.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []market.Review
	for _, r := range s.reviews {
		if r.ServiceID == serviceID && r.IsVerifiedPurchase {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkReviewVerified(_ context.Context, id string, entry *market.SystemLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	r, ok := s.reviews[id]
	if !ok {
		return false, market.ErrNotFound
	}
	if r.IsVerifiedPurchase {
		return false, nil
	}
	if err := s.appendLog(entry); err != nil {
		return false, err
	}
	r.IsVerifiedPurchase = true
	s.reviews[id] = r
	return true, nil
}

// mutateUser applies fn to a copy of the user and stores it, together with
// entry, only when fn reports a change.
func (s *Store) mutateUser(id string, entry *market.SystemLogEntry, fn func(u *market.User) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	u, ok := s.users[id]
	if !ok {
		return false, market.ErrNotFound
	}
	if !fn(&u) {
		return false, nil
	}
	if err := s.appendLog(entry); err != nil {
		return false, err
	}
	s.users[id] = u
	return true, nil
}

// appendLog must be called with mu held and before the paired write is
// stored, so a failed append leaves nothing applied.
func (s *Store) appendLog(entry *market.SystemLogEntry) error {
	if entry == nil {
		return nil
	}
	if s.logErr != nil {
		return s.logErr
	}
	for _, e := range s.logs {
		if e.ID == entry.ID {
			return market.ErrConflict
		}
	}
	s.logs = append(s.logs, *entry)
	return nil
}

func cloneUser(u market.User) market.User {
	out := u
	out.TrustCircles.C1 = append([]string(nil), u.TrustCircles.C1...)
	out.TrustCircles.C2 = append([]string(nil), u.TrustCircles.C2...)
	out.ReferralPath = append([]string(nil), u.ReferralPath...)
	out.FavoriteMasters = append([]string(nil), u.FavoriteMasters...)
	if u.LowBalanceSince != nil {
		t := *u.LowBalanceSince
		out.LowBalanceSince = &t
	}
	if u.VipCheckedAt != nil {
		t := *u.VipCheckedAt
		out.VipCheckedAt = &t
	}
	return out
}

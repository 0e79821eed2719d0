// internal/market/domain.go
package market

import (
	"time"

	"github.com/google/uuid"
)

// Role distinguishes buyers from service providers.
type Role string

const (
	RoleClient Role = "client"
	RoleMaster Role = "master"
)

// DealStatus is the lifecycle status of a deal. Completed is terminal.
type DealStatus string

const (
	DealPending    DealStatus = "pending"
	DealAccepted   DealStatus = "accepted"
	DealInProgress DealStatus = "in_progress"
	DealCompleted  DealStatus = "completed"
	DealCancelled  DealStatus = "cancelled"
)

// Stage is the last graced-escalation notice delivered for the current
// low balance anchor.
type Stage string

const (
	StageNone      Stage = ""
	StageLowNotice Stage = "low_notice"
	StageUrgent    Stage = "urgent"
	StageFinal     Stage = "final"
	StageHidden    Stage = "hidden"
)

// Rank orders stages so that escalation only ever moves forward.
func (s Stage) Rank() int {
	switch s {
	case StageLowNotice:
		return 1
	case StageUrgent:
		return 2
	case StageFinal:
		return 3
	case StageHidden:
		return 4
	default:
		return 0
	}
}

// TrustCircles holds the direct and extended circle of a user.
type TrustCircles struct {
	C1 []string `json:"c1"`
	C2 []string `json:"c2"`
}

// User is a marketplace account created from a messaging platform identity.
type User struct {
	ID               string       `json:"id"`
	ExternalID       int64        `json:"external_id"`
	DisplayName      string       `json:"display_name"`
	Handle           string       `json:"handle,omitempty"`
	Role             Role         `json:"role"`
	DepositBalance   int64        `json:"deposit_balance"`
	IsVisible        bool         `json:"is_visible"`
	IsVip            bool         `json:"is_vip"`
	DealCountMonthly int          `json:"deal_count_monthly"`
	VipCheckedAt     *time.Time   `json:"vip_checked_at,omitempty"`
	TrustScore       int64        `json:"trust_score"`
	LowBalanceSince  *time.Time   `json:"low_balance_since,omitempty"`
	LowBalanceStage  Stage        `json:"low_balance_stage,omitempty"`
	TrustCircles     TrustCircles `json:"trust_circles"`
	ReferralPath     []string     `json:"referral_path,omitempty"`
	FavoriteMasters  []string     `json:"favorite_masters,omitempty"`
	FCMToken         string       `json:"-"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// NewClient returns the record created on first successful authentication.
func NewClient(id string, externalID int64, displayName, handle string, now time.Time) *User {
	return &User{
		ID:          id,
		ExternalID:  externalID,
		DisplayName: displayName,
		Handle:      handle,
		Role:        RoleClient,
		IsVisible:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Listing is a master's service card.
type Listing struct {
	ID       string `json:"id"`
	MasterID string `json:"master_id"`
	Title    string `json:"title,omitempty"`
	Price    int64  `json:"price"`
	IsActive bool   `json:"is_active"`
}

// Deal is a transaction between a client and a master for one listing.
type Deal struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"client_id"`
	MasterID  string     `json:"master_id"`
	ServiceID string     `json:"service_id"`
	Status    DealStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Review is an endorsement of a listing.
type Review struct {
	ID                 string    `json:"id"`
	AuthorID           string    `json:"author_id"`
	ServiceID          string    `json:"service_id"`
	Rating             int       `json:"rating"`
	Text               string    `json:"text,omitempty"`
	IsVerifiedPurchase bool      `json:"is_verified_purchase"`
	CreatedAt          time.Time `json:"created_at"`
}

// System log event types.
const (
	EventVisibleHidden   = "VISIBLE_HIDDEN"
	EventVisibleRestored = "VISIBLE_RESTORED"
	EventTrustReward     = "TRUST_REWARD"
	EventVipChanged      = "VIP_CHANGED"
	EventReviewVerified  = "REVIEW_VERIFIED"
)

// SystemLogEntry is an append-only audit record.
type SystemLogEntry struct {
	ID        uuid.UUID `json:"id"`
	SubjectID string    `json:"subject_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RewardGrant credits points to an endorsement author for one completed deal.
type RewardGrant struct {
	DealID    string    `json:"deal_id"`
	AuthorID  string    `json:"author_id"`
	ReviewID  string    `json:"review_id"`
	Points    int64     `json:"points"`
	GrantedAt time.Time `json:"granted_at"`
}

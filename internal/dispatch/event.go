// internal/dispatch/event.go
package dispatch

import (
	"encoding/json"
	"time"

	"marketrust/internal/market"
)

// Kind names a document change.
type Kind string

const (
	KindBalanceChanged Kind = "user.balance_changed"
	KindListingChanged Kind = "listing.changed"
	KindDealCreated    Kind = "deal.created"
	KindDealUpdated    Kind = "deal.updated"
	KindReviewWritten  Kind = "review.written"
)

// Event is a document change delivered by the trigger runtime. Delivery is
// at least once, so every rule it reaches must be idempotent.
type Event struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	DocumentID string          `json:"document_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type userDoc struct {
	Role market.Role `json:"role"`
}

type listingDoc struct {
	MasterID string `json:"master_id"`
}

type dealDoc struct {
	ClientID string            `json:"client_id"`
	Status   market.DealStatus `json:"status"`
}

// decode unmarshals raw into v. An absent snapshot leaves v zero.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

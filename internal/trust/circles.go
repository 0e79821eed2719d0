// Package trust rewards endorsements from a buyer's trusted circle and
// marks endorsements backed by a real purchase.
package trust

import (
	"context"
	"fmt"

	"marketrust/internal/graph"
	"marketrust/internal/market"
)

// Set is the union of the circles a buyer trusts.
type Set map[string]struct{}

// NewSet builds the set from any number of id lists.
func NewSet(lists ...[]string) Set {
	s := make(Set)
	for _, ids := range lists {
		for _, id := range ids {
			if id != "" {
				s[id] = struct{}{}
			}
		}
	}
	return s
}

// Contains reports whether id is trusted.
func (s Set) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// CircleSource resolves the trusted set of a buyer.
type CircleSource interface {
	Circle(ctx context.Context, buyer *market.User) (Set, error)
}

// UserCircleSource reads the circles stored on the buyer's user document:
// the direct circle, the extended circle, the referral chain and favourites.
type UserCircleSource struct{}

func (UserCircleSource) Circle(_ context.Context, buyer *market.User) (Set, error) {
	return NewSet(buyer.TrustCircles.C1, buyer.TrustCircles.C2, buyer.ReferralPath, buyer.FavoriteMasters), nil
}

const trustedByBuyerQuery = `
MATCH (b:User {id: $buyerId})-[:TRUSTS]->(m:User)
RETURN DISTINCT m.id AS id
`

// GraphCircleSource reads trust edges from the graph and unions them with
// the buyer's stored circles.
type GraphCircleSource struct {
	client graph.Client
}

func NewGraphCircleSource(client graph.Client) *GraphCircleSource {
	return &GraphCircleSource{client: client}
}

func (g *GraphCircleSource) Circle(ctx context.Context, buyer *market.User) (Set, error) {
	rows, err := g.client.Read(ctx, trustedByBuyerQuery, map[string]any{"buyerId": buyer.ID})
	if err != nil {
		return nil, fmt.Errorf("read trust graph for %s: %w", buyer.ID, err)
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.String("id"))
	}
	stored, _ := UserCircleSource{}.Circle(ctx, buyer)
	for id := range NewSet(ids) {
		stored[id] = struct{}{}
	}
	return stored, nil
}

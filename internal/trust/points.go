package trust

const (
	basePoints     = 10
	highRatingBump = 5
	lowRatingPts   = -20
)

// Points is the trust score change for an endorsement with rating.
// Ratings above 4 earn 15, ratings from 3 to 4 earn 10 and ratings below 3
// cost 20.
func Points(rating int) int64 {
	switch {
	case rating > 4:
		return basePoints + highRatingBump
	case rating < 3:
		return lowRatingPts
	default:
		return basePoints
	}
}

package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"marketrust/internal/market"
)

func TestEntry(t *testing.T) {
	r := NewRecorder(zerolog.Nop())
	at := time.Date(2024, 2, 1, 9, 30, 0, 0, time.FixedZone("UTC+3", 3*60*60))
	r.WithClock(func() time.Time { return at })

	e := r.Entry("m1", market.EventVisibleHidden, "Balance: %d", 19)
	assert.Equal(t, "m1", e.SubjectID)
	assert.Equal(t, market.EventVisibleHidden, e.EventType)
	assert.Equal(t, "Balance: 19", e.Message)
	assert.Equal(t, at.UTC(), e.Timestamp)
	assert.NotEqual(t, uuid.Nil, e.ID)
}

func TestEntriesHaveDistinctIDs(t *testing.T) {
	r := NewRecorder(zerolog.Nop())
	a := r.Entry("m1", market.EventVisibleRestored, "restored")
	b := r.Entry("m1", market.EventVisibleRestored, "restored")
	assert.NotEqual(t, a.ID, b.ID)
}

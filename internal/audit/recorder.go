package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marketrust/internal/market"
)

// Recorder builds system log entries. The store appends an entry in the same
// atomic step as the guarded write it describes, so an entry exists exactly
// when that write won.
type Recorder struct {
	log   zerolog.Logger
	nowFn func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(log zerolog.Logger) *Recorder {
	return &Recorder{
		log:   log.With().Str("component", "audit").Logger(),
		nowFn: time.Now,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (r *Recorder) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		r.nowFn = nowFn
	}
}

// Entry prepares one record for subjectID.
func (r *Recorder) Entry(subjectID, eventType, format string, args ...any) *market.SystemLogEntry {
	entry := &market.SystemLogEntry{
		ID:        uuid.New(),
		SubjectID: subjectID,
		EventType: eventType,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: r.nowFn().UTC(),
	}
	r.log.Debug().
		Str("subject_id", subjectID).
		Str("event_type", eventType).
		Msg("system log entry prepared")
	return entry
}

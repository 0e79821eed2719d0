// Package notify delivers push notifications to users. Delivery is best
// effort: a failed push never blocks or reverts the state transition that
// produced it.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Notifier is the push channel collaborator.
type Notifier interface {
	Send(ctx context.Context, userID, title, body string) error
}

// Message is a title/body pair.
type Message struct {
	Title string
	Body  string
}

var (
	LowBalanceAlert = Message{"Low Balance Alert", "Your profile will be hidden in 24h. Top up now to stay visible."}
	UrgentNotice    = Message{"Urgent Notice", "Only 6 hours left until your profile is hidden from clients!"}
	FinalWarning    = Message{"Final Warning", "1 hour left. Your business is about to go offline. Top up now!"}
	ProfileHidden   = Message{"Profile Hidden", "Your business is now offline due to low balance. Top up to resume service."}
	BusinessOnline  = Message{"Business Online", "Your balance is healthy! Your profile is now visible to clients."}
)

// Deliverer sends messages and swallows failures after logging them.
type Deliverer struct {
	notifier Notifier
	log      zerolog.Logger
	sent     metric.Int64Counter
}

// NewDeliverer wraps n.
func NewDeliverer(n Notifier, log zerolog.Logger) *Deliverer {
	counter, err := otel.Meter("marketrust/notify").Int64Counter("marketrust.notifications",
		metric.WithDescription("push notifications by outcome"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("notification counter unavailable")
	}
	return &Deliverer{
		notifier: n,
		log:      log.With().Str("component", "notify").Logger(),
		sent:     counter,
	}
}

// Deliver sends msg to userID and reports whether the push was accepted.
func (d *Deliverer) Deliver(ctx context.Context, userID string, msg Message) bool {
	err := d.notifier.Send(ctx, userID, msg.Title, msg.Body)
	outcome := "sent"
	if err != nil {
		outcome = "failed"
		d.log.Warn().Err(err).Str("user_id", userID).Str("title", msg.Title).Msg("push notification failed")
	} else {
		d.log.Info().Str("user_id", userID).Str("title", msg.Title).Msg("notification sent")
	}
	if d.sent != nil {
		d.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return err == nil
}

// LogNotifier only logs messages. It serves deployments without a push gateway.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Send(_ context.Context, userID, title, body string) error {
	n.Log.Info().Str("user_id", userID).Str("title", title).Str("body", body).Msg("push notification (log only)")
	return nil
}

// Sent is a message captured by MemoryNotifier.
type Sent struct {
	UserID string
	Title  string
	Body   string
}

// MemoryNotifier records messages in memory and can be told to fail.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Sent
	err  error
}

// WithError makes subsequent sends fail with err.
func (m *MemoryNotifier) WithError(err error) *MemoryNotifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MemoryNotifier) Send(_ context.Context, userID, title, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, Sent{UserID: userID, Title: title, Body: body})
	return nil
}

// Sent returns a snapshot of delivered messages.
func (m *MemoryNotifier) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Titles returns the titles of delivered messages in order.
func (m *MemoryNotifier) Titles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	titles := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		titles = append(titles, s.Title)
	}
	return titles
}

package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"marketrust/internal/market"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Store implements market.Store on PostgreSQL. Guarded writes that carry a
// system log entry run in a transaction with the log insert; the rest are
// single statements.
type Store struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

var _ market.Store = (*Store)(nil)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string, maxOpenConns int) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(time.Hour)
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("marketrust/store"),
	}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "store.migrate")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return spanError(span, fmt.Errorf("apply schema: %w", err))
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type userRow struct {
	ID               string         `db:"id"`
	ExternalID       int64          `db:"external_id"`
	DisplayName      string         `db:"display_name"`
	Handle           string         `db:"handle"`
	Role             string         `db:"role"`
	DepositBalance   int64          `db:"deposit_balance"`
	IsVisible        bool           `db:"is_visible"`
	IsVip            bool           `db:"is_vip"`
	DealCountMonthly int            `db:"deal_count_monthly"`
	VipCheckedAt     sql.NullTime   `db:"vip_checked_at"`
	TrustScore       int64          `db:"trust_score"`
	LowBalanceSince  sql.NullTime   `db:"low_balance_since"`
	LowBalanceStage  string         `db:"low_balance_stage"`
	C1               pq.StringArray `db:"c1"`
	C2               pq.StringArray `db:"c2"`
	ReferralPath     pq.StringArray `db:"referral_path"`
	FavoriteMasters  pq.StringArray `db:"favorite_masters"`
	FCMToken         string         `db:"fcm_token"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

const userColumns = `id, external_id, display_name, handle, role, deposit_balance, is_visible, is_vip,
	deal_count_monthly, vip_checked_at, trust_score, low_balance_since, low_balance_stage,
	c1, c2, referral_path, favorite_masters, fcm_token, created_at, updated_at`

func (r userRow) toDomain() *market.User {
	u := &market.User{
		ID:               r.ID,
		ExternalID:       r.ExternalID,
		DisplayName:      r.DisplayName,
		Handle:           r.Handle,
		Role:             market.Role(r.Role),
		DepositBalance:   r.DepositBalance,
		IsVisible:        r.IsVisible,
		IsVip:            r.IsVip,
		DealCountMonthly: r.DealCountMonthly,
		TrustScore:       r.TrustScore,
		LowBalanceStage:  market.Stage(r.LowBalanceStage),
		TrustCircles:     market.TrustCircles{C1: []string(r.C1), C2: []string(r.C2)},
		ReferralPath:     []string(r.ReferralPath),
		FavoriteMasters:  []string(r.FavoriteMasters),
		FCMToken:         r.FCMToken,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.VipCheckedAt.Valid {
		t := r.VipCheckedAt.Time
		u.VipCheckedAt = &t
	}
	if r.LowBalanceSince.Valid {
		t := r.LowBalanceSince.Time
		u.LowBalanceSince = &t
	}
	return u
}

func (s *Store) GetUser(ctx context.Context, id string) (*market.User, error) {
	ctx, span := s.tracer.Start(ctx, "store.get_user",
		trace.WithAttributes(attribute.String("user.id", id)),
	)
	defer span.End()

	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrNotFound
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("query user %s: %w", id, err))
	}
	return row.toDomain(), nil
}

func (s *Store) UpsertIdentity(ctx context.Context, u *market.User) (*market.User, bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.upsert_identity",
		trace.WithAttributes(attribute.String("user.id", u.ID)),
	)
	defer span.End()

	var row struct {
		userRow
		Inserted bool `db:"inserted"`
	}
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO users (id, external_id, display_name, handle, role, is_visible, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    handle = EXCLUDED.handle,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+userColumns+`, (xmax = 0) AS inserted
	`, u.ID, u.ExternalID, u.DisplayName, u.Handle, string(u.Role), u.IsVisible, u.CreatedAt).StructScan(&row)
	if err != nil {
		return nil, false, spanError(span, fmt.Errorf("upsert user %s: %w", u.ID, err))
	}

	span.SetAttributes(attribute.Bool("user.created", row.Inserted))
	return row.userRow.toDomain(), row.Inserted, nil
}

func (s *Store) ListMasterIDs(ctx context.Context) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "store.list_masters")
	defer span.End()

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM users WHERE role = $1 ORDER BY id`, string(market.RoleMaster)); err != nil {
		return nil, spanError(span, fmt.Errorf("query masters: %w", err))
	}
	span.SetAttributes(attribute.Int("masters.count", len(ids)))
	return ids, nil
}

func (s *Store) SetVisibility(ctx context.Context, id string, expected, next bool, entry *market.SystemLogEntry) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.set_visibility",
		trace.WithAttributes(
			attribute.String("user.id", id),
			attribute.Bool("visibility.expected", expected),
			attribute.Bool("visibility.next", next),
		),
	)
	defer span.End()

	return s.guarded(ctx, span, entry, func(tx *sqlx.Tx) (bool, error) {
		return affected(tx.ExecContext(ctx, `
			UPDATE users
			SET is_visible = $3, updated_at = NOW()
			WHERE id = $1 AND is_visible = $2
		`, id, expected, next))
	})
}

func (s *Store) StartLowBalance(ctx context.Context, id string, since time.Time) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.start_low_balance",
		trace.WithAttributes(attribute.String("user.id", id)),
	)
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET low_balance_since = $2, low_balance_stage = '', updated_at = NOW()
		WHERE id = $1 AND low_balance_since IS NULL
	`, id, since)
	return conditional(span, res, err)
}

func (s *Store) AdvanceLowBalanceStage(ctx context.Context, id string, since time.Time, expected, next market.Stage) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.advance_low_balance_stage",
		trace.WithAttributes(
			attribute.String("user.id", id),
			attribute.String("stage.expected", string(expected)),
			attribute.String("stage.next", string(next)),
		),
	)
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET low_balance_stage = $4, updated_at = NOW()
		WHERE id = $1 AND low_balance_since = $2 AND low_balance_stage = $3
	`, id, since, string(expected), string(next))
	return conditional(span, res, err)
}

func (s *Store) ClearLowBalance(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "store.clear_low_balance",
		trace.WithAttributes(attribute.String("user.id", id)),
	)
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET low_balance_since = NULL, low_balance_stage = '', updated_at = NOW()
		WHERE id = $1 AND low_balance_since IS NOT NULL
	`, id)
	if err != nil {
		return spanError(span, fmt.Errorf("clear low balance for %s: %w", id, err))
	}
	return nil
}

func (s *Store) UpdateVipStatus(ctx context.Context, id string, isVip bool, count int, checkedAt time.Time, entry *market.SystemLogEntry) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.update_vip_status",
		trace.WithAttributes(
			attribute.String("user.id", id),
			attribute.Bool("vip", isVip),
			attribute.Int("deal.count", count),
		),
	)
	defer span.End()

	var previous bool
	_, err := s.guarded(ctx, span, entry, func(tx *sqlx.Tx) (bool, error) {
		err := tx.GetContext(ctx, &previous, `SELECT is_vip FROM users WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return false, market.ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("lock user %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE users
			SET is_vip = $2, deal_count_monthly = $3, vip_checked_at = $4, updated_at = $4
			WHERE id = $1
		`, id, isVip, count, checkedAt); err != nil {
			return false, fmt.Errorf("update vip status for %s: %w", id, err)
		}
		return previous != isVip, nil
	})
	if err != nil {
		return false, err
	}
	return previous, nil
}

func (s *Store) GrantReward(ctx context.Context, grant market.RewardGrant, entry *market.SystemLogEntry) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.grant_reward",
		trace.WithAttributes(
			attribute.String("deal.id", grant.DealID),
			attribute.String("author.id", grant.AuthorID),
			attribute.Int64("reward.points", grant.Points),
		),
	)
	defer span.End()

	return s.guarded(ctx, span, entry, func(tx *sqlx.Tx) (bool, error) {
		// The grant row and the increment land in one statement, so a
		// redelivered completion either finds the grant row or applies both.
		applied, err := affected(tx.ExecContext(ctx, `
			WITH granted AS (
				INSERT INTO reward_grants (deal_id, author_id, review_id, points, granted_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (deal_id, author_id) DO NOTHING
				RETURNING author_id, points
			)
			UPDATE users
			SET trust_score = users.trust_score + granted.points, updated_at = $5
			FROM granted
			WHERE users.id = granted.author_id
		`, grant.DealID, grant.AuthorID, grant.ReviewID, grant.Points, grant.GrantedAt))
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return false, market.ErrNotFound
		}
		return applied, err
	})
}

type listingRow struct {
	ID       string `db:"id"`
	MasterID string `db:"master_id"`
	Title    string `db:"title"`
	Price    int64  `db:"price"`
	IsActive bool   `db:"is_active"`
}

func (r listingRow) toDomain() market.Listing {
	return market.Listing{ID: r.ID, MasterID: r.MasterID, Title: r.Title, Price: r.Price, IsActive: r.IsActive}
}

func (s *Store) GetListing(ctx context.Context, id string) (*market.Listing, error) {
	ctx, span := s.tracer.Start(ctx, "store.get_listing",
		trace.WithAttributes(attribute.String("listing.id", id)),
	)
	defer span.End()

	var row listingRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, master_id, title, price, is_active
		FROM service_cards
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrNotFound
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("query listing %s: %w", id, err))
	}
	l := row.toDomain()
	return &l, nil
}

func (s *Store) ActiveListings(ctx context.Context, masterID string) ([]market.Listing, error) {
	ctx, span := s.tracer.Start(ctx, "store.active_listings",
		trace.WithAttributes(attribute.String("master.id", masterID)),
	)
	defer span.End()

	var rows []listingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, master_id, title, price, is_active
		FROM service_cards
		WHERE master_id = $1 AND is_active = TRUE
		ORDER BY id
	`, masterID)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("query listings of %s: %w", masterID, err))
	}

	listings := make([]market.Listing, 0, len(rows))
	for _, r := range rows {
		listings = append(listings, r.toDomain())
	}
	span.SetAttributes(attribute.Int("listings.count", len(listings)))
	return listings, nil
}

type dealRow struct {
	ID        string    `db:"id"`
	ClientID  string    `db:"client_id"`
	MasterID  string    `db:"master_id"`
	ServiceID string    `db:"service_id"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (s *Store) GetDeal(ctx context.Context, id string) (*market.Deal, error) {
	ctx, span := s.tracer.Start(ctx, "store.get_deal",
		trace.WithAttributes(attribute.String("deal.id", id)),
	)
	defer span.End()

	var row dealRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, client_id, master_id, service_id, status, created_at, updated_at
		FROM deals
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrNotFound
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("query deal %s: %w", id, err))
	}
	return &market.Deal{
		ID:        row.ID,
		ClientID:  row.ClientID,
		MasterID:  row.MasterID,
		ServiceID: row.ServiceID,
		Status:    market.DealStatus(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *Store) CountDealsSince(ctx context.Context, clientID string, since time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "store.count_deals_since",
		trace.WithAttributes(attribute.String("client.id", clientID)),
	)
	defer span.End()

	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM deals
		WHERE client_id = $1 AND created_at >= $2
	`, clientID, since)
	if err != nil {
		return 0, spanError(span, fmt.Errorf("count deals of %s: %w", clientID, err))
	}
	span.SetAttributes(attribute.Int("deal.count", count))
	return count, nil
}

func (s *Store) HasQualifyingDeal(ctx context.Context, clientID, masterID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.has_qualifying_deal",
		trace.WithAttributes(
			attribute.String("client.id", clientID),
			attribute.String("master.id", masterID),
		),
	)
	defer span.End()

	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM deals
			WHERE client_id = $1 AND master_id = $2 AND status <> $3
		)
	`, clientID, masterID, string(market.DealCancelled))
	if err != nil {
		return false, spanError(span, fmt.Errorf("query deals between %s and %s: %w", clientID, masterID, err))
	}
	return exists, nil
}

type reviewRow struct {
	ID                 string    `db:"id"`
	AuthorID           string    `db:"author_id"`
	ServiceID          string    `db:"service_id"`
	Rating             int       `db:"rating"`
	Text               string    `db:"text"`
	IsVerifiedPurchase bool      `db:"is_verified_purchase"`
	CreatedAt          time.Time `db:"created_at"`
}

func (r reviewRow) toDomain() market.Review {
	return market.Review{
		ID:                 r.ID,
		AuthorID:           r.AuthorID,
		ServiceID:          r.ServiceID,
		Rating:             r.Rating,
		Text:               r.Text,
		IsVerifiedPurchase: r.IsVerifiedPurchase,
		CreatedAt:          r.CreatedAt,
	}
}

func (s *Store) GetReview(ctx context.Context, id string) (*market.Review, error) {
	ctx, span := s.tracer.Start(ctx, "store.get_review",
		trace.WithAttributes(attribute.String("review.id", id)),
	)
	defer span.End()

	var row reviewRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, author_id, service_id, rating, text, is_verified_purchase, created_at
		FROM reviews
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrNotFound
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("query review %s: %w", id, err))
	}
	r := row.toDomain()
	return &r, nil
}

func (s *Store) VerifiedReviewsForService(ctx context.Context, serviceID string) ([]market.Review, error) {
	ctx, span := s.tracer.Start(ctx, "store.verified_reviews",
		trace.WithAttributes(attribute.String("service.id", serviceID)),
	)
	defer span.End()

	var rows []reviewRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, author_id, service_id, rating, text, is_verified_purchase, created_at
		FROM reviews
		WHERE service_id = $1 AND is_verified_purchase = TRUE
		ORDER BY id
	`, serviceID)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("query reviews of %s: %w", serviceID, err))
	}

	reviews := make([]market.Review, 0, len(rows))
	for _, r := range rows {
		reviews = append(reviews, r.toDomain())
	}
	span.SetAttributes(attribute.Int("reviews.count", len(reviews)))
	return reviews, nil
}

func (s *Store) MarkReviewVerified(ctx context.Context, id string, entry *market.SystemLogEntry) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.mark_review_verified",
		trace.WithAttributes(attribute.String("review.id", id)),
	)
	defer span.End()

	return s.guarded(ctx, span, entry, func(tx *sqlx.Tx) (bool, error) {
		return affected(tx.ExecContext(ctx, `
			UPDATE reviews
			SET is_verified_purchase = TRUE
			WHERE id = $1 AND is_verified_purchase = FALSE
		`, id))
	})
}

// guarded runs write in a transaction and, when write reports that it
// applied, appends entry before committing. Either both land or neither.
func (s *Store) guarded(ctx context.Context, span trace.Span, entry *market.SystemLogEntry, write func(tx *sqlx.Tx) (bool, error)) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, spanError(span, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	applied, err := write(tx)
	if errors.Is(err, market.ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, spanError(span, err)
	}
	if applied && entry != nil {
		if err := appendLog(ctx, tx, *entry); err != nil {
			return false, spanError(span, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, spanError(span, fmt.Errorf("commit transaction: %w", err))
	}
	span.SetAttributes(attribute.Bool("write.applied", applied))
	return applied, nil
}

func appendLog(ctx context.Context, tx *sqlx.Tx, entry market.SystemLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO system_logs (id, subject_id, event_type, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.SubjectID, entry.EventType, entry.Message, entry.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return market.ErrConflict
		}
		return fmt.Errorf("insert %s log for %s: %w", entry.EventType, entry.SubjectID, err)
	}
	return nil
}

// affected reports whether a guarded statement touched a row.
func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// conditional reports whether a guarded UPDATE touched a row.
func conditional(span trace.Span, res sql.Result, err error) (bool, error) {
	applied, err := affected(res, err)
	if err != nil {
		return false, spanError(span, err)
	}
	span.SetAttributes(attribute.Bool("write.applied", applied))
	return applied, nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

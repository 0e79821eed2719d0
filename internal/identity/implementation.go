// internal/identity/implementation.go
package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketrust/internal/apperr"
	"marketrust/internal/market"
	"marketrust/internal/metrics"
)

// Options configures the identity service.
type Options struct {
	BotToken string
	// MaxAge rejects assertions older than this; zero disables the check.
	MaxAge time.Duration
	// RequestsPerMinute bounds authentication attempts per user; zero
	// disables limiting.
	RequestsPerMinute int
	// LimiterCacheSize bounds how many users keep a limiter; zero uses the
	// default.
	LimiterCacheSize int
}

// service implements the Service interface.
type service struct {
	users    market.UserStore
	minter   TokenMinter
	opts     Options
	limiters *userLimiters
	metrics  *metrics.Collector
	log      zerolog.Logger
	nowFn    func() time.Time
}

// NewService creates a new identity service instance.
func NewService(users market.UserStore, minter TokenMinter, opts Options, m *metrics.Collector, log zerolog.Logger) Service {
	s := &service{
		users:   users,
		minter:  minter,
		opts:    opts,
		metrics: m,
		log:     log.With().Str("component", "identity").Logger(),
		nowFn:   time.Now,
	}
	if opts.RequestsPerMinute > 0 {
		s.limiters = newUserLimiters(opts.RequestsPerMinute, opts.LimiterCacheSize)
	}
	return s
}

// Authenticate validates the init data and returns a credential for the user.
func (s *service) Authenticate(ctx context.Context, initData string) (*Credential, error) {
	const op = "identity.Authenticate"

	initData = strings.TrimSpace(initData)
	if initData == "" {
		s.metrics.AuthAttempt("missing_input")
		return nil, apperr.New(apperr.KindInput, apperr.CodeMissingInput, op, "init data is empty")
	}
	if s.opts.BotToken == "" {
		s.metrics.AuthAttempt("misconfigured")
		s.log.Error().Msg("bot token is not configured")
		return nil, apperr.New(apperr.KindConfiguration, apperr.CodeMissingSecret, op, "bot token is not configured")
	}

	now := s.nowFn()
	assertion, err := Validate(initData, s.opts.BotToken, now, s.opts.MaxAge)
	if err != nil {
		s.metrics.AuthAttempt(strings.ToLower(string(apperr.CodeOf(err))))
		if apperr.KindOf(err) == apperr.KindAuthentication {
			s.log.Warn().Str("code", string(apperr.CodeOf(err))).Msg("rejected init data")
		}
		return nil, err
	}

	// Limits apply per user once the signature holds, so one client cannot
	// exhaust the budget of others.
	if s.limiters != nil && !s.limiters.allow(assertion.UserID) {
		s.metrics.AuthAttempt("rate_limited")
		return nil, apperr.New(apperr.KindInput, apperr.CodeRateLimited, op, "rate limit exceeded")
	}

	candidate := market.NewClient(
		strconv.FormatInt(assertion.UserID, 10),
		assertion.UserID,
		assertion.User.DisplayName(),
		assertion.User.Username,
		now.UTC(),
	)
	user, created, err := s.users.UpsertIdentity(ctx, candidate)
	if err != nil {
		s.metrics.AuthAttempt("store_error")
		return nil, apperr.Dependency(op, err)
	}

	token, expiresAt, err := s.minter.Mint(ctx, user.ID)
	if err != nil {
		s.metrics.AuthAttempt("issuance_failure")
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to mint credential")
		return nil, apperr.Wrap(apperr.KindDependency, apperr.CodeIssuanceFailure, op, err)
	}

	s.metrics.AuthAttempt("ok")
	s.log.Info().Str("user_id", user.ID).Bool("created", created).Msg("user authenticated")

	return &Credential{Token: token, UserID: user.ID, ExpiresAt: expiresAt}, nil
}

// VerifyToken parses a minted credential back to its subject.
func (s *service) VerifyToken(ctx context.Context, token string) (string, error) {
	const op = "identity.VerifyToken"
	if strings.TrimSpace(token) == "" {
		return "", apperr.New(apperr.KindInput, apperr.CodeMissingInput, op, "token is empty")
	}
	subject, err := s.minter.Verify(ctx, token)
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuthentication, apperr.CodeInvalidSignature, op, err)
	}
	return subject, nil
}

// Profile loads the user behind a credential subject.
func (s *service) Profile(ctx context.Context, userID string) (*market.User, error) {
	const op = "identity.Profile"
	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, market.ErrNotFound) {
		return nil, apperr.New(apperr.KindAuthentication, apperr.CodeUnknownSubject, op, "no user %s", userID)
	}
	if err != nil {
		return nil, apperr.Dependency(op, err)
	}
	return user, nil
}

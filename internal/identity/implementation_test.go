package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrust/internal/apperr"
	"marketrust/internal/market"
	"marketrust/internal/metrics"
	"marketrust/internal/store/memory"
)

type stubMinter struct {
	err error
}

func (m stubMinter) Mint(_ context.Context, subject string) (string, time.Time, error) {
	if m.err != nil {
		return "", time.Time{}, m.err
	}
	return "token-for-" + subject, time.Time{}, nil
}

func (m stubMinter) Verify(_ context.Context, token string) (string, error) {
	return strings.TrimPrefix(token, "token-for-"), nil
}

func newTestService(t *testing.T, store market.UserStore, minter TokenMinter, opts Options) Service {
	t.Helper()
	if opts.BotToken == "" {
		opts.BotToken = fixtureBotToken
	}
	return NewService(store, minter, opts, metrics.NewCollector(prometheus.NewRegistry()), zerolog.Nop())
}

func TestAuthenticateCreatesClient(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store, stubMinter{}, Options{})

	cred, err := svc.Authenticate(ctx, fixtureInitData)
	require.NoError(t, err)
	assert.Equal(t, "token-for-279058397", cred.Token)
	assert.Equal(t, "279058397", cred.UserID)

	user, err := store.GetUser(ctx, "279058397")
	require.NoError(t, err)
	assert.Equal(t, market.RoleClient, user.Role)
	assert.True(t, user.IsVisible)
	assert.Equal(t, "Vladislav Kibenko", user.DisplayName)
	assert.Equal(t, "vdkfrost", user.Handle)
}

func TestAuthenticateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store, stubMinter{}, Options{})

	_, err := svc.Authenticate(ctx, fixtureInitData)
	require.NoError(t, err)

	user, _ := store.GetUser(ctx, "279058397")
	user.Role = market.RoleMaster
	user.DepositBalance = 900
	store.PutUser(*user)

	_, err = svc.Authenticate(ctx, fixtureInitData)
	require.NoError(t, err)

	assert.Equal(t, 1, store.UserCount())
	user, _ = store.GetUser(ctx, "279058397")
	assert.Equal(t, market.RoleMaster, user.Role)
	assert.EqualValues(t, 900, user.DepositBalance)
}

func TestAuthenticateErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		opts     Options
		minter   TokenMinter
		store    *memory.Store
		initData string
		want     error
		kind     apperr.Kind
	}{
		{
			name:     "empty input",
			initData: "   ",
			want:     apperr.ErrMissingInput,
			kind:     apperr.KindInput,
		},
		{
			name:     "tampered hash",
			initData: strings.Replace(fixtureInitData, "hash=c98f", "hash=d98f", 1),
			want:     apperr.ErrInvalidSignature,
			kind:     apperr.KindAuthentication,
		},
		{
			name:     "minter failure",
			minter:   stubMinter{err: errors.New("signer offline")},
			initData: fixtureInitData,
			want:     apperr.ErrIssuanceFailure,
			kind:     apperr.KindDependency,
		},
		{
			name:     "store failure",
			store:    memory.New().WithError(errors.New("connection reset")),
			initData: fixtureInitData,
			want:     apperr.ErrDependency,
			kind:     apperr.KindDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tt.store
			if store == nil {
				store = memory.New()
			}
			minter := tt.minter
			if minter == nil {
				minter = stubMinter{}
			}
			svc := newTestService(t, store, minter, tt.opts)

			_, err := svc.Authenticate(ctx, tt.initData)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestAuthenticateMissingBotToken(t *testing.T) {
	svc := NewService(memory.New(), stubMinter{}, Options{}, nil, zerolog.Nop())

	_, err := svc.Authenticate(context.Background(), fixtureInitData)
	assert.ErrorIs(t, err, apperr.ErrMissingSecret)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestAuthenticateRateLimitedPerUser(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.New(), stubMinter{}, Options{RequestsPerMinute: 2})

	for i := 0; i < 5; i++ {
		_, err := svc.Authenticate(ctx, "garbage")
		require.Error(t, err)
		assert.NotErrorIs(t, err, apperr.ErrRateLimited)
	}

	for i := 0; i < 2; i++ {
		_, err := svc.Authenticate(ctx, fixtureInitData)
		require.NoError(t, err)
	}
	_, err := svc.Authenticate(ctx, fixtureInitData)
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	cred, err := svc.Authenticate(ctx, signedInitData(42))
	require.NoError(t, err)
	assert.Equal(t, "42", cred.UserID)
}

func TestUserLimitersEvictIdleUsers(t *testing.T) {
	l := newUserLimiters(1, 2)

	assert.True(t, l.allow(1))
	assert.False(t, l.allow(1))
	assert.True(t, l.allow(2))
	assert.True(t, l.allow(3))

	// user 1 was least recently used and starts over with a full bucket
	assert.True(t, l.allow(1))
}

func TestJWTMinterRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	minter, err := NewJWTMinter("top-secret", "marketrust", time.Hour)
	require.NoError(t, err)
	minter.WithClock(func() time.Time { return clock })

	token, expires, err := minter.Mint(ctx, "279058397")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expires)

	subject, err := minter.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "279058397", subject)

	other, err := NewJWTMinter("other-secret", "marketrust", time.Hour)
	require.NoError(t, err)
	_, err = other.WithClock(func() time.Time { return clock }).Verify(ctx, token)
	assert.Error(t, err)

	clock = now.Add(2 * time.Hour)
	_, err = minter.Verify(ctx, token)
	assert.Error(t, err)
}

func TestNewJWTMinterRequiresSecret(t *testing.T) {
	_, err := NewJWTMinter("", "marketrust", time.Hour)
	assert.ErrorIs(t, err, ErrMissingSigningSecret)
}

func TestVerifyToken(t *testing.T) {
	minter, err := NewJWTMinter("top-secret", "", time.Hour)
	require.NoError(t, err)
	svc := newTestService(t, memory.New(), minter, Options{})

	cred, err := svc.Authenticate(context.Background(), fixtureInitData)
	require.NoError(t, err)

	subject, err := svc.VerifyToken(context.Background(), cred.Token)
	require.NoError(t, err)
	assert.Equal(t, "279058397", subject)

	_, err = svc.VerifyToken(context.Background(), cred.Token+"x")
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

func TestHandleAuthenticate(t *testing.T) {
	svc := newTestService(t, memory.New(), stubMinter{}, Options{})
	router := chi.NewRouter()
	NewHandler(svc).Routes(router)

	tests := []struct {
		name       string
		body       string
		header     map[string]string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "json body",
			body:       `{"init_data":"` + fixtureInitData + `"}`,
			header:     map[string]string{"Content-Type": "application/json"},
			wantStatus: http.StatusOK,
			wantBody:   `"token":"token-for-279058397"`,
		},
		{
			name:       "authorization header",
			header:     map[string]string{"Authorization": "tma " + fixtureInitData},
			wantStatus: http.StatusOK,
			wantBody:   `"token":"token-for-279058397"`,
		},
		{
			name:       "raw body",
			body:       fixtureInitData,
			wantStatus: http.StatusOK,
			wantBody:   `"token"`,
		},
		{
			name:       "missing input",
			body:       `{}`,
			header:     map[string]string{"Content-Type": "application/json"},
			wantStatus: http.StatusBadRequest,
			wantBody:   `"kind":"MissingInput"`,
		},
		{
			name:       "bad signature",
			body:       strings.Replace(fixtureInitData, "auth_date=1662771648", "auth_date=1662771649", 1),
			wantStatus: http.StatusUnauthorized,
			wantBody:   `"kind":"InvalidSignature"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/telegram", strings.NewReader(tt.body))
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestHandleProfile(t *testing.T) {
	svc := newTestService(t, memory.New(), stubMinter{}, Options{})
	_, err := svc.Authenticate(context.Background(), fixtureInitData)
	require.NoError(t, err)

	router := chi.NewRouter()
	NewHandler(svc).Routes(router)

	tests := []struct {
		name       string
		auth       string
		wantStatus int
		wantBody   string
	}{
		{"valid credential", "Bearer token-for-279058397", http.StatusOK, `"id":"279058397"`},
		{"lowercase scheme", "bearer token-for-279058397", http.StatusOK, `"display_name":"Vladislav Kibenko"`},
		{"no credential", "", http.StatusUnauthorized, `"kind":"MissingInput"`},
		{"init data instead of credential", "tma " + fixtureInitData, http.StatusUnauthorized, `"kind":"MissingInput"`},
		{"unknown subject", "Bearer token-for-42", http.StatusUnauthorized, `"kind":"UnknownSubject"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

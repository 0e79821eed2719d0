// internal/identity/handler.go
package identity

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"marketrust/internal/apperr"
	"marketrust/internal/httpx"
)

const (
	maxInitDataBytes = 16 << 10
	authScheme       = "tma "
	bearerScheme     = "bearer "
)

type subjectKey struct{}

// SubjectFrom returns the user id stored by RequireCredential.
func SubjectFrom(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey{}).(string)
	return subject, ok
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the identity endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/telegram", h.HandleAuthenticate)
	r.With(h.RequireCredential).Get("/me", h.HandleProfile)
}

// RequireCredential admits requests carrying `Authorization: Bearer <token>`
// with a credential minted by this service.
func (h *Handler) RequireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		var token string
		if len(auth) > len(bearerScheme) && strings.EqualFold(auth[:len(bearerScheme)], bearerScheme) {
			token = auth[len(bearerScheme):]
		}

		subject, err := h.service.VerifyToken(r.Context(), token)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInput {
				err = apperr.Wrap(apperr.KindAuthentication, apperr.CodeMissingInput, "identity.RequireCredential", err)
			}
			httpx.Error(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
	})
}

type profileResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle,omitempty"`
	Role        string `json:"role"`
	IsVip       bool   `json:"is_vip"`
	TrustScore  int64  `json:"trust_score"`
}

func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFrom(r.Context())
	user, err := h.service.Profile(r.Context(), subject)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profileResponse{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Handle:      user.Handle,
		Role:        string(user.Role),
		IsVip:       user.IsVip,
		TrustScore:  user.TrustScore,
	})
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (h *Handler) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	initData, err := readInitData(r)
	if err != nil {
		httpx.Error(w, err)
		return
	}

	cred, err := h.service.Authenticate(r.Context(), initData)
	if err != nil {
		httpx.Error(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, tokenResponse{Token: cred.Token})
}

// readInitData accepts `Authorization: tma <initData>`, a JSON body with an
// init_data field, or the raw query string as the body.
func readInitData(r *http.Request) (string, error) {
	const op = "identity.readInitData"

	if auth := r.Header.Get("Authorization"); len(auth) > len(authScheme) && strings.EqualFold(auth[:len(authScheme)], authScheme) {
		return auth[len(authScheme):], nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInitDataBytes))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInput, apperr.CodeMissingInput, op, err)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req struct {
			InitData string `json:"init_data"`
		}
		if len(body) == 0 {
			return "", nil
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return "", apperr.Wrap(apperr.KindInput, apperr.CodeMalformedAssertion, op, err)
		}
		return req.InitData, nil
	}
	return string(body), nil
}

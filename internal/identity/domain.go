// internal/identity/domain.go
package identity

import (
	"net/url"
	"strings"
	"time"
)

// Credential is the session credential returned to the mini-app.
type Credential struct {
	Token     string    `json:"token"`
	UserID    string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// TelegramUser is the `user` field of a signed init data payload.
type TelegramUser struct {
	ID        *int64 `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// DisplayName joins the first and last name.
func (u TelegramUser) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Assertion is a validated init data payload.
type Assertion struct {
	Fields   url.Values
	User     TelegramUser
	UserID   int64
	AuthDate time.Time
}

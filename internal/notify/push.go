package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"marketrust/internal/market"
)

// ErrNoDeviceToken is returned when the user has no registered device.
var ErrNoDeviceToken = errors.New("user has no device token")

// TokenSource resolves a user's device token.
type TokenSource interface {
	GetUser(ctx context.Context, id string) (*market.User, error)
}

// PushClient posts messages to an HTTP push gateway. Calls go through a
// circuit breaker so an unavailable gateway fails fast.
type PushClient struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewPushClient creates a client for the gateway at baseURL.
func NewPushClient(baseURL, apiKey string, timeout time.Duration, tokens TokenSource) *PushClient {
	return &PushClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "push-gateway",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type pushRequest struct {
	Token        string            `json:"token"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (c *PushClient) Send(ctx context.Context, userID, title, body string) error {
	user, err := c.tokens.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve device token for %s: %w", userID, err)
	}
	if user.FCMToken == "" {
		return ErrNoDeviceToken
	}

	payload, err := json.Marshal(pushRequest{
		Token:        user.FCMToken,
		Notification: pushNotification{Title: title, Body: body},
		Data:         map[string]string{"user_id": userID},
	})
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, payload)
	})
	return err
}

func (c *PushClient) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

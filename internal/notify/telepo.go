// Package notify pushes committed handoffs to the external telephony status API.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"oncall.org/internal/oncall"
)

// ErrNotification wraps every delivery failure.
var ErrNotification = errors.New("notify: status update failed")

type payload struct {
	PhoneNumber string `json:"phone_number"`
	Division    string `json:"division"`
	UpdatedAt   string `json:"updated_at"`
	UserID      int64  `json:"user_id"`
}

// Telepo posts on-call changes to the status endpoint with a bearer key.
type Telepo struct {
	http   *resty.Client
	url    string
	logger *zap.Logger
}

var _ oncall.Notifier = (*Telepo)(nil)

// NewTelepo builds the client. url is the full update endpoint. The caller's
// context bounds each request; the client adds no retries of its own.
func NewTelepo(url, apiKey string, logger *zap.Logger) (*Telepo, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("notify: endpoint url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &Telepo{http: client, url: url, logger: logger}, nil
}

// Notify sends one update. Any non-2xx answer is a failure.
func (t *Telepo) Notify(ctx context.Context, n oncall.Notification) error {
	body := payload{
		PhoneNumber: n.Phone,
		Division:    n.Division,
		UpdatedAt:   n.UpdatedAt.UTC().Format(time.RFC3339),
		UserID:      n.UserID,
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(t.url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotification, err)
	}
	if !resp.IsSuccess() {
		t.logger.Debug("status endpoint rejected update",
			zap.Int("status_code", resp.StatusCode()),
			zap.ByteString("body", truncate(resp.Body(), 256)),
		)
		return fmt.Errorf("%w: endpoint answered %d", ErrNotification, resp.StatusCode())
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// Noop discards notifications. Used when no endpoint is configured.
type Noop struct{}

func (Noop) Notify(context.Context, oncall.Notification) error { return nil }

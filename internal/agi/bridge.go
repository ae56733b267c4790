package agi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 10 * time.Second

	resultVar       = "AUTH_RESULT"
	successTarget   = "auth_success,1"
	failureTarget   = "auth_failure,1"
	errorPlayback   = "custom/system-error"
	unknownCallerID = "unknown"
)

var ErrMissingPIN = errors.New("agi: missing PIN argument")

// Client posts PIN attempts to the front door.
type Client struct {
	http *resty.Client
	url  string
}

// NewClient targets the front door's /authenticate endpoint at url.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		url:  url,
	}
}

type frontDoorReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Authenticate reports whether the front door accepted the PIN. An error means
// the verdict is unknown.
func (c *Client) Authenticate(ctx context.Context, pin, callerID string) (bool, error) {
	var out frontDoorReply
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"pin": pin, "caller_id": callerID}).
		SetResult(&out).
		SetError(&out).
		Post(c.url)
	if err != nil {
		return false, fmt.Errorf("post %s: %w", c.url, err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK && out.Status == "success":
		return true, nil
	case resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests:
		return false, fmt.Errorf("front door returned %d: %s", resp.StatusCode(), out.Message)
	default:
		return false, nil
	}
}

// Authenticator decides a PIN attempt.
type Authenticator interface {
	Authenticate(ctx context.Context, pin, callerID string) (bool, error)
}

// Outcome is what Run did to the channel.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
)

// Run handles one AGI call. args are the script arguments: PIN, then an
// optional caller id which falls back to agi_callerid.
func Run(ctx context.Context, s *Session, auth Authenticator, args []string, logger *zap.Logger) (Outcome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	_ = s.Verbose("Starting authentication process")

	if len(args) < 1 || strings.TrimSpace(args[0]) == "" {
		_ = s.Verbose("Error: Missing PIN argument")
		logger.Warn("missing pin argument")
		return OutcomeError, errors.Join(ErrMissingPIN, s.Exec("Playback", errorPlayback))
	}
	pin := strings.TrimSpace(args[0])
	callerID := unknownCallerID
	if len(args) > 1 && strings.TrimSpace(args[1]) != "" {
		callerID = strings.TrimSpace(args[1])
	} else if env := s.Env("agi_callerid"); env != "" && env != unknownCallerID {
		callerID = env
	}
	log := logger.With(zap.String("caller_id", callerID), zap.String("channel", s.Env("agi_channel")))

	ok, err := auth.Authenticate(ctx, pin, callerID)
	if err != nil {
		log.Error("authentication request failed", zap.Error(err))
		_ = s.Verbose(fmt.Sprintf("System error: %v", err))
		return OutcomeError, errors.Join(err, s.Exec("Playback", errorPlayback))
	}

	if ok {
		log.Info("authentication successful")
		_ = s.Verbose("Authentication successful for caller ID: " + callerID)
		return OutcomeSuccess, branch(s, "success", successTarget)
	}
	log.Info("authentication failed")
	_ = s.Verbose("Authentication failed for caller ID: " + callerID)
	return OutcomeFailure, branch(s, "failure", failureTarget)
}

func branch(s *Session, result, target string) error {
	if err := s.SetVariable(resultVar, result); err != nil {
		return err
	}
	return s.Exec("Goto", target)
}

// Package sms sends text messages through the Twilio REST API.
package sms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultBaseURL is the Twilio REST endpoint.
const DefaultBaseURL = "https://api.twilio.com"

// ErrIncompleteConfig is returned when some but not all credentials are set.
var ErrIncompleteConfig = errors.New("sms: account sid, auth token and from number must all be set")

// Options configures the sender. An empty AccountSID selects stub mode.
type Options struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	Timeout    time.Duration
	Logger     log.Logger
}

// Sender implements notify.Sender.
type Sender struct {
	http   *resty.Client
	sid    string
	from   string
	logger log.Logger
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type messageResult struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// New creates a Sender.
func New(opts Options) (*Sender, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	s := &Sender{sid: opts.AccountSID, from: opts.From, logger: opts.Logger}
	if s.Stub() {
		return s, nil
	}
	if opts.AuthToken == "" || opts.From == "" {
		return nil, ErrIncompleteConfig
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	s.http = resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetBasicAuth(opts.AccountSID, opts.AuthToken).
		SetHeader("Accept", "application/json")
	return s, nil
}

// Stub reports whether messages are only logged.
func (s *Sender) Stub() bool { return s.sid == "" }

// Send delivers body to one phone number.
func (s *Sender) Send(ctx context.Context, to, body string) error {
	if s.Stub() {
		s.logger.Info(ctx, "sms provider not configured, message not sent", "to", mask(to))
		return nil
	}

	var (
		result messageResult
		apiErr apiError
	)
	resp, err := s.http.R().
		SetContext(ctx).
		SetPathParam("sid", s.sid).
		SetFormData(map[string]string{
			"To":   to,
			"From": s.from,
			"Body": body,
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/2010-04-01/Accounts/{sid}/Messages.json")
	if err != nil {
		return fmt.Errorf("sms: send: %w", err)
	}
	if resp.IsError() {
		if apiErr.Message != "" {
			return fmt.Errorf("sms: provider returned %d: %s (code %d)", resp.StatusCode(), apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("sms: provider returned %d: %s", resp.StatusCode(), resp.String())
	}

	s.logger.Info(ctx, "sms sent", "to", mask(to), "message_sid", result.SID, "status", result.Status)
	return nil
}

// mask keeps the last four digits of a phone number.
func mask(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}

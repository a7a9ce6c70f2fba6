package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	twilioAPIBase = "https://api.twilio.com"
	// maxSMSBody is Twilio's limit for a single message body.
	maxSMSBody = 1600
)

// TwilioConfig holds the Twilio account and phone numbers.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

// TwilioSender delivers alerts as SMS through the Twilio Messages API.
type TwilioSender struct {
	apiBase string
	cfg     TwilioConfig
	client  *http.Client
}

// NewTwilioSender creates a TwilioSender.
func NewTwilioSender(cfg TwilioConfig) *TwilioSender {
	return &TwilioSender{
		apiBase: twilioAPIBase,
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send texts "title: message" to the configured number.
func (s *TwilioSender) Send(ctx context.Context, title, message string) error {
	body := message
	if title != "" {
		body = title + ": " + message
	}
	if len(body) > maxSMSBody {
		body = body[:maxSMSBody]
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(s.apiBase, "/"), url.PathEscape(s.cfg.AccountSID))
	form := url.Values{
		"To":   {s.cfg.To},
		"From": {s.cfg.From},
		"Body": {body},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("twilio: status %d: error %d: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("twilio: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (s *TwilioSender) Name() string { return "twilio" }

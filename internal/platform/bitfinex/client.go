// Package bitfinex is a minimal client for the Bitfinex v2 REST and
// websocket APIs: derivatives status and limit order submission.
package bitfinex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/crypto"
	"github.com/alanyoungcy/signalbot/internal/domain"
)

const (
	submitOrderPath = "/v2/auth/w/order/submit"
	// signaturePrefix is prepended to API paths when signing.
	signaturePrefix = "/api"
)

// Client is the REST client for Bitfinex. Public endpoints go to publicHost,
// authenticated endpoints to restHost.
type Client struct {
	restHost   string
	publicHost string
	httpClient *http.Client
	auth       *crypto.BitfinexAuth
}

// NewClient creates a REST client. auth may be nil for public-only use.
//
// restHost is the authenticated API root, e.g. "https://api.bitfinex.com".
// publicHost is the public API root, e.g. "https://api-pub.bitfinex.com".
func NewClient(restHost, publicHost string, auth *crypto.BitfinexAuth, timeout time.Duration) *Client {
	return &Client{
		restHost:   restHost,
		publicHost: publicHost,
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
	}
}

// DerivStatus fetches the derivatives status row for symbol.
func (c *Client) DerivStatus(ctx context.Context, symbol string) (DerivStatus, error) {
	q := url.Values{"keys": {symbol}}
	body, err := c.do(ctx, http.MethodGet, c.publicHost, "/v2/status/deriv?"+q.Encode(), nil, false)
	if err != nil {
		return DerivStatus{}, fmt.Errorf("bitfinex: deriv status %s: %w", symbol, err)
	}

	rows, err := decodeArray(body)
	if err != nil {
		return DerivStatus{}, fmt.Errorf("bitfinex: decode deriv status %s: %w: %w", symbol, domain.ErrTransientNetwork, err)
	}
	if len(rows) == 0 {
		return DerivStatus{}, fmt.Errorf("bitfinex: deriv status %s: %w", symbol, domain.ErrNotFound)
	}
	row, ok := rows[0].([]any)
	if !ok {
		return DerivStatus{}, fmt.Errorf("bitfinex: deriv status %s: unexpected row type %T", symbol, rows[0])
	}

	status, err := parseStatusRow(symbol, row, 0)
	if err != nil {
		return DerivStatus{}, fmt.Errorf("bitfinex: %w", err)
	}
	return status, nil
}

// ReferencePrice returns the current mark price of symbol, falling back to the
// last derivative price.
func (c *Client) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	status, err := c.DerivStatus(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := status.ReferencePrice()
	if !ok {
		return decimal.Zero, fmt.Errorf("bitfinex: no usable price for %s: %w", symbol, domain.ErrRejectedByExchange)
	}
	return price, nil
}

// SubmitLimitOrder places a LIMIT order for the intent. The amount sign
// carries the side.
func (c *Client) SubmitLimitOrder(ctx context.Context, intent domain.OrderIntent) (domain.OrderReceipt, error) {
	if c.auth == nil {
		return domain.OrderReceipt{}, fmt.Errorf("bitfinex: submit order: no credentials: %w", domain.ErrAuthentication)
	}

	req := submitOrderRequest{
		Type:   "LIMIT",
		Symbol: intent.Symbol,
		Amount: intent.Amount.String(),
		Price:  intent.LimitPrice.String(),
		Lev:    intent.Leverage,
		Cid:    intent.ClientOrderID,
	}
	body, err := c.do(ctx, http.MethodPost, c.restHost, submitOrderPath, req, true)
	if err != nil {
		return domain.OrderReceipt{}, fmt.Errorf("bitfinex: submit order: %w", err)
	}

	n, err := parseNotification(body)
	if err != nil {
		return domain.OrderReceipt{}, fmt.Errorf("bitfinex: submit order: %w: %w", domain.ErrRejectedByExchange, err)
	}
	if n.Status != "SUCCESS" {
		return domain.OrderReceipt{}, fmt.Errorf("bitfinex: submit order: %w: %s %s", domain.ErrRejectedByExchange, n.Status, n.Text)
	}

	return domain.OrderReceipt{
		OrderID:     n.OrderID,
		Status:      n.Status,
		Message:     n.Text,
		SubmittedAt: time.Now(),
	}, nil
}

// do sends a request and returns the body of a 2xx response. Failures are
// classified into domain execution errors.
func (c *Client) do(ctx context.Context, method, host, path string, body any, signed bool) ([]byte, error) {
	var bodyReader io.Reader
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, host+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		for k, v := range c.auth.Headers(signaturePrefix+path, string(payload)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		// A write the exchange accepted must not be resent blind.
		if method == http.MethodPost && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, fmt.Errorf("read response after HTTP %d: %w: %w", resp.StatusCode, domain.ErrOrderUnconfirmed, err)
		}
		return nil, fmt.Errorf("read response: %w: %w", domain.ErrTransientNetwork, err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// classifyTransportError treats timeouts and connection failures as
// transient. A cancelled parent context is returned unchanged.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("http request: %w", err)
	}
	return fmt.Errorf("http request: %w: %w", domain.ErrTransientNetwork, err)
}

// checkHTTPStatus maps non-2xx responses to domain errors. Bitfinex reports
// business errors as ["error", code, msg] with HTTP 500, so the code wins
// over the status when present.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	apiErr, isAPIErr := parseAPIError(body)
	if isAPIErr {
		msg := fmt.Sprintf("%d %s", apiErr.Code, apiErr.Message)
		switch {
		case apiErr.Code == ErrorCodeInvalidAPIKey:
			return fmt.Errorf("%w: %s", domain.ErrAuthentication, msg)
		case apiErr.Code == ErrorCodeRateLimit:
			return fmt.Errorf("%w: %w: %s", domain.ErrTransientNetwork, domain.ErrRateLimited, msg)
		case apiErr.Code == ErrorCodeMaintenance:
			return fmt.Errorf("%w: %s", domain.ErrTransientNetwork, msg)
		case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
			return fmt.Errorf("%w: HTTP %d: %s", domain.ErrAuthentication, statusCode, msg)
		default:
			return fmt.Errorf("%w: %s", domain.ErrRejectedByExchange, msg)
		}
	}

	msg := string(body)
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrAuthentication, statusCode, msg)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: %s", domain.ErrTransientNetwork, domain.ErrRateLimited, msg)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrTransientNetwork, statusCode, msg)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrRejectedByExchange, statusCode, msg)
	}
}

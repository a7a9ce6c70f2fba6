package bitfinex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Field positions in a derivatives status row. REST rows start with the key,
// websocket rows omit it, so websocket positions are one lower.
const (
	statusMTSIdx        = 1
	statusDerivPriceIdx = 3
	statusSpotPriceIdx  = 4
	statusMarkPriceIdx  = 15
)

// Error codes carried in ["error", code, msg] bodies.
const (
	// ErrorCodeInvalidAPIKey covers rejected keys, nonces and signatures.
	ErrorCodeInvalidAPIKey = 10100
	ErrorCodeRateLimit     = 11010
	ErrorCodeMaintenance   = 20060
)

// DerivStatus is the subset of a derivatives status row this bot uses.
type DerivStatus struct {
	Symbol     string
	Timestamp  time.Time
	DerivPrice decimal.Decimal
	SpotPrice  decimal.Decimal
	MarkPrice  decimal.Decimal
}

// ReferencePrice returns the mark price, falling back to the last derivative
// price when the mark is absent.
func (s DerivStatus) ReferencePrice() (decimal.Decimal, bool) {
	if s.MarkPrice.IsPositive() {
		return s.MarkPrice, true
	}
	if s.DerivPrice.IsPositive() {
		return s.DerivPrice, true
	}
	return decimal.Zero, false
}

// parseStatusRow decodes a status row. offset is 0 for REST rows and -1 for
// websocket rows.
func parseStatusRow(symbol string, row []any, offset int) (DerivStatus, error) {
	need := statusMarkPriceIdx + offset
	if len(row) <= need {
		// Short rows are tolerated when the fallback price is present.
		need = statusDerivPriceIdx + offset
		if len(row) <= need {
			return DerivStatus{}, fmt.Errorf("status row for %s too short (%d fields)", symbol, len(row))
		}
	}

	s := DerivStatus{Symbol: symbol}
	if ms, ok := numberAt(row, statusMTSIdx+offset); ok {
		s.Timestamp = time.UnixMilli(ms.IntPart())
	}
	s.DerivPrice, _ = numberAt(row, statusDerivPriceIdx+offset)
	s.SpotPrice, _ = numberAt(row, statusSpotPriceIdx+offset)
	s.MarkPrice, _ = numberAt(row, statusMarkPriceIdx+offset)
	return s, nil
}

// numberAt reads row[i] as a decimal. Nulls and non-numbers report false.
func numberAt(row []any, i int) (decimal.Decimal, bool) {
	if i < 0 || i >= len(row) {
		return decimal.Zero, false
	}
	switch v := row[i].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// decodeArray unmarshals a JSON array preserving number precision.
func decodeArray(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// submitOrderRequest is the body of POST /auth/w/order/submit.
type submitOrderRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
	Lev    int    `json:"lev,omitempty"`
	Cid    int64  `json:"cid,omitempty"`
}

// notification is the decoded [MTS, TYPE, MSG_ID, null, DATA, CODE, STATUS,
// TEXT] envelope returned by write endpoints.
type notification struct {
	Type    string
	Status  string
	Text    string
	OrderID string
}

func parseNotification(data []byte) (notification, error) {
	arr, err := decodeArray(data)
	if err != nil {
		return notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if len(arr) < 8 {
		return notification{}, fmt.Errorf("notification has %d fields", len(arr))
	}

	n := notification{
		Type:   stringAt(arr, 1),
		Status: strings.ToUpper(stringAt(arr, 6)),
		Text:   stringAt(arr, 7),
	}

	// DATA is an array of order rows; the order ID is the first field.
	if orders, ok := arr[4].([]any); ok && len(orders) > 0 {
		if order, ok := orders[0].([]any); ok && len(order) > 0 {
			if id, ok := order[0].(json.Number); ok {
				n.OrderID = id.String()
			}
		}
	}
	return n, nil
}

// apiError is the decoded ["error", CODE, MESSAGE] body.
type apiError struct {
	Code    int64
	Message string
}

func parseAPIError(data []byte) (apiError, bool) {
	arr, err := decodeArray(data)
	if err != nil || len(arr) < 3 || stringAt(arr, 0) != "error" {
		return apiError{}, false
	}
	e := apiError{Message: stringAt(arr, 2)}
	if code, ok := arr[1].(json.Number); ok {
		e.Code, _ = code.Int64()
	}
	return e, true
}

func stringAt(row []any, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	s, _ := row[i].(string)
	return s
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order intent.
type Side string

const (
	SideBuy   Side = "BUY"
	SideShort Side = "SHORT"
)

// OrderIntent is a fully parameterized limit order. It is created once per
// actionable decision; the dispatcher stamps ClientOrderID before the first
// submission and nothing changes it afterwards.
type OrderIntent struct {
	Symbol string
	Side   Side
	// Amount is signed: positive for BUY, negative for SHORT.
	Amount         decimal.Decimal
	Leverage       int
	LimitPrice     decimal.Decimal
	ReferencePrice decimal.Decimal
	LimitOffset    float64
	Description    string
	ClientOrderID  int64
}

// OrderReceipt is returned by an execution provider after submission.
type OrderReceipt struct {
	OrderID     string
	Status      string
	Message     string
	Simulated   bool
	SubmittedAt time.Time
}

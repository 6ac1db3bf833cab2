// Package stream fans domain events out to live subscribers such as store
// dashboards. A Broker listens on an event.Bus and on task dead-letter
// hooks, and delivers each message to every subscriber of a matching
// topic through a bounded, credit-limited buffer. Slow subscribers lose
// messages instead of slowing the bus.
package stream

import (
	"encoding/json"
	"time"

	"github.com/xraph/tally/event"
)

// TypeTaskDeadLettered tags messages about runs that were dead-lettered.
const TypeTaskDeadLettered event.Type = "task.deadLettered"

// Message is what a subscriber receives.
type Message struct {
	Type      event.Type      `json:"type"`
	Timestamp time.Time       `json:"ts"`
	StoreID   string          `json:"storeId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// DeadLetterData is the payload of a TypeTaskDeadLettered message.
type DeadLetterData struct {
	Task         string `json:"task"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
	DeadLetterID string `json:"deadLetterId,omitempty"`
}

// storeOf returns the store an event belongs to, or "" for events that
// are not scoped to a store.
func storeOf(e event.Event) string {
	switch v := e.(type) {
	case event.InventoryUpdated:
		return v.StoreID
	case event.LowStockTriggered:
		return v.StoreID
	case event.SaleCompleted:
		return v.StoreID
	case event.SaleRefunded:
		return v.StoreID
	case event.ShiftOpened:
		return v.StoreID
	case event.ShiftClosed:
		return v.StoreID
	case event.FiscalReceiptUpdated:
		return v.StoreID
	default:
		return ""
	}
}

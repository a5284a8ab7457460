package event

import (
	"fmt"
	"time"
)

// Type is the closed set of user-activity kinds the producers emit.
type Type string

const (
	TypeView      Type = "view"
	TypeClick     Type = "click"
	TypeAddToCart Type = "add_to_cart"
	TypePurchase  Type = "purchase"
)

// ParseType returns the Type for s, or an error for anything outside the enum.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeView, TypeClick, TypeAddToCart, TypePurchase:
		return t, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Event is a decoded user-activity record. Optional fields are nil when the
// producer omitted them or they could not be coerced.
type Event struct {
	Timestamp time.Time `json:"ts"`
	UserID    string    `json:"user_id"`
	SessionID *string   `json:"session_id,omitempty"`
	Type      Type      `json:"event_type"`
	ProductID *string   `json:"product_id,omitempty"`
	Price     *float64  `json:"price,omitempty"`
	Quantity  *int64    `json:"quantity,omitempty"`
	Metadata  *string   `json:"metadata,omitempty"` // compact JSON text
}

// RawRow is the verbatim landing projection of an Event.
type RawRow struct {
	EventID   string `json:"event_id"` // natural key derived from the source position
	Stream    string `json:"stream"`
	Partition int32  `json:"source_partition"`
	Offset    int64  `json:"source_offset"`
	Event
	IngestedAt time.Time `json:"ingested_at"`
}

// FactRow is the curated projection: no metadata, plus a UTC calendar date
// used as the partition key.
type FactRow struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"ts"`
	UserID     string    `json:"user_id"`
	SessionID  *string   `json:"session_id,omitempty"`
	Type       Type      `json:"event_type"`
	ProductID  *string   `json:"product_id,omitempty"`
	Price      *float64  `json:"price,omitempty"`
	Quantity   *int64    `json:"quantity,omitempty"`
	Date       time.Time `json:"date"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Fact derives the curated row from r.
func (r RawRow) Fact() FactRow {
	return FactRow{
		EventID:    r.EventID,
		Timestamp:  r.Timestamp,
		UserID:     r.UserID,
		SessionID:  r.SessionID,
		Type:       r.Type,
		ProductID:  r.ProductID,
		Price:      r.Price,
		Quantity:   r.Quantity,
		Date:       Date(r.Timestamp),
		IngestedAt: r.IngestedAt,
	}
}

// Date truncates t to its calendar date in UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RawTransaction is one validated row of a daily transactions file.
type RawTransaction struct {
	TxID       string    `json:"tx_id"`
	Timestamp  time.Time `json:"ts"`
	UserID     string    `json:"user_id"`
	ProductID  string    `json:"product_id"`
	Price      float64   `json:"price"`
	Quantity   int64     `json:"quantity"`
	Country    *string   `json:"country,omitempty"`
	Channel    *string   `json:"channel,omitempty"`
	SourceFile string    `json:"source_file"`
	IngestedAt time.Time `json:"ingested_at"`
}

// FactTransaction adds revenue and the partition date to a transaction.
type FactTransaction struct {
	TxID       string    `json:"tx_id"`
	Timestamp  time.Time `json:"ts"`
	UserID     string    `json:"user_id"`
	ProductID  string    `json:"product_id"`
	Price      float64   `json:"price"`
	Quantity   int64     `json:"quantity"`
	Revenue    float64   `json:"revenue"`
	Country    *string   `json:"country,omitempty"`
	Channel    *string   `json:"channel,omitempty"`
	Date       time.Time `json:"date"`
	IngestedAt time.Time `json:"ingested_at"`
}

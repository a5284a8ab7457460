package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/streamforge/internal/event"
)

// TransactionTimeLayout is the ts format of the daily transaction files.
const TransactionTimeLayout = "2006-01-02 15:04:05"

var requiredColumns = []string{"tx_id", "ts", "user_id", "product_id", "price", "quantity"}

// Header maps a transaction file's column names to their index.
type Header map[string]int

// NewHeader validates the header row of a transaction file. Columns are
// matched case-insensitively; country and channel are optional.
func NewHeader(cols []string) (Header, error) {
	h := make(Header, len(cols))
	for i, c := range cols {
		h[strings.ToLower(strings.TrimSpace(c))] = i
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := h[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("transaction header missing columns: %s", strings.Join(missing, ", "))
	}
	return h, nil
}

func (h Header) get(rec []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// ParseTransaction validates one CSV record. Unlike streaming events, a
// transaction with an unparseable price or quantity is rejected as a whole.
func ParseTransaction(h Header, rec []string, sourceFile string, ingestedAt time.Time) (event.RawTransaction, error) {
	var tx event.RawTransaction
	tx.TxID = h.get(rec, "tx_id")
	if tx.TxID == "" {
		return tx, fmt.Errorf("missing tx_id")
	}
	ts, err := time.Parse(TransactionTimeLayout, h.get(rec, "ts"))
	if err != nil {
		return tx, fmt.Errorf("tx %s: invalid ts: %w", tx.TxID, err)
	}
	tx.Timestamp = ts.UTC()
	if tx.UserID = h.get(rec, "user_id"); tx.UserID == "" {
		return tx, fmt.Errorf("tx %s: missing user_id", tx.TxID)
	}
	if tx.ProductID = h.get(rec, "product_id"); tx.ProductID == "" {
		return tx, fmt.Errorf("tx %s: missing product_id", tx.TxID)
	}
	if tx.Price, err = strconv.ParseFloat(h.get(rec, "price"), 64); err != nil || tx.Price < 0 {
		return tx, fmt.Errorf("tx %s: invalid price %q", tx.TxID, h.get(rec, "price"))
	}
	if tx.Quantity, err = strconv.ParseInt(h.get(rec, "quantity"), 10, 64); err != nil || tx.Quantity < 0 {
		return tx, fmt.Errorf("tx %s: invalid quantity %q", tx.TxID, h.get(rec, "quantity"))
	}
	if v := h.get(rec, "country"); v != "" {
		tx.Country = &v
	}
	if v := h.get(rec, "channel"); v != "" {
		tx.Channel = &v
	}
	tx.SourceFile = sourceFile
	tx.IngestedAt = ingestedAt
	return tx, nil
}

// Revenue is price times quantity rounded to cents.
func Revenue(price float64, quantity int64) float64 {
	v, _ := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(quantity)).Round(2).Float64()
	return v
}

// FactTransaction derives the curated row from a raw transaction.
func FactTransaction(tx event.RawTransaction) event.FactTransaction {
	return event.FactTransaction{
		TxID:       tx.TxID,
		Timestamp:  tx.Timestamp,
		UserID:     tx.UserID,
		ProductID:  tx.ProductID,
		Price:      tx.Price,
		Quantity:   tx.Quantity,
		Revenue:    Revenue(tx.Price, tx.Quantity),
		Country:    tx.Country,
		Channel:    tx.Channel,
		Date:       event.Date(tx.Timestamp),
		IngestedAt: tx.IngestedAt,
	}
}

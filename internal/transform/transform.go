// Package transform decodes raw log payloads into the raw and curated row
// projections.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/streamforge/internal/batch"
	"github.com/gyaneshwarpardhi/streamforge/internal/event"
	"github.com/gyaneshwarpardhi/streamforge/internal/metrics"
	"github.com/gyaneshwarpardhi/streamforge/internal/source"
)

// Accepted layouts for the ts field, tried in order. The second one also
// accepts millisecond fractions since time.Parse tolerates a fractional second
// the layout does not spell out.
var tsLayouts = []string{
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02T15:04:05Z",
}

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/gyaneshwarpardhi/streamforge/events"))

// EventID is the natural key of the record at pos on stream. It is stable
// across replays, which is what makes sink writes idempotent.
func EventID(stream string, pos source.Position) string {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s/%d/%d", stream, pos.Partition, pos.Offset))).String()
}

// DecodeError reports a record that could not be decoded. The record is
// dropped from both projections and never retried.
type DecodeError struct {
	Position source.Position
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Position, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Position, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CoercionError reports a field that was nulled because its value could not
// be coerced to the expected type. The record itself is kept.
type CoercionError struct {
	Position source.Position
	Field    string
	Value    string
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("coerce %s at %s: invalid value %s", e.Field, e.Position, e.Value)
}

// Result is the output of transforming one micro-batch. Raw and Facts are
// index-aligned: Facts[i] is the curated projection of Raw[i].
type Result struct {
	Raw       []event.RawRow
	Facts     []event.FactRow
	Errors    []*DecodeError
	Coercions []*CoercionError
}

// MaxTimestamp returns the latest event time in the result, or the zero time
// when it holds no rows.
func (r Result) MaxTimestamp() time.Time {
	var max time.Time
	for _, row := range r.Raw {
		if row.Timestamp.After(max) {
			max = row.Timestamp
		}
	}
	return max
}

// Transformer converts micro-batches of one stream. It holds no mutable state:
// the same batch always produces identical rows.
type Transformer struct {
	stream string
}

// New returns a Transformer for stream.
func New(stream string) *Transformer {
	return &Transformer{stream: stream}
}

type wireEvent struct {
	TS        *string         `json:"ts"`
	UserID    *string         `json:"user_id"`
	SessionID *string         `json:"session_id"`
	EventType *string         `json:"event_type"`
	ProductID *string         `json:"product_id"`
	Price     json.RawMessage `json:"price"`
	Quantity  json.RawMessage `json:"quantity"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Transform decodes every message of b. IngestedAt is taken from the batch so
// that replaying a batch yields byte-identical rows.
func (t *Transformer) Transform(b *batch.MicroBatch) Result {
	res := Result{
		Raw:   make([]event.RawRow, 0, len(b.Messages)),
		Facts: make([]event.FactRow, 0, len(b.Messages)),
	}
	for _, m := range b.Messages {
		row, coercions, derr := t.decode(m, b.CreatedAt)
		res.Coercions = append(res.Coercions, coercions...)
		if derr != nil {
			res.Errors = append(res.Errors, derr)
			continue
		}
		res.Raw = append(res.Raw, row)
		res.Facts = append(res.Facts, row.Fact())
	}

	if n := len(res.Errors); n > 0 {
		metrics.DecodeErrors.WithLabelValues(t.stream).Add(float64(n))
	}
	for _, c := range res.Coercions {
		metrics.CoercionErrors.WithLabelValues(t.stream, c.Field).Inc()
	}
	return res
}

func (t *Transformer) decode(m source.RawMessage, ingestedAt time.Time) (event.RawRow, []*CoercionError, *DecodeError) {
	fail := func(reason string, err error) (event.RawRow, []*CoercionError, *DecodeError) {
		return event.RawRow{}, nil, &DecodeError{Position: m.Position, Reason: reason, Err: err}
	}

	var w wireEvent
	if err := json.Unmarshal(m.Payload, &w); err != nil {
		return fail("invalid json", err)
	}
	if w.TS == nil {
		return fail("missing ts", nil)
	}
	ts, err := ParseTimestamp(*w.TS)
	if err != nil {
		return fail("invalid ts", err)
	}
	if w.UserID == nil || *w.UserID == "" {
		return fail("missing user_id", nil)
	}
	if w.EventType == nil {
		return fail("missing event_type", nil)
	}
	typ, err := event.ParseType(*w.EventType)
	if err != nil {
		return fail("invalid event_type", err)
	}

	row := event.RawRow{
		EventID:   EventID(t.stream, m.Position),
		Stream:    t.stream,
		Partition: m.Partition,
		Offset:    m.Offset,
		Event: event.Event{
			Timestamp: ts,
			UserID:    *w.UserID,
			SessionID: w.SessionID,
			Type:      typ,
			ProductID: w.ProductID,
		},
		IngestedAt: ingestedAt,
	}

	var coercions []*CoercionError
	if price, ok := coerceFloat(w.Price); ok {
		row.Price = price
	} else {
		coercions = append(coercions, &CoercionError{Position: m.Position, Field: "price", Value: string(w.Price)})
	}
	if qty, ok := coerceInt(w.Quantity); ok {
		row.Quantity = qty
	} else {
		coercions = append(coercions, &CoercionError{Position: m.Position, Field: "quantity", Value: string(w.Quantity)})
	}
	if !isNull(w.Metadata) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, w.Metadata); err == nil {
			s := buf.String()
			row.Metadata = &s
		}
	}
	return row, coercions, nil
}

// ParseTimestamp parses an event time in one of the accepted layouts. The
// result is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range tsLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// numericText unwraps a JSON number or numeric string into its text form.
func numericText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return strings.TrimSpace(s), true
	}
	return string(raw), true
}

// coerceFloat returns (nil, true) for an absent value, the parsed non-negative
// value, or ok=false when the value cannot be coerced.
func coerceFloat(raw json.RawMessage) (*float64, bool) {
	if isNull(raw) {
		return nil, true
	}
	s, ok := numericText(raw)
	if !ok {
		return nil, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, false
	}
	return &v, true
}

func coerceInt(raw json.RawMessage) (*int64, bool) {
	if isNull(raw) {
		return nil, true
	}
	s, ok := numericText(raw)
	if !ok {
		return nil, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// 3.0 is still a whole quantity
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, false
		}
		v = int64(f)
	}
	if v < 0 {
		return nil, false
	}
	return &v, true
}

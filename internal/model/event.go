package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrMalformedEvent is returned for payloads that cannot become a PriceEvent.
var ErrMalformedEvent = errors.New("malformed price event")

// sampleNamespace scopes the name-based sample identifiers.
var sampleNamespace = uuid.MustParse("6f1c0b52-3d0e-4b7e-9a57-0c6a4c8e1f2d")

// PriceEvent is the message exchanged between fetcher and ingest consumer.
// It exists only on the wire.
type PriceEvent struct {
	Instrument string
	Price      float64
	Timestamp  time.Time
}

// priceEventJSON is the wire shape. Price accepts either a JSON string or number.
type priceEventJSON struct {
	Instrument *string          `json:"instrument"`
	Price      *decimal.Decimal `json:"price"`
	Timestamp  *string          `json:"timestamp"`
}

// MarshalJSON encodes the event with price as a decimal string and the
// timestamp as RFC 3339 in UTC.
func (e PriceEvent) MarshalJSON() ([]byte, error) {
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(struct {
		Instrument string `json:"instrument"`
		Price      string `json:"price"`
		Timestamp  string `json:"timestamp"`
	}{
		Instrument: e.Instrument,
		Price:      decimal.NewFromFloat(e.Price).String(),
		Timestamp:  ts,
	})
}

// ParsePriceEvent decodes a wire payload. Every field is required; errors wrap
// ErrMalformedEvent.
func ParsePriceEvent(data []byte) (PriceEvent, error) {
	var raw priceEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return PriceEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if raw.Instrument == nil || strings.TrimSpace(*raw.Instrument) == "" {
		return PriceEvent{}, fmt.Errorf("%w: missing instrument", ErrMalformedEvent)
	}
	if raw.Price == nil {
		return PriceEvent{}, fmt.Errorf("%w: missing price", ErrMalformedEvent)
	}
	if raw.Timestamp == nil {
		return PriceEvent{}, fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}

	ts, err := time.Parse(time.RFC3339Nano, *raw.Timestamp)
	if err != nil {
		return PriceEvent{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, err)
	}

	price, _ := raw.Price.Float64()
	if math.IsInf(price, 0) || math.IsNaN(price) {
		return PriceEvent{}, fmt.Errorf("%w: price %s out of range", ErrMalformedEvent, raw.Price.String())
	}

	return PriceEvent{
		Instrument: *raw.Instrument,
		Price:      price,
		Timestamp:  ts,
	}, nil
}

// StoreTime normalizes a timestamp to what the store keeps: UTC with
// microsecond precision.
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SampleID returns the content-addressed identifier of an observation. The
// same (instrument, timestamp) always yields the same ID, so a redelivered
// event maps onto the row it already produced.
func SampleID(instrument string, ts time.Time) uuid.UUID {
	name := instrument + "|" + StoreTime(ts).Format(time.RFC3339Nano)
	return uuid.NewSHA1(sampleNamespace, []byte(name))
}

// NewPriceSample maps a parsed event onto the row it persists as.
func NewPriceSample(e PriceEvent) PriceSample {
	ts := StoreTime(e.Timestamp)
	return PriceSample{
		ID:         SampleID(e.Instrument, ts),
		Instrument: e.Instrument,
		Timestamp:  ts,
		Amount:     e.Price,
	}
}

package history

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxSize bounds a ring when no capacity is configured.
const DefaultMaxSize = 100

// Record is one accepted price observation for a symbol.
type Record struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Volume        float64   `json:"volume,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
}

// Ring keeps the most recent records for one symbol in arrival order,
// evicting the oldest once capacity is exceeded. Not safe for concurrent
// use; callers synchronize.
type Ring struct {
	max  int
	recs []Record
}

// NewRing creates a ring holding at most max records.
func NewRing(max int) *Ring {
	if max <= 0 {
		max = DefaultMaxSize
	}
	return &Ring{max: max}
}

// Append adds a record, evicting the oldest when full.
func (r *Ring) Append(rec Record) {
	r.recs = append(r.recs, rec)
	if len(r.recs) > r.max {
		r.recs = append(r.recs[:0:0], r.recs[len(r.recs)-r.max:]...)
	}
}

// Len returns the number of retained records.
func (r *Ring) Len() int {
	return len(r.recs)
}

// Records returns a copy of the retained records, oldest first.
func (r *Ring) Records() []Record {
	out := make([]Record, len(r.recs))
	copy(out, r.recs)
	return out
}

// Stats summarizes the retained records.
type Stats struct {
	Count int
	High  decimal.Decimal
	Low   decimal.Decimal
	Mean  decimal.Decimal
	VWAP  decimal.Decimal
}

// Stats computes summary statistics over the retained records. VWAP falls
// back to the mean when no volume was reported.
func (r *Ring) Stats() Stats {
	if len(r.recs) == 0 {
		return Stats{}
	}

	high := decimal.NewFromFloat(r.recs[0].Price)
	low := high
	sum := decimal.Zero
	weighted := decimal.Zero
	totalVolume := decimal.Zero

	for _, rec := range r.recs {
		price := decimal.NewFromFloat(rec.Price)
		volume := decimal.NewFromFloat(rec.Volume)

		if price.GreaterThan(high) {
			high = price
		}
		if price.LessThan(low) {
			low = price
		}
		sum = sum.Add(price)
		weighted = weighted.Add(price.Mul(volume))
		totalVolume = totalVolume.Add(volume)
	}

	mean := sum.Div(decimal.NewFromInt(int64(len(r.recs))))
	vwap := mean
	if totalVolume.GreaterThan(decimal.Zero) {
		vwap = weighted.Div(totalVolume)
	}

	return Stats{
		Count: len(r.recs),
		High:  high,
		Low:   low,
		Mean:  mean,
		VWAP:  vwap,
	}
}

package history

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRingEviction(t *testing.T) {
	ring := NewRing(10)

	for i := 0; i < 15; i++ {
		ring.Append(Record{
			Symbol:    "AAPL",
			Price:     100 + float64(i),
			Timestamp: time.Now(),
		})
	}

	if ring.Len() != 10 {
		t.Fatalf("Expected 10 retained records, got %d", ring.Len())
	}

	recs := ring.Records()
	// Records 5..14 survive, in arrival order.
	for i, rec := range recs {
		want := 100 + float64(i+5)
		if rec.Price != want {
			t.Errorf("Record %d: expected price %.1f, got %.1f", i, want, rec.Price)
		}
	}
}

func TestRingBelowCapacity(t *testing.T) {
	ring := NewRing(10)
	ring.Append(Record{Symbol: "AAPL", Price: 100})
	ring.Append(Record{Symbol: "AAPL", Price: 101})

	if ring.Len() != 2 {
		t.Errorf("Expected 2 records, got %d", ring.Len())
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	ring := NewRing(0)
	for i := 0; i < DefaultMaxSize+5; i++ {
		ring.Append(Record{Price: float64(i)})
	}
	if ring.Len() != DefaultMaxSize {
		t.Errorf("Expected default capacity %d, got %d", DefaultMaxSize, ring.Len())
	}
}

func TestRecordsReturnsCopy(t *testing.T) {
	ring := NewRing(5)
	ring.Append(Record{Price: 1})

	recs := ring.Records()
	recs[0].Price = 999

	if ring.Records()[0].Price != 1 {
		t.Error("Mutating the returned slice affected the ring")
	}
}

func TestStats(t *testing.T) {
	ring := NewRing(10)
	ring.Append(Record{Price: 100, Volume: 10})
	ring.Append(Record{Price: 110, Volume: 30})
	ring.Append(Record{Price: 90, Volume: 10})

	stats := ring.Stats()

	if stats.Count != 3 {
		t.Errorf("Expected count 3, got %d", stats.Count)
	}
	if !stats.High.Equal(decimal.NewFromInt(110)) {
		t.Errorf("Expected high 110, got %s", stats.High)
	}
	if !stats.Low.Equal(decimal.NewFromInt(90)) {
		t.Errorf("Expected low 90, got %s", stats.Low)
	}
	if !stats.Mean.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected mean 100, got %s", stats.Mean)
	}
	// VWAP = (100*10 + 110*30 + 90*10) / 50 = 5200/50 = 104
	if !stats.VWAP.Equal(decimal.NewFromInt(104)) {
		t.Errorf("Expected VWAP 104, got %s", stats.VWAP)
	}
}

func TestStatsNoVolumeFallsBackToMean(t *testing.T) {
	ring := NewRing(10)
	ring.Append(Record{Price: 100})
	ring.Append(Record{Price: 200})

	stats := ring.Stats()
	if !stats.VWAP.Equal(stats.Mean) {
		t.Errorf("Expected VWAP to equal mean without volume, got %s vs %s", stats.VWAP, stats.Mean)
	}
}

func TestStatsEmpty(t *testing.T) {
	ring := NewRing(10)
	stats := ring.Stats()
	if stats.Count != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
}

// Package indicator computes technical indicators over a window of a
// newest-first price series. Each function reads exactly the values it
// needs, so callers can point a Series at any bar layout without copying.
package indicator

import (
	"github.com/shopspring/decimal"
)

// Series returns the value i steps back; 0 is the newest.
type Series func(i int) decimal.Decimal

// SMA returns the simple average of the n newest values. The caller
// guarantees n values exist.
func SMA(s Series, n int) decimal.Decimal {
	if n < 1 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for i := 0; i < n; i++ {
		sum = sum.Add(s(i))
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(high, low, prevClose decimal.Decimal) decimal.Decimal {
	tr := high.Sub(low)
	tr = decimal.Max(tr, high.Sub(prevClose).Abs())
	return decimal.Max(tr, low.Sub(prevClose).Abs())
}

// ATR returns the average true range of the n newest bars. It reads n+1
// closes because every true range needs the previous close.
func ATR(high, low, close Series, n int) decimal.Decimal {
	if n < 1 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for i := 0; i < n; i++ {
		sum = sum.Add(TrueRange(high(i), low(i), close(i+1)))
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// Highest returns the largest of the n newest values.
func Highest(s Series, n int) decimal.Decimal {
	out := s(0)
	for i := 1; i < n; i++ {
		out = decimal.Max(out, s(i))
	}
	return out
}

// Lowest returns the smallest of the n newest values.
func Lowest(s Series, n int) decimal.Decimal {
	out := s(0)
	for i := 1; i < n; i++ {
		out = decimal.Min(out, s(i))
	}
	return out
}

// Of adapts a newest-first slice.
func Of(values []decimal.Decimal) Series {
	return func(i int) decimal.Decimal { return values[i] }
}

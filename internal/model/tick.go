package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TickerWidth is the canonical width of an instrument code.
// Exchange codes are numeric and zero-padded, e.g. "5930" → "005930".
const TickerWidth = 6

// Tick represents a single observed price update for one instrument.
// Prices are stored as int64 won to avoid float drift; ChangeRate is the
// percentage change versus the previous close. A Tick is immutable after
// construction and is never persisted by the pipeline.
type Tick struct {
	Ticker     string    `json:"ticker"`
	Price      int64     `json:"price"`
	Change     int64     `json:"change"`      // signed delta vs previous close
	ChangeRate float64   `json:"change_rate"` // percentage
	Volume     int64     `json:"volume"`      // cumulative
	BidPrice   int64     `json:"bid_price"`
	AskPrice   int64     `json:"ask_price"`
	Timestamp  time.Time `json:"timestamp"`
}

// JSON returns the serialized tick. Errors are impossible for this shape.
func (t Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}

// Key returns a human-readable identity for logging.
func (t Tick) Key() string {
	return t.Ticker + "@" + t.Timestamp.UTC().Format(time.RFC3339Nano)
}

// NormalizeTicker pads an instrument code to the canonical width.
// Whitespace and a leading "A" prefix (used by some vendor feeds) are
// stripped before padding. Codes already at or above the canonical width
// are returned trimmed but otherwise unchanged.
func NormalizeTicker(code string) string {
	code = strings.TrimSpace(code)
	code = strings.TrimPrefix(code, "A")
	if len(code) >= TickerWidth {
		return code
	}
	return strings.Repeat("0", TickerWidth-len(code)) + code
}

// FromFields builds a Tick from a generic vendor payload. Missing numeric
// fields default to zero and a missing timestamp defaults to now; the
// ticker code is always normalized.
func FromFields(fields map[string]interface{}) Tick {
	ticker, _ := fields["ticker"].(string)
	ts := time.Now().UTC()
	if raw, ok := fields["timestamp"]; ok {
		switch v := raw.(type) {
		case time.Time:
			ts = v.UTC()
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
				ts = parsed.UTC()
			}
		case int64:
			if v > 0 {
				ts = time.Unix(0, v*int64(time.Millisecond)).UTC()
			}
		case float64:
			if v > 0 {
				ts = time.Unix(0, int64(v)*int64(time.Millisecond)).UTC()
			}
		}
	}
	return Tick{
		Ticker:     NormalizeTicker(ticker),
		Price:      toInt64(fields["price"]),
		Change:     toInt64(fields["change"]),
		ChangeRate: toFloat64(fields["change_rate"]),
		Volume:     toInt64(fields["volume"]),
		BidPrice:   toInt64(fields["bid_price"]),
		AskPrice:   toInt64(fields["ask_price"]),
		Timestamp:  ts,
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

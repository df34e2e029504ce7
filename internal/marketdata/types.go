// Package marketdata defines the value types the wider system moves
// through the cache: quotes, candles, and computed analysis artifacts.
// The caching subsystem itself treats payloads as opaque bytes; these
// types give callers (and tests) a stable JSON representation.
package marketdata

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar for an instrument.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Quote is one top-of-book snapshot.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Artifact is one computed analysis result ready for caching: the
// detection or indicator output for an instrument over a timeframe.
type Artifact struct {
	Type        string          `json:"type"`
	Instrument  string          `json:"instrument"`
	Timeframe   string          `json:"timeframe"`
	Result      json.RawMessage `json:"result"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Encode serializes the artifact for storage in a cache tier.
func (a *Artifact) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeArtifact deserializes an artifact read back from a cache tier.
func DecodeArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
